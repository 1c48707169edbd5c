// Package policy holds content rules applied to user text before it is
// persisted.
package policy

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	mask    string
}

// Card numbers are masked before phone numbers so long digit runs are not
// reported as phones.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactFreeText masks contact and payment details in text a user typed.
func RedactFreeText(input string) (string, bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.mask)
	}
	return out, out != input
}
