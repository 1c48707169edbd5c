package dialogue

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/antoniostano/fitbuddy/internal/policy"
)

var ErrValidationRejected = errors.New("validation rejected")

// RejectionError carries the user-facing reason for a rejected answer.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "validation rejected: " + e.Reason }

func (e *RejectionError) Unwrap() error { return ErrValidationRejected }

func reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// Validator parses raw input into a typed value or rejects it. prior holds
// the answers collected so far.
type Validator func(raw string, prior Answers) (any, error)

func parseNumber(raw string) (float64, bool) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Number accepts a decimal in [lo, hi]. A comma decimal separator is
// accepted.
func Number(lo, hi float64) Validator {
	return func(raw string, _ Answers) (any, error) {
		v, ok := parseNumber(raw)
		if !ok {
			return nil, reject("please enter a number")
		}
		if v < lo || v > hi {
			return nil, reject("enter a value between %g and %g", lo, hi)
		}
		return v, nil
	}
}

func Integer(lo, hi int) Validator {
	return func(raw string, _ Answers) (any, error) {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, reject("please enter a whole number")
		}
		if v < lo || v > hi {
			return nil, reject("enter a number between %d and %d", lo, hi)
		}
		return v, nil
	}
}

// Choice accepts one of options, case-insensitively, and returns the
// canonical spelling.
func Choice(options ...string) Validator {
	return func(raw string, _ Answers) (any, error) {
		raw = strings.TrimSpace(raw)
		for _, opt := range options {
			if strings.EqualFold(raw, opt) {
				return opt, nil
			}
		}
		return nil, reject("choose one of: %s", strings.Join(options, ", "))
	}
}

// Text accepts non-empty free text. Contact and payment details are masked
// before the answer is kept.
func Text(maxLen int) Validator {
	return func(raw string, _ Answers) (any, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, reject("please enter some text")
		}
		if maxLen > 0 && utf8.RuneCountInString(raw) > maxLen {
			return nil, reject("keep it under %d characters", maxLen)
		}
		clean, _ := policy.RedactFreeText(raw)
		return clean, nil
	}
}
