// Package reminder holds recurring reminder records and the scheduler that
// dispatches them once per matching minute.
package reminder

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTime = errors.New("time of day must be HH:MM")
	ErrInvalidDays = errors.New("invalid weekday selection")
	ErrInvalidKind = errors.New("invalid reminder kind")
)

type Kind string

const (
	KindActivity Kind = "activity"
	KindMeal     Kind = "meal"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindActivity, KindMeal:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// Weekday is a three-letter lowercase day tag.
type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

// AllWeekdays is in week order starting Monday.
var AllWeekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var weekdayAliases = map[string]Weekday{
	"mon": Monday, "monday": Monday, "1": Monday,
	"tue": Tuesday, "tuesday": Tuesday, "2": Tuesday,
	"wed": Wednesday, "wednesday": Wednesday, "3": Wednesday,
	"thu": Thursday, "thursday": Thursday, "4": Thursday,
	"fri": Friday, "friday": Friday, "5": Friday,
	"sat": Saturday, "saturday": Saturday, "6": Saturday,
	"sun": Sunday, "sunday": Sunday, "7": Sunday,
}

func weekdayIndex(d Weekday) int {
	for i, w := range AllWeekdays {
		if w == d {
			return i
		}
	}
	return len(AllWeekdays)
}

// WeekdayOf returns the tag for t in t's location.
func WeekdayOf(t time.Time) Weekday {
	switch t.Weekday() {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	default:
		return Sunday
	}
}

// ParseDays accepts comma or space separated tags, full english names or
// ISO numbers (1 = Monday). "all" and "daily" mean unrestricted and
// return nil.
func ParseDays(raw string) ([]Weekday, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return nil, fmt.Errorf("%w: no days selected", ErrInvalidDays)
	case "all", "daily", "*":
		return nil, nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	seen := make(map[Weekday]bool, len(fields))
	for _, f := range fields {
		d, ok := weekdayAliases[f]
		if !ok {
			return nil, fmt.Errorf("%w: unknown day %q", ErrInvalidDays, f)
		}
		seen[d] = true
	}
	if len(seen) == len(AllWeekdays) {
		return nil, nil
	}
	return sortedDays(seen), nil
}

// NormalizeDays validates tags and returns them deduplicated in week
// order; a full week collapses to nil.
func NormalizeDays(days []Weekday) ([]Weekday, error) {
	if len(days) == 0 {
		return nil, nil
	}
	seen := make(map[Weekday]bool, len(days))
	for _, d := range days {
		if weekdayIndex(d) == len(AllWeekdays) {
			return nil, fmt.Errorf("%w: unknown day %q", ErrInvalidDays, d)
		}
		seen[d] = true
	}
	if len(seen) == len(AllWeekdays) {
		return nil, nil
	}
	return sortedDays(seen), nil
}

func sortedDays(set map[Weekday]bool) []Weekday {
	out := make([]Weekday, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return weekdayIndex(out[i]) < weekdayIndex(out[j]) })
	return out
}

// FormatDays is the storage form: "mon,wed,fri", empty for every day.
func FormatDays(days []Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}

// DaysFromStorage is the inverse of FormatDays.
func DaysFromStorage(s string) []Weekday {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Weekday, 0, len(parts))
	for _, p := range parts {
		out = append(out, Weekday(strings.TrimSpace(p)))
	}
	return out
}

var timeOfDayPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

func ValidTimeOfDay(s string) bool {
	return timeOfDayPattern.MatchString(s)
}

// MinuteOfDay converts a valid HH:MM string to minutes since midnight.
func MinuteOfDay(s string) (int, error) {
	m := timeOfDayPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return h*60 + mm, nil
}

// Record is one persisted reminder. Activity reminders use slot 0, meal
// reminders number their meals from 1.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Slot      int       `json:"slot"`
	TimeOfDay string    `json:"time_of_day"`
	Days      []Weekday `json:"days,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether the record fires at minute on day.
func (r Record) Matches(minute string, day Weekday) bool {
	if !r.Active || r.TimeOfDay != minute {
		return false
	}
	if len(r.Days) == 0 {
		return true
	}
	for _, d := range r.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Validate checks the configuration surface rules.
func (r Record) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("reminder user id is required")
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if !ValidTimeOfDay(r.TimeOfDay) {
		return fmt.Errorf("%w: %q", ErrInvalidTime, r.TimeOfDay)
	}
	if _, err := NormalizeDays(r.Days); err != nil {
		return err
	}
	return nil
}
