// internal/policy/policy.go
package policy

import (
	"errors"
	"time"
)

const (
	// DefaultTermDays is the loan term used when a caller does not pick one.
	DefaultTermDays = 14
	// MaxTermDays bounds caller-selected terms.
	MaxTermDays = 90
)

// ErrInvalidTerm is returned for negative or oversized loan terms.
var ErrInvalidTerm = errors.New("invalid loan term")

// SelectableTerms are the terms offered by the loan forms.
var SelectableTerms = []int{7, 14, 21, 30}

// Day truncates t to midnight of its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ResolveTerm returns the effective term for a requested one. Zero selects the default.
func ResolveTerm(termDays int) (int, error) {
	switch {
	case termDays == 0:
		return DefaultTermDays, nil
	case termDays < 0 || termDays > MaxTermDays:
		return 0, ErrInvalidTerm
	default:
		return termDays, nil
	}
}

// DueDate adds termDays calendar days to the start date.
func DueDate(start time.Time, termDays int) time.Time {
	return Day(start).AddDate(0, 0, termDays)
}

// IsOverdue reports whether today is strictly past the due date.
// A loan due today is not overdue.
func IsOverdue(dueDate, today time.Time) bool {
	return Day(today).After(Day(dueDate))
}
