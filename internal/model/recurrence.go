package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRecurrence = errors.New("model: invalid recurrence rule")

type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

// Rule is the subset of RFC 5545 RRULE the app produces: FREQ and INTERVAL.
type Rule struct {
	Freq     Frequency
	Interval int
}

// ParseRule parses strings such as "FREQ=WEEKLY;INTERVAL=2". A leading
// "RRULE:" is accepted. Unknown parts are rejected.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "RRULE:")
	if s == "" {
		return Rule{}, fmt.Errorf("%w: empty", ErrInvalidRecurrence)
	}
	rule := Rule{Interval: 1}
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRecurrence, part)
		}
		switch strings.ToUpper(key) {
		case "FREQ":
			switch f := Frequency(strings.ToUpper(value)); f {
			case FreqDaily, FreqWeekly, FreqMonthly, FreqYearly:
				rule.Freq = f
			default:
				return Rule{}, fmt.Errorf("%w: frequency %q", ErrInvalidRecurrence, value)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return Rule{}, fmt.Errorf("%w: interval %q", ErrInvalidRecurrence, value)
			}
			rule.Interval = n
		default:
			return Rule{}, fmt.Errorf("%w: unsupported part %q", ErrInvalidRecurrence, key)
		}
	}
	if rule.Freq == "" {
		return Rule{}, fmt.Errorf("%w: FREQ is required", ErrInvalidRecurrence)
	}
	return rule, nil
}

func (r Rule) String() string {
	if r.Interval <= 1 {
		return "FREQ=" + string(r.Freq)
	}
	return fmt.Sprintf("FREQ=%s;INTERVAL=%d", r.Freq, r.Interval)
}

// Next returns the first occurrence strictly after `after`, stepping from
// `from` (normally the current due date) so the clock time is preserved.
func (r Rule) Next(from, after time.Time) time.Time {
	next := r.step(from)
	for !next.After(after) {
		next = r.step(next)
	}
	return next
}

func (r Rule) step(t time.Time) time.Time {
	n := r.Interval
	if n <= 0 {
		n = 1
	}
	switch r.Freq {
	case FreqWeekly:
		return t.AddDate(0, 0, 7*n)
	case FreqMonthly:
		return t.AddDate(0, n, 0)
	case FreqYearly:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
