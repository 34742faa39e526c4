package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue reads a due date typed by the user. ISO dates are taken
// literally, with a bare date meaning all day; anything else goes through
// natural-language parsing relative to now ("tomorrow 9am", "in 2 hours").
func parseDue(text string, now time.Time) (time.Time, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false, fmt.Errorf("empty due date")
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, true, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, false, nil
		}
	}

	r, err := dueParser.Parse(text, now)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, false, fmt.Errorf("could not understand due date %q", text)
	}
	return r.Time, false, nil
}
