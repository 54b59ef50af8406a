package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = newTimeParser()

func newTimeParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseWakeTime accepts RFC 3339 or natural language such as
// "tomorrow 9am" or "in 3 days", relative to now. The result must lie in
// the future.
func parseWakeTime(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return checkFuture(t, now, text)
	}
	r, err := timeParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return checkFuture(r.Time, now, text)
}

func checkFuture(t, now time.Time, text string) (time.Time, error) {
	if !t.After(now) {
		return time.Time{}, fmt.Errorf("%q is not in the future", text)
	}
	return t, nil
}
