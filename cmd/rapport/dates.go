package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDate accepts an absolute date or a natural phrase such as
// "tomorrow at 3pm" or "next friday", resolved against now.
func parseDate(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}
	r, err := dateParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q", text)
	}
	return r.Time, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Mon Jan 2 2006 15:04")
}
