// Package duedate turns Moodle's year-less due date text, e.g.
// "Friday, 7 September, 5:00 PM", into absolute UTC timestamps.
//
// The reference year is appended verbatim. A January deadline scraped in
// December therefore lands in the wrong year; this is not corrected.
package duedate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrDateParse is returned when no known layout matches the text.
var ErrDateParse = errors.New("unrecognized due date format")

// Layouts are tried in order after commas are removed and the year is
// appended. Weekday names are syntax-checked only by package time, so a
// weekday that does not match the appended year is harmless.
var layouts = []string{
	"Monday 2 January 3:04 PM 2006",
	"Monday 2 January 3:04PM 2006",
	"Monday 2 January 15:04 2006",
	"Mon 2 Jan 3:04 PM 2006",
	"Mon 2 Jan 3:04PM 2006",
	"Mon 2 Jan 15:04 2006",
	"Monday January 2 3:04 PM 2006",
	"Monday January 2 15:04 2006",
	"2 January 3:04 PM 2006",
	"2 January 15:04 2006",
	"January 2 3:04 PM 2006",
	"January 2 15:04 2006",
	"Monday 2 January 2006",
	"2 January 2006",
}

var clockLayouts = []string{"3:04 PM", "3:04PM", "15:04"}

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	meridiemRe = regexp.MustCompile(`(?i)\d\s?(am|pm)\b`)
	dueRe      = regexp.MustCompile(`(?i)^(due|opens|closes)\s*:?\s*`)
)

// Normalizer converts due date text. The zero value interprets text in UTC
// and resolves "Today"/"Tomorrow" against time.Now.
type Normalizer struct {
	// Location the LMS renders dates in. Nil means UTC.
	Location *time.Location
	// Now is used for relative dates. Nil means time.Now.
	Now func() time.Time
}

// Normalize parses text with the given reference year and returns UTC.
func (n Normalizer) Normalize(text string, year int) (time.Time, error) {
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}

	clean := clean(text)
	if clean == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrDateParse)
	}

	if t, ok := n.relative(clean, loc); ok {
		return t.UTC(), nil
	}

	withYear := clean + " " + strconv.Itoa(year)
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, withYear, loc)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrDateParse, text)
}

// Normalize is a convenience wrapper using the zero Normalizer.
func Normalize(text string, year int) (time.Time, error) {
	return Normalizer{}.Normalize(text, year)
}

// relative handles "Today, 5:00 PM", "Tomorrow, 23:59" and "Yesterday, ...".
func (n Normalizer) relative(clean string, loc *time.Location) (time.Time, bool) {
	word, rest, found := strings.Cut(clean, " ")
	if !found {
		return time.Time{}, false
	}

	var offset int
	switch strings.ToLower(word) {
	case "today":
		offset = 0
	case "tomorrow":
		offset = 1
	case "yesterday":
		offset = -1
	default:
		return time.Time{}, false
	}

	for _, layout := range clockLayouts {
		clock, err := time.Parse(layout, rest)
		if err != nil {
			continue
		}
		now := time.Now
		if n.Now != nil {
			now = n.Now
		}
		day := now().In(loc).AddDate(0, 0, offset)
		return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), true
	}
	return time.Time{}, false
}

// clean strips a "Due:" prefix and range suffixes ("9:00 AM » 10:00 AM"),
// drops commas, collapses whitespace and upper-cases am/pm.
func clean(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.IndexAny(s, "»–"); i >= 0 {
		s = s[:i]
	}
	s = dueRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, ",", " ")
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	return meridiemRe.ReplaceAllStringFunc(s, strings.ToUpper)
}
