// Package ics renders planned assignment events as an iCalendar feed so a
// dry run can be inspected or imported by hand.
package ics

import (
	"errors"
	"sort"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "gmoodle/internal/log"
	"gmoodle/internal/model"
)

const productID = "-//gmoodle//Moodle Assignments//EN"

// uidNamespace scopes event UIDs so the same title always maps to the same
// UID across exports.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://gmoodle/events"))

// BuildFeed renders events as a VCALENDAR named calendarName. Each event is
// zero-length at its due time, mirroring what a sync inserts. Events are
// ordered by due time then title.
func BuildFeed(calendarName string, events []model.PlannedEvent) ([]byte, error) {
	if calendarName == "" {
		return nil, errors.New("calendar name is empty")
	}

	sorted := append([]model.PlannedEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Due.Equal(sorted[j].Due) {
			return sorted[i].Due.Before(sorted[j].Due)
		}
		return sorted[i].Title < sorted[j].Title
	})

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetName(calendarName)

	stamp := time.Now().UTC()
	for _, ev := range sorted {
		if ev.Title == "" {
			appLog.Warn("ics: skipping event without title", "due", ev.Due.Format(time.RFC3339))
			continue
		}
		vev := cal.AddEvent(EventUID(ev.Title))
		vev.SetDtStampTime(stamp)
		vev.SetStartAt(ev.Due.UTC())
		vev.SetEndAt(ev.Due.UTC())
		vev.SetSummary(ev.Title)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
	}

	return []byte(cal.Serialize()), nil
}

// EventUID derives a stable UID from an event title.
func EventUID(title string) string {
	return uuid.NewSHA1(uidNamespace, []byte(title)).String() + "@gmoodle"
}
