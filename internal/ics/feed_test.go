package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmoodle/internal/model"
)

func TestBuildFeed(t *testing.T) {
	essay := time.Date(2024, 9, 7, 17, 0, 0, 0, time.UTC)
	quiz := time.Date(2024, 9, 3, 9, 0, 0, 0, time.UTC)

	body, err := BuildFeed("Moodle Assignments", []model.PlannedEvent{
		{Title: "Essay", Description: "ENG101", Due: essay},
		{Title: "Quiz 1", Due: quiz},
		{Title: "", Due: quiz},
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), "X-WR-CALNAME:Moodle Assignments")

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 2)

	assert.Equal(t, "Quiz 1", events[0].GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "Essay", events[1].GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "ENG101", events[1].GetProperty(ical.ComponentPropertyDescription).Value)
	assert.Nil(t, events[0].GetProperty(ical.ComponentPropertyDescription))

	start, err := events[1].GetStartAt()
	require.NoError(t, err)
	assert.True(t, essay.Equal(start))
	end, err := events[1].GetEndAt()
	require.NoError(t, err)
	assert.True(t, essay.Equal(end))

	assert.Equal(t, EventUID("Essay"), events[1].Id())
}

func TestBuildFeed_Empty(t *testing.T) {
	body, err := BuildFeed("Moodle Assignments", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "BEGIN:VCALENDAR"))
	assert.NotContains(t, string(body), "BEGIN:VEVENT")

	_, err = BuildFeed("", nil)
	assert.Error(t, err)
}

func TestEventUID_StablePerTitle(t *testing.T) {
	assert.Equal(t, EventUID("Essay"), EventUID("Essay"))
	assert.NotEqual(t, EventUID("Essay"), EventUID("Essay 2"))
	assert.True(t, strings.HasSuffix(EventUID("x"), "@gmoodle"))
}
