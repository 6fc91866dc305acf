package duedate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_MoodleLongForm(t *testing.T) {
	got, err := Normalize("Friday, 7 September, 5:00 PM", 2024)
	require.NoError(t, err)

	assert.Equal(t, 2024, got.Year())
	assert.Equal(t, time.September, got.Month())
	assert.Equal(t, 7, got.Day())
	assert.Equal(t, 17, got.Hour())
	assert.Equal(t, 0, got.Minute())
	assert.Equal(t, time.UTC, got.Location())
}

func TestNormalize_Variants(t *testing.T) {
	want := time.Date(2025, time.March, 14, 23, 59, 0, 0, time.UTC)

	cases := []string{
		"Friday, 14 March, 11:59 PM",
		"friday, 14 march, 11:59 pm",
		"Fri, 14 Mar, 11:59PM",
		"Friday, 14 March, 23:59",
		"14 March, 11:59 PM",
		"Friday, March 14, 11:59 PM",
		"Due: Friday, 14 March, 11:59 PM",
		"Friday, 14 March, 11:59 PM » Saturday, 15 March, 1:00 AM",
		"  Friday,   14 March,\n 11:59 PM ",
	}
	for _, tc := range cases {
		t.Run(tc, func(t *testing.T) {
			got, err := Normalize(tc, 2025)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}
}

func TestNormalize_WeekdayMismatchIgnored(t *testing.T) {
	// 7 September 2025 is a Sunday; the text still says Friday.
	got, err := Normalize("Friday, 7 September, 5:00 PM", 2025)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 7, 17, 0, 0, 0, time.UTC), got)
}

func TestNormalize_LocationConvertedToUTC(t *testing.T) {
	loc := time.FixedZone("NZST", 12*60*60)
	n := Normalizer{Location: loc}

	got, err := n.Normalize("Friday, 7 September, 5:00 PM", 2024)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 9, 7, 5, 0, 0, 0, time.UTC), got)
}

func TestNormalize_Relative(t *testing.T) {
	now := time.Date(2024, 12, 31, 10, 0, 0, 0, time.UTC)
	n := Normalizer{Now: func() time.Time { return now }}

	today, err := n.Normalize("Today, 5:00 PM", 1999)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 31, 17, 0, 0, 0, time.UTC), today)

	tomorrow, err := n.Normalize("Tomorrow, 09:30", 1999)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC), tomorrow)

	yesterday, err := n.Normalize("Yesterday, 9:30 AM", 1999)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 30, 9, 30, 0, 0, time.UTC), yesterday)
}

func TestNormalize_YearBoundaryNotCorrected(t *testing.T) {
	got, err := Normalize("Monday, 6 January, 9:00 AM", 2024)
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())
}

func TestNormalize_Failures(t *testing.T) {
	for _, tc := range []string{"", "   ", "next week sometime", "Today", "Tomorrow, noon", "32 September, 5:00 PM"} {
		_, err := Normalize(tc, 2024)
		assert.True(t, errors.Is(err, ErrDateParse), "input %q: %v", tc, err)
	}
}
