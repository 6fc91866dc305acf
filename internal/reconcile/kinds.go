package reconcile

import (
	"errors"

	"gmoodle/internal/auth"
	"gmoodle/internal/duedate"
	"gmoodle/internal/gcal"
	"gmoodle/internal/lms"
	"gmoodle/internal/model"
	"gmoodle/internal/store"
)

// Kind tags why a sync did not succeed. It travels in model.SyncResult.Kind.
type Kind string

const (
	KindAccountNotFound     Kind = "AccountNotFound"
	KindAuthFailure         Kind = "AuthFailure"
	KindLmsAuthFailure      Kind = "LmsAuthFailure"
	KindLmsUnavailable      Kind = "LmsUnavailable"
	KindCalendarUnavailable Kind = "CalendarUnavailable"
	KindInvalidInput        Kind = "InvalidInput"
	KindInternal            Kind = "Internal"

	// Per assignment, never fail the sync.
	KindDateParseFailure Kind = "DateParseFailure"
	KindInsertFailure    Kind = "InsertFailure"
)

var (
	// ErrMissingMoodle is returned when neither the request nor the account
	// carries usable moodle settings.
	ErrMissingMoodle = errors.New("moodle username, password and site url are required")
)

var messages = map[Kind]string{
	KindAccountNotFound:     "no user object was found saved with a valid refresh token; re-authenticate",
	KindAuthFailure:         "google authorization failed; sign in again",
	KindLmsAuthFailure:      lms.ErrLoginFailed.Error(),
	KindLmsUnavailable:      "unable to read upcoming assignments from moodle",
	KindCalendarUnavailable: "unable to find or create the google calendar",
	KindInvalidInput:        ErrMissingMoodle.Error(),
	KindInternal:            "internal error while syncing",
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, auth.ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, lms.ErrLoginFailed), errors.Is(err, lms.ErrInvalidSite):
		return KindLmsAuthFailure
	case errors.Is(err, lms.ErrScrape):
		return KindLmsUnavailable
	case errors.Is(err, gcal.ErrCalendarUnavailable):
		return KindCalendarUnavailable
	case errors.Is(err, ErrMissingMoodle):
		return KindInvalidInput
	case errors.Is(err, duedate.ErrDateParse):
		return KindDateParseFailure
	case errors.Is(err, gcal.ErrInsert):
		return KindInsertFailure
	}
	return KindInternal
}

// Message is the user-facing text for k.
func (k Kind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return messages[KindInternal]
}

func failure(err error) model.SyncResult {
	kind := KindOf(err)
	return model.SyncResult{
		Success: false,
		Kind:    string(kind),
		Message: kind.Message(),
	}
}
