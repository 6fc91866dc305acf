package model

import (
	"errors"
	"strings"
	"time"
)

// Assignment is a single upcoming item scraped from Moodle. It is never
// persisted; each sync produces a fresh list.
type Assignment struct {
	Name        string `json:"name"`
	Course      string `json:"course"`
	DueDateText string `json:"due_date_text"`
}

// CalendarRef identifies the Google calendar events are mirrored into.
type CalendarRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TimeZone   string `json:"timezone"`
	Permission string `json:"permission"`
}

// CurrentSchemaVersion is the Account shape written by this build.
const CurrentSchemaVersion = 2

// Profile holds the identity provider's view of the user.
type Profile struct {
	DisplayName string   `json:"display_name"`
	Picture     string   `json:"picture,omitempty"`
	Emails      []string `json:"emails,omitempty"`
}

// MoodleSettings are the LMS credentials remembered for auto-sync.
type MoodleSettings struct {
	Username string `json:"username"`
	Password string `json:"-"`
	SiteURL  string `json:"site_url"`
}

// Empty reports whether no usable moodle settings are stored.
func (m MoodleSettings) Empty() bool {
	return m.Username == "" || m.Password == "" || m.SiteURL == ""
}

// Account is the persisted user record. RefreshToken is issued once by the
// identity provider and must survive later logins that do not re-grant it.
type Account struct {
	ID      string  `json:"id"`
	Profile Profile `json:"profile"`

	RefreshToken      string    `json:"-"`
	AccessToken       string    `json:"-"`
	AccessTokenExpiry time.Time `json:"-"`

	Moodle MoodleSettings `json:"moodle"`

	AutoSync         bool      `json:"auto_sync"`
	ApplicationCount int       `json:"application_count"`
	LastAppliedAt    time.Time `json:"last_applied_at"`

	SchemaVersion int `json:"schema_version"`
}

var ErrInvalidAccount = errors.New("invalid account")

// Validate checks the invariants enforced at the persistence boundary.
func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.Join(ErrInvalidAccount, errors.New("id is empty"))
	}
	if a.ApplicationCount < 0 {
		return errors.Join(ErrInvalidAccount, errors.New("application count is negative"))
	}
	if a.SchemaVersion > CurrentSchemaVersion {
		return errors.Join(ErrInvalidAccount, errors.New("schema version is newer than this build"))
	}
	return nil
}

// SyncRequest is what a trigger hands to the reconciliation engine.
type SyncRequest struct {
	AccountID   string
	Moodle      MoodleSettings
	AccessToken string
	AutoRun     bool
}

// InsertOutcome records what happened to one missing assignment.
type InsertOutcome struct {
	Title string    `json:"title"`
	Due   time.Time `json:"due,omitempty"`
	Err   error     `json:"-"`
}

// OK reports whether the event was inserted.
func (o InsertOutcome) OK() bool { return o.Err == nil }

// SyncResult is returned to the trigger and never persisted.
type SyncResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Kind is empty on success, otherwise one of the failure kinds
	// declared in internal/reconcile.
	Kind string `json:"kind,omitempty"`

	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Outcomes []InsertOutcome `json:"-"`
}

// PlannedEvent is a missing assignment with its due date resolved, ready to
// be inserted or exported.
type PlannedEvent struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Due         time.Time `json:"due"`
}
