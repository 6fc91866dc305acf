// Package lms logs into a Moodle site with a headless Chromium and scrapes
// the upcoming-events view for assignment due dates.
package lms

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gmoodle/internal/model"
)

var (
	// ErrLoginFailed means Moodle rejected the username/password.
	ErrLoginFailed = errors.New("unable to log into moodle with the supplied credentials")
	// ErrInvalidSite is returned for site URLs that are not http(s) URLs.
	ErrInvalidSite = errors.New("invalid moodle site url")
	// ErrScrape wraps browser or DOM failures after a successful login.
	ErrScrape = errors.New("moodle scrape failed")
)

// Credentials identify a Moodle account.
type Credentials struct {
	Username string
	Password string
	SiteURL  string
}

// Session is one logged-in browsing session. Login must succeed before
// FetchAssignments is called. Close releases the browser.
type Session interface {
	Login(ctx context.Context) (bool, error)
	FetchAssignments(ctx context.Context) ([]model.Assignment, error)
	Close()
}

// Dialer opens a Session for the given credentials.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// NormalizeSiteURL validates a Moodle base URL and strips trailing slashes
// and any path to a login page the user may have pasted.
func NormalizeSiteURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSite)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSite, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidSite, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidSite)
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/login/index.php")
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// scrapedEvent is the shape returned by the in-page extraction script.
type scrapedEvent struct {
	Name   string `json:"name"`
	Course string `json:"course"`
	Date   string `json:"date"`
}

// toAssignments trims scraped fields and drops entries without a name or
// date; those cannot be mirrored.
func toAssignments(events []scrapedEvent) []model.Assignment {
	out := make([]model.Assignment, 0, len(events))
	for _, ev := range events {
		name := collapse(ev.Name)
		date := collapse(ev.Date)
		if name == "" || date == "" {
			continue
		}
		out = append(out, model.Assignment{
			Name:        name,
			Course:      collapse(ev.Course),
			DueDateText: date,
		})
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
