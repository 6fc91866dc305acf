// Package gcal is the Google Calendar side of a sync: locating the target
// calendar, listing what already exists and inserting new events.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "gmoodle/internal/log"
	"gmoodle/internal/model"
)

var (
	// ErrCalendarUnavailable wraps failures to list or create calendars.
	ErrCalendarUnavailable = errors.New("google calendar unavailable")
	// ErrInsert wraps a failed event insert.
	ErrInsert = errors.New("event insert failed")
)

// Event is a single timed entry to insert. Start and end are both Due.
type Event struct {
	Title       string
	Description string
	Due         time.Time
}

// Client talks to the Calendar v3 API. Every call carries the caller's
// access token; Client itself holds no credentials.
type Client struct {
	endpoint  string
	timeout   time.Duration
	retries   uint64
	retryBase time.Duration
}

// New returns a Client. endpoint overrides the API base URL and is only
// set in tests; timeout bounds each HTTP request.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{endpoint: endpoint, timeout: timeout, retries: 3, retryBase: 250 * time.Millisecond}
}

// WithRetry sets how often a rate limited or 5xx call is retried and the
// first backoff interval. Zero retries disables retrying.
func (c *Client) WithRetry(retries int, base time.Duration) *Client {
	if retries < 0 {
		retries = 0
	}
	c.retries = uint64(retries)
	if base > 0 {
		c.retryBase = base
	}
	return c
}

// retry runs op until it succeeds, fails permanently or the retry budget
// is spent. Only 429 and 5xx responses are retried.
func (c *Client) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.retryBase)), c.retries),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		apiRetriesTotal.WithLabelValues(name).Inc()
		appLog.Warn("calendar api call failed, retrying", "op", name, "status", StatusCode(err), "wait", wait.String())
	})
}

func retryable(err error) bool {
	code := StatusCode(err)
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	if accessToken == "" {
		return nil, errors.New("access token is empty")
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	hc.Timeout = c.timeout

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

// ListCalendars returns every calendar on the user's calendar list.
func (c *Client) ListCalendars(ctx context.Context, accessToken string) ([]model.CalendarRef, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCalendarUnavailable, err)
	}

	var refs []model.CalendarRef
	err = c.retry(ctx, "calendar_list", func() error {
		refs = make([]model.CalendarRef, 0)
		return svc.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
			for _, item := range page.Items {
				refs = append(refs, model.CalendarRef{
					ID:         item.Id,
					Name:       item.Summary,
					TimeZone:   item.TimeZone,
					Permission: item.AccessRole,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list calendars: %w", ErrCalendarUnavailable, err)
	}
	return refs, nil
}

// CreateCalendar creates a secondary calendar owned by the user.
func (c *Client) CreateCalendar(ctx context.Context, name, accessToken string) (model.CalendarRef, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return model.CalendarRef{}, fmt.Errorf("%w: %w", ErrCalendarUnavailable, err)
	}

	var cal *calendar.Calendar
	err = c.retry(ctx, "calendar_create", func() error {
		cal, err = svc.Calendars.Insert(&calendar.Calendar{Summary: name}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return model.CalendarRef{}, fmt.Errorf("%w: create calendar %q: %w", ErrCalendarUnavailable, name, err)
	}
	return model.CalendarRef{
		ID:         cal.Id,
		Name:       cal.Summary,
		TimeZone:   cal.TimeZone,
		Permission: "owner",
	}, nil
}

// Directory is the calendar-list half of the client.
type Directory interface {
	ListCalendars(ctx context.Context, accessToken string) ([]model.CalendarRef, error)
	CreateCalendar(ctx context.Context, name, accessToken string) (model.CalendarRef, error)
}

// FindOrCreate returns the calendar named name, creating it when no
// calendar on the list matches. created reports which path was taken.
func FindOrCreate(ctx context.Context, dir Directory, name, accessToken string) (ref model.CalendarRef, created bool, err error) {
	cals, err := dir.ListCalendars(ctx, accessToken)
	if err != nil {
		return model.CalendarRef{}, false, err
	}
	for _, cal := range cals {
		if cal.Name == name {
			return cal, false, nil
		}
	}

	appLog.Info("calendar not found, creating", "name", name)
	ref, err = dir.CreateCalendar(ctx, name, accessToken)
	if err != nil {
		return model.CalendarRef{}, false, err
	}
	return ref, true, nil
}

// ListEventTitles returns the set of summaries of all events in the
// calendar, following pagination.
func (c *Client) ListEventTitles(ctx context.Context, calendarID, accessToken string) (map[string]struct{}, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCalendarUnavailable, err)
	}

	var titles map[string]struct{}
	err = c.retry(ctx, "events_list", func() error {
		titles = make(map[string]struct{})
		call := svc.Events.List(calendarID).Context(ctx).MaxResults(2500).ShowDeleted(false)
		return call.Pages(ctx, func(page *calendar.Events) error {
			for _, ev := range page.Items {
				if ev.Summary != "" {
					titles[ev.Summary] = struct{}{}
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %w", ErrCalendarUnavailable, err)
	}
	return titles, nil
}

// InsertEvent adds a zero-length event at ev.Due. All attempts of one call
// share a client-chosen event id, so a retry after a committed insert that
// answered 5xx gets a 409 instead of creating a second event.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev Event, accessToken string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsert, err)
	}

	id := newEventID()
	due := &calendar.EventDateTime{DateTime: ev.Due.UTC().Format(time.RFC3339)}
	attempts := 0
	err = c.retry(ctx, "events_insert", func() error {
		attempts++
		_, err := svc.Events.Insert(calendarID, &calendar.Event{
			Id:          id,
			Summary:     ev.Title,
			Description: ev.Description,
			Start:       due,
			End:         due,
		}).Context(ctx).Do()
		if attempts > 1 && StatusCode(err) == http.StatusConflict {
			appLog.Info("event already stored by an earlier attempt", "title", ev.Title, "id", id)
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInsert, ev.Title, err)
	}
	return nil
}

// newEventID returns a fresh id in the alphabet Calendar accepts
// (base32hex, lower case). It is random per call: ids of deleted events
// stay reserved, so an id derived from the title could never be reused
// after the user deletes the event.
func newEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StatusCode extracts the HTTP status from a Google API error, or 0.
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}
