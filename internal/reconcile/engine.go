// Package reconcile mirrors a user's upcoming Moodle assignments into a
// Google calendar. A sync diffs assignment names against the calendar's
// event titles and inserts only what is missing, so failed inserts are
// picked up again by the next run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"gmoodle/internal/auth"
	"gmoodle/internal/duedate"
	"gmoodle/internal/gcal"
	"gmoodle/internal/lms"
	"gmoodle/internal/model"
	"gmoodle/internal/store"

	appLog "gmoodle/internal/log"
)

// AccountStore is the part of store.Accounts the engine needs.
type AccountStore interface {
	Get(ctx context.Context, id string) (model.Account, error)
	SaveMoodleIfEmpty(ctx context.Context, id string, settings model.MoodleSettings) (bool, error)
	RecordApplication(ctx context.Context, id string, at time.Time) error
	SaveAccessToken(ctx context.Context, id string, token string, expiry time.Time) error
}

// CredentialResolver turns stored or presented tokens into a usable one.
type CredentialResolver interface {
	Resolve(ctx context.Context, st auth.CredentialState) (auth.Credential, error)
}

// Calendar is the calendar provider boundary.
type Calendar interface {
	gcal.Directory
	ListEventTitles(ctx context.Context, calendarID, accessToken string) (map[string]struct{}, error)
	InsertEvent(ctx context.Context, calendarID string, ev gcal.Event, accessToken string) error
}

var _ AccountStore = (store.Accounts)(nil)

// Options wires an Engine. Accounts, Resolver, Calendar and LMS are
// required.
type Options struct {
	Accounts AccountStore
	Resolver CredentialResolver
	Calendar Calendar
	LMS      lms.Dialer

	CalendarName string
	// Location due dates are rendered in by the LMS. Nil means UTC.
	Location *time.Location
	// InsertConcurrency bounds parallel event inserts. <= 0 means 4.
	InsertConcurrency int
	Now               func() time.Time
}

// Engine runs syncs. It is safe for concurrent use; syncs for the same
// account are serialized.
type Engine struct {
	accounts     AccountStore
	resolver     CredentialResolver
	calendar     Calendar
	lms          lms.Dialer
	dates        duedate.Normalizer
	calendarName string
	concurrency  int
	now          func() time.Time

	locks keyedMutex
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	concurrency := opts.InsertConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	name := opts.CalendarName
	if name == "" {
		name = "Moodle Assignments"
	}

	return &Engine{
		accounts:     opts.Accounts,
		resolver:     opts.Resolver,
		calendar:     opts.Calendar,
		lms:          opts.LMS,
		dates:        duedate.Normalizer{Location: loc, Now: now},
		calendarName: name,
		concurrency:  concurrency,
		now:          now,
	}
}

// Plan is the outcome of a dry run: what a sync would insert.
type Plan struct {
	Calendar model.CalendarRef
	// Events are missing assignments with a parsed due date.
	Events []model.PlannedEvent
	// Skipped are missing assignments whose due date could not be parsed.
	Skipped []model.InsertOutcome
	// Processed counts every assignment the LMS returned.
	Processed int
	// Existing counts assignments already present in the calendar.
	Existing int
}

// run is the state carried from planning into inserting.
type run struct {
	account model.Account
	moodle  model.MoodleSettings
	token   string
	plan    Plan
}

// Sync reconciles one account. Blocking failures come back as an
// unsuccessful result tagged with a Kind; per assignment failures are
// recorded in Outcomes and never abort the remaining inserts.
func (e *Engine) Sync(ctx context.Context, req model.SyncRequest) model.SyncResult {
	unlock := e.locks.Lock(req.AccountID)
	defer unlock()

	started := time.Now()
	r, err := e.prepare(ctx, req)
	if err != nil {
		appLog.Error("sync failed", err, "account", req.AccountID, "auto", req.AutoRun, "kind", string(KindOf(err)))
		res := failure(err)
		observe(req.AutoRun, res, time.Since(started))
		return res
	}

	inserted := e.insert(ctx, r.plan.Calendar.ID, r.token, r.plan.Events)

	res := model.SyncResult{
		Success:   true,
		Processed: r.plan.Processed,
		Skipped:   r.plan.Existing,
	}
	res.Outcomes = append(res.Outcomes, r.plan.Skipped...)
	res.Outcomes = append(res.Outcomes, inserted...)
	for _, o := range res.Outcomes {
		if o.OK() {
			res.Inserted++
		} else {
			res.Failed++
		}
	}

	e.recordSuccess(ctx, r)

	res.Message = summary(res, r.plan.Calendar.Name)
	appLog.Info("sync complete",
		"account", req.AccountID,
		"auto", req.AutoRun,
		"processed", res.Processed,
		"inserted", res.Inserted,
		"existing", res.Skipped,
		"failed", res.Failed,
		"elapsed", time.Since(started).String(),
	)
	observe(req.AutoRun, res, time.Since(started))
	return res
}

// Plan runs the sync up to the diff without inserting or recording the
// application. A refreshed access token is still persisted.
func (e *Engine) Plan(ctx context.Context, req model.SyncRequest) (Plan, model.SyncResult) {
	unlock := e.locks.Lock(req.AccountID)
	defer unlock()

	r, err := e.prepare(ctx, req)
	if err != nil {
		appLog.Error("plan failed", err, "account", req.AccountID, "kind", string(KindOf(err)))
		return Plan{}, failure(err)
	}

	res := model.SyncResult{
		Success:   true,
		Processed: r.plan.Processed,
		Skipped:   r.plan.Existing,
		Failed:    len(r.plan.Skipped),
		Outcomes:  r.plan.Skipped,
	}
	res.Message = fmt.Sprintf("%d new assignment(s) would be added to %s", len(r.plan.Events), r.plan.Calendar.Name)
	return r.plan, res
}

func (e *Engine) prepare(ctx context.Context, req model.SyncRequest) (*run, error) {
	acc, err := e.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	moodle := req.Moodle
	if moodle.Empty() {
		moodle = acc.Moodle
	}
	if moodle.Empty() {
		return nil, ErrMissingMoodle
	}

	token, err := e.resolveToken(ctx, req, acc)
	if err != nil {
		return nil, err
	}

	cal, created, err := gcal.FindOrCreate(ctx, e.calendar, e.calendarName, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gcal.ErrCalendarUnavailable, err)
	}
	if created {
		appLog.Info("created assignments calendar", "account", acc.ID, "calendar", cal.ID)
	}

	titles, err := e.calendar.ListEventTitles(ctx, cal.ID, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gcal.ErrCalendarUnavailable, err)
	}

	assignments, err := e.fetchAssignments(ctx, moodle)
	if err != nil {
		return nil, err
	}

	missing := Diff(assignments, titles)
	plan := Plan{
		Calendar:  cal,
		Processed: len(assignments),
		Existing:  len(assignments) - len(missing),
	}

	year := e.now().In(e.location()).Year()
	for _, a := range missing {
		due, err := e.dates.Normalize(a.DueDateText, year)
		if err != nil {
			appLog.Warn("skipping assignment with unparsable due date", "account", acc.ID, "title", a.Name, "due", a.DueDateText)
			plan.Skipped = append(plan.Skipped, model.InsertOutcome{Title: a.Name, Err: err})
			continue
		}
		plan.Events = append(plan.Events, model.PlannedEvent{
			Title:       a.Name,
			Description: a.Course,
			Due:         due,
		})
	}

	return &run{account: acc, moodle: moodle, token: token, plan: plan}, nil
}

// resolveToken prefers the presented token, then a stored one that has not
// expired, then the refresh token. A refreshed token is written back so
// the next run can skip the refresh round trip.
func (e *Engine) resolveToken(ctx context.Context, req model.SyncRequest, acc model.Account) (string, error) {
	presented := req.AccessToken
	if presented == "" && acc.AccessToken != "" && e.now().Before(acc.AccessTokenExpiry) {
		presented = acc.AccessToken
	}

	cred, err := e.resolver.Resolve(ctx, auth.CredentialState{
		AccessToken:  presented,
		RefreshToken: acc.RefreshToken,
	})
	if err != nil {
		return "", err
	}

	if cred.Refreshed {
		if err := e.accounts.SaveAccessToken(ctx, acc.ID, cred.AccessToken, cred.Expiry); err != nil {
			appLog.Error("failed to persist refreshed access token", err, "account", acc.ID)
		}
	}
	return cred.AccessToken, nil
}

func (e *Engine) fetchAssignments(ctx context.Context, m model.MoodleSettings) ([]model.Assignment, error) {
	sess, err := e.lms.Dial(ctx, lms.Credentials{
		Username: m.Username,
		Password: m.Password,
		SiteURL:  m.SiteURL,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	ok, err := sess.Login(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lms.ErrLoginFailed
	}

	return sess.FetchAssignments(ctx)
}

// insert submits events concurrently, bounded by the engine's limit, and
// returns one outcome per event in input order.
func (e *Engine) insert(ctx context.Context, calendarID, token string, events []model.PlannedEvent) []model.InsertOutcome {
	outcomes := make([]model.InsertOutcome, len(events))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, ev := range events {
		g.Go(func() error {
			err := e.calendar.InsertEvent(ctx, calendarID, gcal.Event{
				Title:       ev.Title,
				Description: ev.Description,
				Due:         ev.Due,
			}, token)
			if err != nil && !errors.Is(err, gcal.ErrInsert) {
				err = fmt.Errorf("%w: %w", gcal.ErrInsert, err)
			}
			if err != nil {
				appLog.Error("event insert failed", err, "title", ev.Title)
			}
			outcomes[i] = model.InsertOutcome{Title: ev.Title, Due: ev.Due, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// recordSuccess stores first-run moodle settings and bumps the application
// counters. Failures are logged; the calendar is already up to date.
func (e *Engine) recordSuccess(ctx context.Context, r *run) {
	if r.account.Moodle.Empty() {
		saved, err := e.accounts.SaveMoodleIfEmpty(ctx, r.account.ID, r.moodle)
		if err != nil {
			appLog.Error("failed to save moodle settings", err, "account", r.account.ID)
		} else if saved {
			appLog.Info("saved moodle settings for auto-sync", "account", r.account.ID)
		}
	}

	if err := e.accounts.RecordApplication(ctx, r.account.ID, e.now()); err != nil {
		appLog.Error("failed to record application", err, "account", r.account.ID)
	}
}

func (e *Engine) location() *time.Location {
	if e.dates.Location == nil {
		return time.UTC
	}
	return e.dates.Location
}

func summary(res model.SyncResult, calendarName string) string {
	msg := fmt.Sprintf("%d of %d assignment(s) added to %s", res.Inserted, res.Processed-res.Skipped, calendarName)
	if res.Skipped > 0 {
		msg += fmt.Sprintf(", %d already present", res.Skipped)
	}
	if res.Failed > 0 {
		msg += fmt.Sprintf(", %d failed and will be retried next sync", res.Failed)
	}
	return msg
}

// Diff returns the assignments whose name is not among titles, keeping
// input order.
func Diff(assignments []model.Assignment, titles map[string]struct{}) []model.Assignment {
	out := make([]model.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := titles[a.Name]; ok {
			continue
		}
		out = append(out, a)
	}
	return out
}
