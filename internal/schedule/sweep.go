// Package schedule runs the unattended weekly sync over every account that
// opted into auto-sync.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	appLog "gmoodle/internal/log"
	"gmoodle/internal/model"
)

// AccountLister returns the accounts eligible for an unattended sync.
type AccountLister interface {
	ListAutoSync(ctx context.Context) ([]model.Account, error)
}

// Syncer is satisfied by *reconcile.Engine.
type Syncer interface {
	Sync(ctx context.Context, req model.SyncRequest) model.SyncResult
}

// SweepReport summarizes one sweep. It is only logged.
type SweepReport struct {
	ID        string
	Started   time.Time
	Finished  time.Time
	Attempted int
	Succeeded int
	Failed    int
	// Ineligible counts listed accounts skipped before syncing.
	Ineligible int
	Results    map[string]model.SyncResult
	Err        error
}

// Sweeper syncs every eligible account once, in parallel up to a limit.
type Sweeper struct {
	accounts    AccountLister
	syncer      Syncer
	concurrency int
	now         func() time.Time
}

func NewSweeper(accounts AccountLister, syncer Syncer, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{
		accounts:    accounts,
		syncer:      syncer,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Sweep runs one pass. A failing account is logged and never stops the
// others; nothing is retried until the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	rep := SweepReport{
		ID:      uuid.NewString(),
		Started: s.now(),
		Results: make(map[string]model.SyncResult),
	}

	accounts, err := s.accounts.ListAutoSync(ctx)
	if err != nil {
		appLog.Error("sweep: failed to list auto-sync accounts", err, "sweep", rep.ID)
		rep.Err = err
		rep.Finished = s.now()
		recordSweep(rep)
		return rep
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, acc := range accounts {
		if !eligible(acc) {
			rep.Ineligible++
			appLog.Debug("sweep: skipping account", "sweep", rep.ID, "account", acc.ID)
			continue
		}
		rep.Attempted++

		g.Go(func() error {
			res := s.syncer.Sync(ctx, model.SyncRequest{
				AccountID: acc.ID,
				AutoRun:   true,
			})
			if !res.Success {
				appLog.Warn("sweep: account sync failed", "sweep", rep.ID, "account", acc.ID, "kind", res.Kind, "msg", res.Message)
			}

			mu.Lock()
			rep.Results[acc.ID] = res
			if res.Success {
				rep.Succeeded++
			} else {
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep.Finished = s.now()
	appLog.Info("sweep finished",
		"sweep", rep.ID,
		"attempted", rep.Attempted,
		"succeeded", rep.Succeeded,
		"failed", rep.Failed,
		"ineligible", rep.Ineligible,
		"elapsed", rep.Finished.Sub(rep.Started).String(),
	)
	recordSweep(rep)
	return rep
}

// eligible re-checks what the store filters on; moodle settings must be on
// record since nobody is there to type them.
func eligible(acc model.Account) bool {
	return acc.AutoSync && acc.RefreshToken != "" && !acc.Moodle.Empty()
}
