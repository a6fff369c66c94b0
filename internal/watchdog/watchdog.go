// Package watchdog recovers IN_PROGRESS tasks whose lease has lapsed or is
// missing (spec §4.7). It runs independently of the dispatcher and touches
// only the Store.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/statemachine"
	"github.com/openskelo/openskelo/internal/store"
)

// OnLeaseExpire selects the watchdog's default recovery action.
type OnLeaseExpire string

const (
	Requeue OnLeaseExpire = "requeue"
	Block   OnLeaseExpire = "block"
)

// Config configures one Watchdog.
type Config struct {
	Interval      time.Duration
	GracePeriod   time.Duration
	OnLeaseExpire OnLeaseExpire
	OnError       func(error)
}

// Watchdog periodically scans IN_PROGRESS tasks and recovers the ones whose
// lease has expired past the grace period, or that have no lease at all
// (an anomaly recovered immediately, without grace).
type Watchdog struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
}

// New wraps s as a Watchdog.
func New(s *store.Store, cfg Config, log *slog.Logger) *Watchdog {
	return &Watchdog{store: s, cfg: cfg, log: log}
}

// Run polls every cfg.Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.log.Error("watchdog tick failed", "error", err)
				if w.cfg.OnError != nil {
					w.cfg.OnError(err)
				}
			}
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) error {
	status := model.StatusInProgress
	tasks, err := w.store.List(ctx, model.ListFilter{Status: &status}, 0, 0)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range tasks {
		if err := w.maybeRecover(ctx, t, now); err != nil {
			w.log.Error("recover task failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

func (w *Watchdog) maybeRecover(ctx context.Context, t model.Task, now time.Time) error {
	missingLease := t.LeaseExpiresAt == nil
	if !missingLease {
		if t.LeaseExpiresAt.Add(w.cfg.GracePeriod).After(now) {
			return nil // still within grace
		}
	}

	action := Requeue
	if w.cfg.OnLeaseExpire == Block || t.AttemptCount >= t.MaxAttempts {
		action = Block
	}

	meta := map[string]any{
		"attempt_count": t.AttemptCount,
		"max_attempts":  t.MaxAttempts,
		"missing_lease": missingLease,
	}
	if t.LeaseExpiresAt != nil {
		meta["lease_expires_at"] = *t.LeaseExpiresAt
	}

	var to model.Status
	var reason string
	if action == Block {
		to = model.StatusBlocked
		reason = "watchdog: lease expired, recovery policy is block"
		if t.AttemptCount >= t.MaxAttempts {
			reason = "watchdog: max_attempts exhausted"
		}
	} else {
		to = model.StatusPending
		reason = "watchdog: lease expired, requeued"
	}

	updated, err := w.store.Transition(ctx, t.ID, to, statemachine.TransitionContext{Reason: reason})
	if err != nil {
		return err
	}
	_, err = audit.LogActionTx(ctx, w.store.DB(), model.LogActionInput{
		TaskID: updated.ID, Action: "watchdog_recovery", Metadata: meta,
	})
	return err
}
