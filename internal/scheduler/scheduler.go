// Package scheduler drives periodic template instantiation from persisted
// Schedule rows (SPEC_FULL.md supplemental feature #1 — the distilled spec
// omits scheduling, but original_source/ instantiates templates on a cron,
// and the teacher's own services/orchestrator/scheduler.go already reaches
// for robfig/cron for the same purpose).
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/store"
	"github.com/openskelo/openskelo/internal/templates"
	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron.Cron that re-reads enabled schedules from the
// Store on Start and instantiates their templates on each firing.
type Scheduler struct {
	store     *store.Store
	templates *templates.Templates
	cronRun   *cron.Cron
	log       *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule id -> cron entry
}

// New wraps s/t as a Scheduler using second-precision cron expressions.
func New(s *store.Store, t *templates.Templates, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		templates: t,
		cronRun:   cron.New(cron.WithSeconds()),
		log:       log,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start loads every enabled schedule from the Store, registers it with
// cron, and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.register(sched); err != nil {
			s.log.Error("register schedule failed", "schedule_id", sched.ID, "error", err)
		}
	}
	s.cronRun.Start()
	return nil
}

// Stop blocks until any running jobs finish or ctx is cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cronRun.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) register(sched model.Schedule) error {
	id, err := s.cronRun.AddFunc(sched.CronExpr, func() {
		s.fire(context.Background(), sched)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[sched.ID] = id
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched model.Schedule) {
	tpl, err := s.store.GetTemplate(ctx, sched.TemplateID)
	if err != nil {
		s.log.Error("scheduled template not found", "schedule_id", sched.ID, "template_id", sched.TemplateID, "error", err)
		return
	}
	if _, err := s.templates.Instantiate(ctx, tpl, sched.Vars); err != nil {
		s.log.Error("scheduled instantiation failed", "schedule_id", sched.ID, "error", err)
		return
	}
	s.log.Info("scheduled instantiation completed", "schedule_id", sched.ID, "template_id", sched.TemplateID)
}

// Reload re-registers a single schedule, e.g. after it is created or
// updated through the Control API.
func (s *Scheduler) Reload(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	if id, ok := s.entries[scheduleID]; ok {
		s.cronRun.Remove(id)
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.ID == scheduleID && sched.Enabled {
			return s.register(sched)
		}
	}
	return nil
}
