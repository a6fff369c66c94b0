package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/statemachine"
)

// Transition delegates to internal/statemachine for validation and effect
// computation, persists the mutated row and an audit entry in one
// transaction, and returns the updated task. This is the only path by
// which Task.Status ever changes (spec §4.2).
func (s *Store) Transition(ctx context.Context, id string, to model.Status, tctx statemachine.TransitionContext) (model.Task, error) {
	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getTx(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}

	result, err := statemachine.Apply(current, to, tctx, nowUTC())
	if err != nil {
		return model.Task{}, err
	}

	if err := s.writeTaskTx(ctx, tx, result.Task); err != nil {
		return model.Task{}, err
	}

	before := string(current.Status)
	after := string(result.Task.Status)
	meta := result.AuditMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	if _, err := audit.LogActionTx(ctx, tx, model.LogActionInput{
		TaskID:      id,
		Action:      "transition",
		BeforeState: &before,
		AfterState:  &after,
		Metadata:    meta,
	}); err != nil {
		return model.Task{}, fmt.Errorf("write transition audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit transition: %w", err)
	}
	s.observeWrite(start)
	if s.onTransition != nil {
		s.onTransition(current, result.Task)
	}
	return result.Task, nil
}
