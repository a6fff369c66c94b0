// Package queue implements the deterministic priority ordering over
// pending, non-held tasks and the manual reorder operation (spec §4.3).
package queue

import (
	"context"
	"fmt"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/store"
)

// Queue selects and reorders PENDING tasks. It holds only a non-owning
// reference to the Store (spec §9 "Ownership & lifecycles").
type Queue struct {
	store *store.Store
}

// New wraps s as a Queue.
func New(s *store.Store) *Queue { return &Queue{store: s} }

// GetNextOptions narrows GetNext.
type GetNextOptions struct {
	Type       *string
	ExcludeIDs []string
}

// GetNext selects a single PENDING, non-held task, optionally filtered by
// type and excluding already-claimed-this-tick ids. Ordering: priority
// ASC, (manual_rank IS NULL), manual_rank ASC, created_at ASC, id ASC — the
// ULID tiebreak on id guarantees a stable, deterministic selection for a
// fixed set of pending tasks (testable property #5).
func (q *Queue) GetNext(ctx context.Context, opts GetNextOptions) (*model.Task, error) {
	query := `SELECT ` + taskColumnsAlias() + ` FROM tasks
		WHERE status = 'PENDING' AND held_by IS NULL`
	args := []any{}
	if opts.Type != nil {
		query += ` AND type = ?`
		args = append(args, *opts.Type)
	}
	for _, id := range opts.ExcludeIDs {
		query += ` AND id != ?`
		args = append(args, id)
	}
	query += ` ORDER BY priority ASC, (manual_rank IS NULL) ASC, manual_rank ASC, created_at ASC, id ASC LIMIT 1`

	rows, err := q.store.DB().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query next pending task: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	id, err := scanID(rows)
	if err != nil {
		return nil, err
	}
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// taskColumnsAlias selects only id, since GetNext re-fetches the full
// hydrated row through Store.Get to keep one JSON-decoding code path.
func taskColumnsAlias() string { return "id" }

func scanID(rows interface{ Scan(...any) error }) (string, error) {
	var id string
	if err := rows.Scan(&id); err != nil {
		return "", fmt.Errorf("scan task id: %w", err)
	}
	return id, nil
}

// ReorderPosition selects where a task moves to: top, or immediately
// before/after another task.
type ReorderPosition struct {
	Top    bool
	Before *string
	After  *string
}

// Reorder performs a full stable reassignment of manual_rank over the
// current pending ordering: materialize the ordered id list, remove the
// subject, reinsert at the computed index, then write a dense rank for
// every row. Runs in one transaction (spec §4.3) opened with the driver's
// default BEGIN, which is deferred rather than IMMEDIATE; the Store's single
// connection keeps other statements out until it commits.
func (q *Queue) Reorder(ctx context.Context, id string, pos ReorderPosition) error {
	tx, err := q.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	if err := tx.SelectContext(ctx, &ids, `SELECT id FROM tasks WHERE status = 'PENDING'
		ORDER BY priority ASC, (manual_rank IS NULL) ASC, manual_rank ASC, created_at ASC, id ASC`); err != nil {
		return fmt.Errorf("load pending order: %w", err)
	}

	subjectIdx := -1
	ordered := make([]string, 0, len(ids))
	for i, existing := range ids {
		if existing == id {
			subjectIdx = i
			continue
		}
		ordered = append(ordered, existing)
	}
	if subjectIdx == -1 {
		return &model.NotFoundError{Kind: "task", ID: id}
	}

	insertAt := len(ordered)
	switch {
	case pos.Top:
		insertAt = 0
	case pos.Before != nil:
		insertAt = indexOf(ordered, *pos.Before)
		if insertAt == -1 {
			return &model.NotFoundError{Kind: "task", ID: *pos.Before}
		}
	case pos.After != nil:
		at := indexOf(ordered, *pos.After)
		if at == -1 {
			return &model.NotFoundError{Kind: "task", ID: *pos.After}
		}
		insertAt = at + 1
	}

	final := make([]string, 0, len(ordered)+1)
	final = append(final, ordered[:insertAt]...)
	final = append(final, id)
	final = append(final, ordered[insertAt:]...)

	for rank, taskID := range final {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET manual_rank = ?, updated_at = ? WHERE id = ?`,
			float64(rank), nowFmt(), taskID); err != nil {
			return fmt.Errorf("write manual_rank for %q: %w", taskID, err)
		}
	}
	return tx.Commit()
}

func indexOf(ids []string, target string) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}
