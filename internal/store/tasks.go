package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openskelo/openskelo/internal/ids"
	"github.com/openskelo/openskelo/internal/model"
)

const taskColumns = `id, type, status, priority, manual_rank, summary, prompt,
	acceptance_criteria, definition_of_done, backend, backend_config, result,
	lease_owner, lease_expires_at, attempt_count, max_attempts, bounce_count,
	max_bounces, last_error, feedback_history, depends_on, pipeline_id,
	pipeline_step, gates, metadata, auto_review, parent_task_id,
	loop_iteration, held_by, created_at, updated_at`

// Create allocates an id, validates depends_on existence and acyclicity
// against the current graph plus the new edges, serializes JSON columns,
// writes the row, and returns the hydrated task. Runs in its own
// transaction (spec §4.1).
func (s *Store) Create(ctx context.Context, in model.CreateTaskInput) (model.Task, error) {
	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback()

	task, err := s.createInTx(ctx, tx, in)
	if err != nil {
		return model.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit create: %w", err)
	}
	s.observeWrite(start)
	return task, nil
}

// WithTx runs fn inside one transaction, committing on success and rolling
// back on error or panic. internal/pipeline uses it to create every node
// of a DAG under one outer transaction (spec §4.4).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateInTx is the exported, transaction-scoped variant of Create, for
// callers (internal/pipeline, internal/expansion) that must create several
// tasks atomically under one outer transaction.
func (s *Store) CreateInTx(ctx context.Context, tx *sqlx.Tx, in model.CreateTaskInput) (model.Task, error) {
	return s.createInTx(ctx, tx, in)
}

// GetInTx is the transaction-scoped variant of Get.
func (s *Store) GetInTx(ctx context.Context, tx *sqlx.Tx, id string) (model.Task, error) {
	return s.getTx(ctx, tx, id)
}

// UpdateDependsOnInTx rewrites a task's depends_on list under an
// already-open transaction, re-validating acyclicity. Used by the
// expansion handler to rewire dependents onto newly materialized children.
func (s *Store) UpdateDependsOnInTx(ctx context.Context, tx *sqlx.Tx, id string, dependsOn []string) error {
	if err := s.checkAcyclicTx(ctx, tx, id, dependsOn); err != nil {
		return err
	}
	depJSON, err := marshalOr(dependsOn, "[]")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET depends_on = ?, updated_at = ? WHERE id = ?`,
		depJSON, nowUTC().Format(timeLayout), id)
	return err
}

// createInTx is the transaction-scoped body of Create, reused by the
// pipeline package to create many nodes under one outer transaction.
func (s *Store) createInTx(ctx context.Context, tx *sqlx.Tx, in model.CreateTaskInput) (model.Task, error) {
	if in.Summary == "" || in.Prompt == "" || in.Backend == "" || in.Type == "" {
		return model.Task{}, model.NewValidationError("type, summary, prompt, and backend are required")
	}
	if err := s.validateDependsExistTx(ctx, tx, in.DependsOn); err != nil {
		return model.Task{}, err
	}

	now := nowUTC()
	id := ids.New()
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	maxBounces := in.MaxBounces
	if maxBounces == 0 {
		maxBounces = 3
	}
	priority := in.Priority
	if in.PriorityBoost != nil {
		priority = *in.PriorityBoost
	}

	task := model.Task{
		ID:                 id,
		Type:               in.Type,
		Status:             model.StatusPending,
		Priority:           priority,
		Summary:            in.Summary,
		Prompt:             in.Prompt,
		AcceptanceCriteria: in.AcceptanceCriteria,
		DefinitionOfDone:   in.DefinitionOfDone,
		Backend:            in.Backend,
		BackendConfig:      in.BackendConfig,
		MaxAttempts:        maxAttempts,
		MaxBounces:         maxBounces,
		DependsOn:          in.DependsOn,
		PipelineID:         in.PipelineID,
		PipelineStep:       in.PipelineStep,
		Gates:              in.Gates,
		AutoReview:         in.AutoReview,
		ParentTaskID:       in.ParentTaskID,
		HeldBy:             in.HeldBy,
		Metadata:           in.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.checkAcyclicTx(ctx, tx, task.ID, task.DependsOn); err != nil {
		return model.Task{}, err
	}

	row, err := dehydrateRow(task)
	if err != nil {
		return model.Task{}, fmt.Errorf("serialize task: %w", err)
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (
		:id, :type, :status, :priority, :manual_rank, :summary, :prompt,
		:acceptance_criteria, :definition_of_done, :backend, :backend_config, :result,
		:lease_owner, :lease_expires_at, :attempt_count, :max_attempts, :bounce_count,
		:max_bounces, :last_error, :feedback_history, :depends_on, :pipeline_id,
		:pipeline_step, :gates, :metadata, :auto_review, :parent_task_id,
		:loop_iteration, :held_by, :created_at, :updated_at)`, row)
	if err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}

	if in.InjectBefore != nil {
		if err := s.appendDependencyTx(ctx, tx, *in.InjectBefore, task.ID); err != nil {
			return model.Task{}, err
		}
	}

	return task, nil
}

// appendDependencyTx adds newDepID to targetID.depends_on, re-checking
// acyclicity, used by inject()'s inject_before wiring.
func (s *Store) appendDependencyTx(ctx context.Context, tx *sqlx.Tx, targetID, newDepID string) error {
	target, err := s.getTx(ctx, tx, targetID)
	if err != nil {
		return err
	}
	deps := append(append([]string{}, target.DependsOn...), newDepID)
	if err := s.checkAcyclicTx(ctx, tx, targetID, deps); err != nil {
		return err
	}
	row, err := dehydrateRow(model.Task{DependsOn: deps})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET depends_on = ?, updated_at = ? WHERE id = ?`,
		row.DependsOn, nowUTC().Format(timeLayout), targetID)
	return err
}

// Inject creates a task with optional priority_boost and inject_before
// wiring (spec §4.1).
func (s *Store) Inject(ctx context.Context, in model.CreateTaskInput) (model.Task, error) {
	return s.Create(ctx, in)
}

// Update applies the literal allow-listed partial. Status can never be set
// through Update; callers must use Transition.
func (s *Store) Update(ctx context.Context, id string, p model.UpdatePartial) (model.Task, error) {
	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback()

	task, err := s.getTx(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}

	if p.Priority != nil {
		task.Priority = *p.Priority
	}
	if p.ManualRank != nil {
		task.ManualRank = *p.ManualRank
	}
	if p.Summary != nil {
		task.Summary = *p.Summary
	}
	if p.Prompt != nil {
		task.Prompt = *p.Prompt
	}
	if p.AcceptanceCriteria != nil {
		task.AcceptanceCriteria = *p.AcceptanceCriteria
	}
	if p.DefinitionOfDone != nil {
		task.DefinitionOfDone = *p.DefinitionOfDone
	}
	if p.Backend != nil {
		task.Backend = *p.Backend
	}
	if p.BackendConfig != nil {
		task.BackendConfig = *p.BackendConfig
	}
	if p.Result != nil {
		task.Result = p.Result
	}
	if p.LeaseOwner != nil {
		task.LeaseOwner = *p.LeaseOwner
	}
	if p.LeaseExpiresAt != nil {
		task.LeaseExpiresAt = *p.LeaseExpiresAt
	}
	if p.Gates != nil {
		task.Gates = *p.Gates
	}
	if p.AutoReview != nil {
		task.AutoReview = *p.AutoReview
	}
	if p.HeldBy != nil {
		task.HeldBy = *p.HeldBy
	}
	if p.Metadata != nil {
		task.Metadata = *p.Metadata
	}
	if p.MaxAttempts != nil {
		task.MaxAttempts = *p.MaxAttempts
	}
	if p.MaxBounces != nil {
		task.MaxBounces = *p.MaxBounces
	}
	if p.DependsOn != nil {
		if err := s.validateDependsExistTx(ctx, tx, *p.DependsOn); err != nil {
			return model.Task{}, err
		}
		if err := s.checkAcyclicTx(ctx, tx, id, *p.DependsOn); err != nil {
			return model.Task{}, err
		}
		task.DependsOn = *p.DependsOn
	}
	task.UpdatedAt = nowUTC()

	if err := s.writeTaskTx(ctx, tx, task); err != nil {
		return model.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit update: %w", err)
	}
	s.observeWrite(start)
	return task, nil
}

func (s *Store) writeTaskTx(ctx context.Context, tx *sqlx.Tx, task model.Task) error {
	row, err := dehydrateRow(task)
	if err != nil {
		return fmt.Errorf("serialize task: %w", err)
	}
	_, err = tx.NamedExecContext(ctx, `UPDATE tasks SET
		type=:type, status=:status, priority=:priority, manual_rank=:manual_rank,
		summary=:summary, prompt=:prompt, acceptance_criteria=:acceptance_criteria,
		definition_of_done=:definition_of_done, backend=:backend, backend_config=:backend_config,
		result=:result, lease_owner=:lease_owner, lease_expires_at=:lease_expires_at,
		attempt_count=:attempt_count, max_attempts=:max_attempts, bounce_count=:bounce_count,
		max_bounces=:max_bounces, last_error=:last_error, feedback_history=:feedback_history,
		depends_on=:depends_on, pipeline_id=:pipeline_id, pipeline_step=:pipeline_step,
		gates=:gates, metadata=:metadata, auto_review=:auto_review, parent_task_id=:parent_task_id,
		loop_iteration=:loop_iteration, held_by=:held_by, updated_at=:updated_at
		WHERE id=:id`, row)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, id string) (model.Task, error) {
	start := time.Now()
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return model.Task{}, &model.NotFoundError{Kind: "task", ID: id}
	}
	s.observeRead(start)
	return hydrate(row)
}

func (s *Store) getTx(ctx context.Context, tx *sqlx.Tx, id string) (model.Task, error) {
	var row taskRow
	err := tx.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return model.Task{}, &model.NotFoundError{Kind: "task", ID: id}
	}
	return hydrate(row)
}

// List returns tasks matching filter, ordered by created_at then id.
func (s *Store) List(ctx context.Context, filter model.ListFilter, limit, offset int) ([]model.Task, error) {
	start := time.Now()
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	if filter.PipelineID != nil {
		query += ` AND pipeline_id = ?`
		args = append(args, *filter.PipelineID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := hydrate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	s.observeRead(start)
	return out, nil
}

// ListInTx is the transaction-scoped variant of List, used by the
// expansion handler to find dependents of a just-expanded parent within
// the pipeline's single outer transaction.
func (s *Store) ListInTx(ctx context.Context, tx *sqlx.Tx, filter model.ListFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	if filter.PipelineID != nil {
		query += ` AND pipeline_id = ?`
		args = append(args, *filter.PipelineID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	var rows []taskRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks (tx): %w", err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := hydrate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Count returns the number of tasks matching filter.
func (s *Store) Count(ctx context.Context, filter model.ListFilter) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE 1=1`
	args := []any{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	if filter.PipelineID != nil {
		query += ` AND pipeline_id = ?`
		args = append(args, *filter.PipelineID)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// StatusCounts returns the count of tasks in each of the five statuses,
// used by GET /health.
func (s *Store) StatusCounts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	out := map[model.Status]int{
		model.StatusPending: 0, model.StatusInProgress: 0, model.StatusReview: 0,
		model.StatusDone: 0, model.StatusBlocked: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) validateDependsExistTx(ctx context.Context, tx *sqlx.Tx, dependsOn []string) error {
	for _, dep := range dependsOn {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, dep); err != nil {
			return fmt.Errorf("check dependency %q: %w", dep, err)
		}
		if exists == 0 {
			return model.NewValidationError(fmt.Sprintf("depends_on references unknown task %q", dep))
		}
	}
	return nil
}

// checkAcyclicTx loads the full depends_on graph, overlays the hypothetical
// edges for id, and fails if the result contains a cycle.
func (s *Store) checkAcyclicTx(ctx context.Context, tx *sqlx.Tx, id string, dependsOn []string) error {
	graph, err := s.loadGraphTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, dep := range dependsOn {
		if dep == id {
			return model.NewValidationError("self-dependency is not allowed")
		}
	}
	graph[id] = dependsOn
	if cyclePath, ok := detectCycle(graph); ok {
		return model.NewValidationError(fmt.Sprintf("cycle detected: %v", cyclePath))
	}
	return nil
}

func (s *Store) loadGraphTx(ctx context.Context, tx *sqlx.Tx) (map[string][]string, error) {
	type pair struct {
		ID        string `db:"id"`
		DependsOn string `db:"depends_on"`
	}
	var pairs []pair
	if err := tx.SelectContext(ctx, &pairs, `SELECT id, depends_on FROM tasks`); err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	graph := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		var deps []string
		_ = unmarshalOrDefault(p.DependsOn, &deps, "[]")
		graph[p.ID] = deps
	}
	return graph, nil
}

type colorState int

const (
	white colorState = iota
	gray
	black
)

// detectCycle runs a DFS with visiting/visited coloring (spec §4.4 step 4)
// over the full graph and returns the first cycle path found, if any.
func detectCycle(graph map[string][]string) ([]string, bool) {
	color := make(map[string]colorState, len(graph))
	var path []string
	var visit func(node string) ([]string, bool)
	visit = func(node string) ([]string, bool) {
		color[node] = gray
		path = append(path, node)
		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return append(append([]string{}, path...), dep), true
			case white:
				if cyc, found := visit(dep); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil, false
	}
	for node := range graph {
		if color[node] == white {
			if cyc, found := visit(node); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

func (s *Store) observeWrite(start time.Time) {
	if s.writeLatency != nil {
		s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
}

func (s *Store) observeRead(start time.Time) {
	if s.readLatency != nil {
		s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
}
