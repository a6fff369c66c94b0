package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openskelo/openskelo/internal/model"
)

// taskRow is the literal column shape of the tasks table. JSON-typed
// columns are stored as TEXT and (de)serialized here rather than relying
// on per-type sql.Scanner/Valuer implementations, matching the teacher's
// own "whole value marshaled to JSON" persistence idiom.
type taskRow struct {
	ID                 string         `db:"id"`
	Type               string         `db:"type"`
	Status             string         `db:"status"`
	Priority           int            `db:"priority"`
	ManualRank         sql.NullFloat64 `db:"manual_rank"`
	Summary            string         `db:"summary"`
	Prompt             string         `db:"prompt"`
	AcceptanceCriteria string         `db:"acceptance_criteria"`
	DefinitionOfDone   string         `db:"definition_of_done"`
	Backend            string         `db:"backend"`
	BackendConfig      sql.NullString `db:"backend_config"`
	Result             sql.NullString `db:"result"`
	LeaseOwner         sql.NullString `db:"lease_owner"`
	LeaseExpiresAt     sql.NullString `db:"lease_expires_at"`
	AttemptCount       int            `db:"attempt_count"`
	MaxAttempts        int            `db:"max_attempts"`
	BounceCount        int            `db:"bounce_count"`
	MaxBounces         int            `db:"max_bounces"`
	LastError          sql.NullString `db:"last_error"`
	FeedbackHistory    string         `db:"feedback_history"`
	DependsOn          string         `db:"depends_on"`
	PipelineID         sql.NullString `db:"pipeline_id"`
	PipelineStep       sql.NullInt64  `db:"pipeline_step"`
	Gates              string         `db:"gates"`
	Metadata           string         `db:"metadata"`
	AutoReview         sql.NullString `db:"auto_review"`
	ParentTaskID       sql.NullString `db:"parent_task_id"`
	LoopIteration      int            `db:"loop_iteration"`
	HeldBy             sql.NullString `db:"held_by"`
	CreatedAt          string         `db:"created_at"`
	UpdatedAt          string         `db:"updated_at"`
}

const timeLayout = time.RFC3339Nano

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func hydrate(r taskRow) (model.Task, error) {
	t := model.Task{
		ID:            r.ID,
		Type:          r.Type,
		Status:        model.Status(r.Status),
		Priority:      r.Priority,
		Summary:       r.Summary,
		Prompt:        r.Prompt,
		Backend:       r.Backend,
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		BounceCount:   r.BounceCount,
		MaxBounces:    r.MaxBounces,
		LoopIteration: r.LoopIteration,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
	if r.ManualRank.Valid {
		v := r.ManualRank.Float64
		t.ManualRank = &v
	}
	if r.BackendConfig.Valid {
		var bc model.BackendConfig
		if err := json.Unmarshal([]byte(r.BackendConfig.String), &bc); err != nil {
			return t, fmt.Errorf("decode backend_config: %w", err)
		}
		t.BackendConfig = &bc
	}
	if r.Result.Valid {
		v := r.Result.String
		t.Result = &v
	}
	if r.LeaseOwner.Valid {
		v := r.LeaseOwner.String
		t.LeaseOwner = &v
	}
	if r.LeaseExpiresAt.Valid {
		v := parseTime(r.LeaseExpiresAt.String)
		t.LeaseExpiresAt = &v
	}
	if r.LastError.Valid {
		v := r.LastError.String
		t.LastError = &v
	}
	if r.PipelineID.Valid {
		v := r.PipelineID.String
		t.PipelineID = &v
	}
	if r.PipelineStep.Valid {
		v := int(r.PipelineStep.Int64)
		t.PipelineStep = &v
	}
	if r.AutoReview.Valid {
		var ar model.AutoReviewConfig
		if err := json.Unmarshal([]byte(r.AutoReview.String), &ar); err != nil {
			return t, fmt.Errorf("decode auto_review: %w", err)
		}
		t.AutoReview = &ar
	}
	if r.ParentTaskID.Valid {
		v := r.ParentTaskID.String
		t.ParentTaskID = &v
	}
	if r.HeldBy.Valid {
		v := r.HeldBy.String
		t.HeldBy = &v
	}

	if err := unmarshalOrDefault(r.AcceptanceCriteria, &t.AcceptanceCriteria, "[]"); err != nil {
		return t, fmt.Errorf("decode acceptance_criteria: %w", err)
	}
	if err := unmarshalOrDefault(r.DefinitionOfDone, &t.DefinitionOfDone, "[]"); err != nil {
		return t, fmt.Errorf("decode definition_of_done: %w", err)
	}
	if err := unmarshalOrDefault(r.FeedbackHistory, &t.FeedbackHistory, "[]"); err != nil {
		return t, fmt.Errorf("decode feedback_history: %w", err)
	}
	if err := unmarshalOrDefault(r.DependsOn, &t.DependsOn, "[]"); err != nil {
		return t, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := unmarshalOrDefault(r.Gates, &t.Gates, "[]"); err != nil {
		return t, fmt.Errorf("decode gates: %w", err)
	}
	if err := unmarshalOrDefault(r.Metadata, &t.Metadata, "{}"); err != nil {
		return t, fmt.Errorf("decode metadata: %w", err)
	}
	return t, nil
}

func unmarshalOrDefault(raw string, dst any, def string) error {
	if raw == "" {
		raw = def
	}
	return json.Unmarshal([]byte(raw), dst)
}

func marshalOr(v any, def string) (string, error) {
	if v == nil {
		return def, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func dehydrateRow(t model.Task) (taskRow, error) {
	r := taskRow{
		ID:            t.ID,
		Type:          t.Type,
		Status:        string(t.Status),
		Priority:      t.Priority,
		Summary:       t.Summary,
		Prompt:        t.Prompt,
		Backend:       t.Backend,
		AttemptCount:  t.AttemptCount,
		MaxAttempts:   t.MaxAttempts,
		BounceCount:   t.BounceCount,
		MaxBounces:    t.MaxBounces,
		LoopIteration: t.LoopIteration,
		CreatedAt:     t.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:     t.UpdatedAt.UTC().Format(timeLayout),
	}
	if t.ManualRank != nil {
		r.ManualRank = sql.NullFloat64{Float64: *t.ManualRank, Valid: true}
	}
	if t.BackendConfig != nil {
		b, err := json.Marshal(t.BackendConfig)
		if err != nil {
			return r, err
		}
		r.BackendConfig = sql.NullString{String: string(b), Valid: true}
	}
	if t.Result != nil {
		r.Result = sql.NullString{String: *t.Result, Valid: true}
	}
	if t.LeaseOwner != nil {
		r.LeaseOwner = sql.NullString{String: *t.LeaseOwner, Valid: true}
	}
	if t.LeaseExpiresAt != nil {
		r.LeaseExpiresAt = sql.NullString{String: t.LeaseExpiresAt.UTC().Format(timeLayout), Valid: true}
	}
	if t.LastError != nil {
		r.LastError = sql.NullString{String: *t.LastError, Valid: true}
	}
	if t.PipelineID != nil {
		r.PipelineID = sql.NullString{String: *t.PipelineID, Valid: true}
	}
	if t.PipelineStep != nil {
		r.PipelineStep = sql.NullInt64{Int64: int64(*t.PipelineStep), Valid: true}
	}
	if t.AutoReview != nil {
		b, err := json.Marshal(t.AutoReview)
		if err != nil {
			return r, err
		}
		r.AutoReview = sql.NullString{String: string(b), Valid: true}
	}
	if t.ParentTaskID != nil {
		r.ParentTaskID = sql.NullString{String: *t.ParentTaskID, Valid: true}
	}
	if t.HeldBy != nil {
		r.HeldBy = sql.NullString{String: *t.HeldBy, Valid: true}
	}

	var err error
	if r.AcceptanceCriteria, err = marshalOr(t.AcceptanceCriteria, "[]"); err != nil {
		return r, err
	}
	if r.DefinitionOfDone, err = marshalOr(t.DefinitionOfDone, "[]"); err != nil {
		return r, err
	}
	if r.FeedbackHistory, err = marshalOr(t.FeedbackHistory, "[]"); err != nil {
		return r, err
	}
	if r.DependsOn, err = marshalOr(t.DependsOn, "[]"); err != nil {
		return r, err
	}
	if r.Gates, err = marshalOr(t.Gates, "[]"); err != nil {
		return r, err
	}
	if r.Metadata, err = marshalOr(t.Metadata, "{}"); err != nil {
		return r, err
	}
	return r, nil
}
