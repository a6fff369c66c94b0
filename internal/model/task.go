// Package model defines the persisted entities shared by every core
// component: Task, AuditEntry, Template, and the gate/auto-review value
// types embedded in a task row.
package model

import "time"

// Status is a task's lifecycle state. The state machine is the only
// component permitted to change it.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusBlocked    Status = "BLOCKED"
)

// Valid reports whether s is one of the five recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// FeedbackEntry is one bounce's recorded critique, appended to
// Task.FeedbackHistory on every REVIEW -> PENDING transition.
type FeedbackEntry struct {
	What string `json:"what"`
	Where string `json:"where"`
	Fix  string `json:"fix"`
}

// BackendConfig is the optional per-task adapter configuration: process
// command/args/cwd/env for CLI-style adapters, timeout for either style.
type BackendConfig struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
	Model     string            `json:"model,omitempty"`
}

// AutoReviewConfig spawns child review tasks when the parent enters REVIEW.
type AutoReviewConfig struct {
	Reviewers    []Reviewer `json:"reviewers"`
	Strategy     string     `json:"strategy"` // all_must_approve | any_approve | merge_then_decide
	MergeBackend string     `json:"merge_backend,omitempty"`
}

// Reviewer is one entry of AutoReviewConfig.Reviewers.
type Reviewer struct {
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
}

// GateSpec is a tagged union over the five built-in gate kinds; exactly one
// of the kind-specific fields is populated, selected by Type.
type GateSpec struct {
	Type string `json:"type"`

	// regex
	Pattern string `json:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty"`
	Invert  bool   `json:"invert,omitempty"`

	// word_count
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`

	// json_schema
	Schema map[string]any `json:"schema,omitempty"`

	// expression
	Expr string `json:"expr,omitempty"`

	// custom
	Fn   string `json:"fn,omitempty"`
	Name string `json:"name,omitempty"`
}

// ExpandConfig drives the dynamic expansion protocol's topology choice.
type ExpandConfig struct {
	Mode string `json:"mode,omitempty"` // sequential | parallel (default)
}

// Metadata is the task's free-form JSON object. Recognized keys are
// promoted to typed accessors below; unrecognized keys pass through.
type Metadata map[string]any

func (m Metadata) boolVal(key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

// Expand reports metadata.expand == true.
func (m Metadata) Expand() bool { return m.boolVal("expand") }

// IsMerge reports metadata.is_merge == true.
func (m Metadata) IsMerge() bool { return m.boolVal("is_merge") }

// ExpandedFrom returns metadata.expanded_from, or "" if unset.
func (m Metadata) ExpandedFrom() string {
	if m == nil {
		return ""
	}
	v, _ := m["expanded_from"].(string)
	return v
}

// ReviewerIndex returns metadata.reviewer_index, or -1 if unset.
func (m Metadata) ReviewerIndex() int {
	if m == nil {
		return -1
	}
	switch v := m["reviewer_index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return -1
}

// Task is the central persisted entity. See spec §3 for the full
// invariant list; the state machine (internal/statemachine) is the sole
// writer of Status. It also sets and clears LeaseOwner and LeaseExpiresAt,
// which Store.Update can write too (the heartbeat route extends
// LeaseExpiresAt that way).
type Task struct {
	ID       string `db:"id" json:"id"`
	Type     string `db:"type" json:"type"`
	Status   Status `db:"status" json:"status"`
	Priority int    `db:"priority" json:"priority"`

	ManualRank *float64 `db:"manual_rank" json:"manual_rank,omitempty"`

	Summary string `db:"summary" json:"summary"`
	Prompt  string `db:"prompt" json:"prompt"`

	AcceptanceCriteria []string `db:"acceptance_criteria" json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string `db:"definition_of_done" json:"definition_of_done,omitempty"`

	Backend       string         `db:"backend" json:"backend"`
	BackendConfig *BackendConfig `db:"backend_config" json:"backend_config,omitempty"`

	Result *string `db:"result" json:"result,omitempty"`

	LeaseOwner     *string    `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`

	AttemptCount int `db:"attempt_count" json:"attempt_count"`
	MaxAttempts  int `db:"max_attempts" json:"max_attempts"`
	BounceCount  int `db:"bounce_count" json:"bounce_count"`
	MaxBounces   int `db:"max_bounces" json:"max_bounces"`

	LastError *string `db:"last_error" json:"last_error,omitempty"`

	FeedbackHistory []FeedbackEntry `db:"feedback_history" json:"feedback_history,omitempty"`

	DependsOn []string `db:"depends_on" json:"depends_on,omitempty"`

	PipelineID   *string `db:"pipeline_id" json:"pipeline_id,omitempty"`
	PipelineStep *int    `db:"pipeline_step" json:"pipeline_step,omitempty"`

	Gates []GateSpec `db:"gates" json:"gates,omitempty"`

	AutoReview *AutoReviewConfig `db:"auto_review" json:"auto_review,omitempty"`

	ParentTaskID *string `db:"parent_task_id" json:"parent_task_id,omitempty"`
	LoopIteration int    `db:"loop_iteration" json:"loop_iteration"`

	HeldBy *string `db:"held_by" json:"held_by,omitempty"`

	Metadata Metadata `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CreateTaskInput is the payload accepted by Store.Create and by DAG node
// expansion into individual task rows.
type CreateTaskInput struct {
	Type               string            `json:"type"`
	Summary            string            `json:"summary"`
	Prompt             string            `json:"prompt"`
	Priority           int               `json:"priority"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string          `json:"definition_of_done,omitempty"`
	Backend            string            `json:"backend"`
	BackendConfig      *BackendConfig    `json:"backend_config,omitempty"`
	MaxAttempts        int               `json:"max_attempts,omitempty"`
	MaxBounces         int               `json:"max_bounces,omitempty"`
	DependsOn          []string          `json:"depends_on,omitempty"`
	PipelineID         *string           `json:"pipeline_id,omitempty"`
	PipelineStep       *int              `json:"pipeline_step,omitempty"`
	Gates              []GateSpec        `json:"gates,omitempty"`
	AutoReview         *AutoReviewConfig `json:"auto_review,omitempty"`
	ParentTaskID       *string           `json:"parent_task_id,omitempty"`
	HeldBy             *string           `json:"held_by,omitempty"`
	Metadata           Metadata          `json:"metadata,omitempty"`

	// inject() extensions
	PriorityBoost *int    `json:"priority_boost,omitempty"`
	InjectBefore  *string `json:"inject_before,omitempty"`
}

// UpdatePartial is the literal allow-list accepted by Store.Update.
// Status must never be set through it; use Transition instead.
type UpdatePartial struct {
	Priority           *int              `json:"priority,omitempty"`
	ManualRank         **float64         `json:"manual_rank,omitempty"`
	Summary            *string           `json:"summary,omitempty"`
	Prompt             *string           `json:"prompt,omitempty"`
	AcceptanceCriteria *[]string         `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   *[]string         `json:"definition_of_done,omitempty"`
	Backend            *string           `json:"backend,omitempty"`
	BackendConfig      **BackendConfig   `json:"backend_config,omitempty"`
	Result             *string           `json:"result,omitempty"`
	LeaseOwner         **string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt     **time.Time       `json:"lease_expires_at,omitempty"`
	DependsOn          *[]string         `json:"depends_on,omitempty"`
	Gates              *[]GateSpec       `json:"gates,omitempty"`
	AutoReview         **AutoReviewConfig `json:"auto_review,omitempty"`
	HeldBy             **string          `json:"held_by,omitempty"`
	Metadata           *Metadata         `json:"metadata,omitempty"`
	MaxAttempts        *int              `json:"max_attempts,omitempty"`
	MaxBounces         *int              `json:"max_bounces,omitempty"`
}

// ListFilter narrows Store.List / Store.Count.
type ListFilter struct {
	Status     *Status
	Type       *string
	PipelineID *string
}
