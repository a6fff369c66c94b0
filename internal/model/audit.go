package model

import "time"

// AuditEntry is one append-only record of a state-affecting action.
// Entries are never updated or deleted; id (a ULID) is also the entry's
// time-order key (invariant 7, spec §3).
type AuditEntry struct {
	ID          string         `db:"id" json:"id"`
	TaskID      string         `db:"task_id" json:"task_id"`
	Action      string         `db:"action" json:"action"`
	Actor       *string        `db:"actor" json:"actor,omitempty"`
	BeforeState *string        `db:"before_state" json:"before_state,omitempty"`
	AfterState  *string        `db:"after_state" json:"after_state,omitempty"`
	Metadata    map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`

	// PrevHash/Hash add tamper-evident chaining over the ordered log,
	// adapted from the append-only log pattern; not required by the core
	// audit contract, which only needs ULID ordering.
	PrevHash string `db:"prev_hash" json:"prev_hash,omitempty"`
	Hash     string `db:"hash" json:"hash,omitempty"`
}

// LogActionInput is the payload accepted by Audit.LogAction.
type LogActionInput struct {
	TaskID      string
	Action      string
	Actor       *string
	BeforeState *string
	AfterState  *string
	Metadata    map[string]any
}

// AuditFilter narrows Audit.GetLog.
type AuditFilter struct {
	TaskID *string
	Limit  int
	Offset int
}
