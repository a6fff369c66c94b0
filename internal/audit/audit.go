// Package audit implements the append-only chronological record of every
// state-affecting action (spec §4.8). Entries are ULID-ordered, which
// doubles as their creation-time order (invariant 7). Each entry also
// carries a SHA-256 hash chained to the previous entry, a tamper-evidence
// enrichment adapted from the teacher's append-only log
// (services/audit-trail/internal/appendlog.go) — additive, not required by
// the core append/query contract.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/openskelo/openskelo/internal/ids"
	"github.com/openskelo/openskelo/internal/model"
)

// execer is satisfied by both *sqlx.DB and *sqlx.Tx, letting LogActionTx
// run inside a caller-owned transaction (internal/store.Transition) or
// LogAction open its own.
type execer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

// Log is the audit log; it shares the store's underlying database handle.
type Log struct {
	db *sqlx.DB
}

// New wraps db as an audit Log.
func New(db *sqlx.DB) *Log { return &Log{db: db} }

// LogAction appends one entry in its own transaction.
func (l *Log) LogAction(ctx context.Context, in model.LogActionInput) (model.AuditEntry, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()
	entry, err := LogActionTx(ctx, tx, in)
	if err != nil {
		return model.AuditEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.AuditEntry{}, fmt.Errorf("commit audit: %w", err)
	}
	return entry, nil
}

// LogActionTx appends one entry using an execer the caller already holds a
// transaction on (e.g. internal/store.Transition writing the row and the
// audit entry together).
func LogActionTx(ctx context.Context, tx execer, in model.LogActionInput) (model.AuditEntry, error) {
	var prevHash string
	_ = tx.GetContext(ctx, &prevHash, `SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`)

	entry := model.AuditEntry{
		ID:          ids.New(),
		TaskID:      in.TaskID,
		Action:      in.Action,
		Actor:       in.Actor,
		BeforeState: in.BeforeState,
		AfterState:  in.AfterState,
		Metadata:    in.Metadata,
		CreatedAt:   nowUTC(),
		PrevHash:    prevHash,
	}
	entry.Hash = chainHash(entry)

	metaJSON, err := marshalOrEmpty(entry.Metadata)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("serialize audit metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log
		(id, task_id, action, actor, before_state, after_state, metadata, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.Action, nullableStr(entry.Actor), nullableStr(entry.BeforeState),
		nullableStr(entry.AfterState), metaJSON, entry.PrevHash, entry.Hash, entry.CreatedAt.Format(timeLayout))
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// GetLog returns entries in chronological (ULID) order, optionally scoped
// to one task, with pagination.
func (l *Log) GetLog(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, task_id, action, actor, before_state, after_state, metadata, prev_hash, hash, created_at
		FROM audit_log WHERE 1=1`
	args := []any{}
	if filter.TaskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *filter.TaskID)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	rows, err := l.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetTaskHistory is the task-scoped convenience variant of GetLog.
func (l *Log) GetTaskHistory(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	return l.GetLog(ctx, model.AuditFilter{TaskID: &taskID})
}

// VerifyChain walks the full log in order and reports the id of the first
// entry whose hash no longer matches its recorded content and prev_hash,
// or ("", true) if the chain is intact.
func (l *Log) VerifyChain(ctx context.Context) (brokenAt string, ok bool, err error) {
	entries, err := l.GetLog(ctx, model.AuditFilter{})
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if chainHash(e) != e.Hash {
			return e.ID, false, nil
		}
	}
	return "", true, nil
}

func chainHash(e model.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", e.ID, e.TaskID, e.Action, e.PrevHash)
	if e.BeforeState != nil {
		h.Write([]byte(*e.BeforeState))
	}
	if e.AfterState != nil {
		h.Write([]byte(*e.AfterState))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rows rowScanner) (model.AuditEntry, error) {
	var (
		e                                              model.AuditEntry
		actor, before, after, metaJSON, createdAt       *string
	)
	if err := rows.Scan(&e.ID, &e.TaskID, &e.Action, &actor, &before, &after, &metaJSON, &e.PrevHash, &e.Hash, &createdAt); err != nil {
		return e, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Actor = actor
	e.BeforeState = before
	e.AfterState = after
	if createdAt != nil {
		e.CreatedAt = parseTimeLayout(*createdAt)
	}
	if metaJSON != nil && *metaJSON != "" {
		_ = json.Unmarshal([]byte(*metaJSON), &e.Metadata)
	}
	return e, nil
}

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
