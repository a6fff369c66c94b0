// Package statemachine implements the guarded status transition table from
// spec §4.2. It is pure: given a task snapshot, a target status, and a
// context, it either returns the mutated task plus the audit metadata to
// record, or a *model.TransitionError. internal/store is the only caller;
// it applies the mutation and writes the audit entry inside one
// transaction.
package statemachine

import (
	"fmt"
	"time"

	"github.com/openskelo/openskelo/internal/model"
)

// TransitionContext carries the fields a given transition requires. Only
// the fields relevant to the requested transition need be set; extras are
// ignored.
type TransitionContext struct {
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	Result         *string
	LastError      *string
	Reason         string
	Feedback       *model.FeedbackEntry

	// IncrementLoopIteration advances Task.LoopIteration on a REVIEW ->
	// PENDING bounce. Set only by the auto-review reject path (spec §3:
	// loop_iteration is "counter of auto-review reject loops"); gate-driven
	// bounces don't touch it.
	IncrementLoopIteration bool
}

// Result is the outcome of a successful Apply: the mutated task (caller
// still must persist it) and the metadata to attach to the audit entry.
type Result struct {
	Task           model.Task
	AuditMetadata  map[string]any
	ForcedBlocked  bool
}

// edge identifies one permitted (from, to) pair.
type edge struct {
	from model.Status
	to   model.Status
}

var allowed = map[edge]bool{
	{model.StatusPending, model.StatusInProgress}: true,
	{model.StatusInProgress, model.StatusReview}:   true,
	{model.StatusInProgress, model.StatusPending}:  true,
	{model.StatusInProgress, model.StatusBlocked}:  true,
	{model.StatusReview, model.StatusDone}:         true,
	{model.StatusReview, model.StatusPending}:      true,
	{model.StatusReview, model.StatusBlocked}:      true,
	{model.StatusPending, model.StatusBlocked}:     true,
	{model.StatusBlocked, model.StatusPending}:     true,
}

// Apply validates and computes the effect of transitioning task to `to`
// under ctx. task is passed by value; the returned Result.Task is the
// mutated copy. It never touches a database; internal/store persists it.
func Apply(task model.Task, to model.Status, ctx TransitionContext, now time.Time) (Result, error) {
	from := task.Status
	if !allowed[edge{from, to}] {
		return Result{}, &model.TransitionError{From: from, To: to, Reason: "transition not permitted"}
	}

	next := task
	next.UpdatedAt = now
	meta := map[string]any{}
	if ctx.Reason != "" {
		meta["reason"] = ctx.Reason
	}

	switch {
	case from == model.StatusPending && to == model.StatusInProgress:
		if ctx.LeaseOwner == nil || *ctx.LeaseOwner == "" {
			return Result{}, &model.TransitionError{From: from, To: to, Reason: "lease_owner required"}
		}
		if ctx.LeaseExpiresAt == nil {
			return Result{}, &model.TransitionError{From: from, To: to, Reason: "lease_expires_at required"}
		}
		next.Status = model.StatusInProgress
		next.LeaseOwner = ctx.LeaseOwner
		next.LeaseExpiresAt = ctx.LeaseExpiresAt
		next.AttemptCount++
		meta["attempt_count"] = next.AttemptCount

	case from == model.StatusInProgress && to == model.StatusReview:
		if ctx.Result == nil {
			return Result{}, &model.TransitionError{From: from, To: to, Reason: "result required"}
		}
		next.Status = model.StatusReview
		next.Result = ctx.Result
		next.LeaseOwner = nil
		next.LeaseExpiresAt = nil

	case from == model.StatusInProgress && to == model.StatusPending:
		next.Status = model.StatusPending
		next.LeaseOwner = nil
		next.LeaseExpiresAt = nil
		if ctx.LastError != nil {
			next.LastError = ctx.LastError
			meta["last_error"] = *ctx.LastError
		}

	case from == model.StatusInProgress && to == model.StatusBlocked:
		next.Status = model.StatusBlocked
		next.LeaseOwner = nil
		next.LeaseExpiresAt = nil

	case from == model.StatusReview && to == model.StatusDone:
		next.Status = model.StatusDone

	case from == model.StatusReview && to == model.StatusPending:
		if ctx.Feedback == nil {
			return Result{}, &model.TransitionError{From: from, To: to, Reason: "feedback required"}
		}
		next.BounceCount++
		next.FeedbackHistory = append(append([]model.FeedbackEntry{}, task.FeedbackHistory...), *ctx.Feedback)
		meta["bounce_count"] = next.BounceCount
		meta["feedback"] = ctx.Feedback
		if ctx.IncrementLoopIteration {
			next.LoopIteration++
			meta["loop_iteration"] = next.LoopIteration
		}
		if next.BounceCount > next.MaxBounces {
			next.Status = model.StatusBlocked
			meta["reason"] = "max_bounces exceeded"
			return Result{Task: next, AuditMetadata: meta, ForcedBlocked: true}, nil
		}
		next.Status = model.StatusPending

	case from == model.StatusReview && to == model.StatusBlocked:
		next.Status = model.StatusBlocked

	case from == model.StatusPending && to == model.StatusBlocked:
		next.Status = model.StatusBlocked

	case from == model.StatusBlocked && to == model.StatusPending:
		next.Status = model.StatusPending

	default:
		return Result{}, &model.TransitionError{From: from, To: to, Reason: fmt.Sprintf("unhandled edge %s->%s", from, to)}
	}

	return Result{Task: next, AuditMetadata: meta}, nil
}
