// Package expansion implements the two post-hoc handlers that run when the
// dispatcher moves a task from IN_PROGRESS into REVIEW: dynamic
// expansion, where one task's output materializes additional tasks into
// its pipeline, and auto-review, where reviewer child tasks vote on a
// parent's outcome (spec §4.4). Neither handler runs on a transition into
// DONE, nor on a transition made through the Control API.
package expansion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/statemachine"
	"github.com/openskelo/openskelo/internal/store"
)

const maxExpandEntries = 20

// Handler runs the expansion and auto-review protocols against a Store.
type Handler struct {
	store *store.Store
}

// New wraps s as a Handler.
func New(s *store.Store) *Handler { return &Handler{store: s} }

// OnEnteredReview is the single call site for both protocols, invoked by
// the dispatcher immediately after a task's IN_PROGRESS -> REVIEW
// transition commits (spec §9: expansion "is fixed to run exactly once, on
// the first transition into REVIEW ... guarded by the idempotence check").
func (h *Handler) OnEnteredReview(ctx context.Context, task model.Task) error {
	if task.Metadata.Expand() {
		if err := h.expand(ctx, task); err != nil {
			return fmt.Errorf("expand task %q: %w", task.ID, err)
		}
		return nil
	}
	if task.Type == "review" && task.ParentTaskID != nil {
		return h.onReviewChildResult(ctx, task)
	}
	if task.AutoReview != nil && len(task.AutoReview.Reviewers) > 0 {
		return h.spawnReviewChildren(ctx, task)
	}
	return nil
}

// expandEntry is one element of the task's REVIEW result, parsed either
// from a bare JSON array or {"tasks": [...]}.
type expandEntry struct {
	Summary string `json:"summary"`
	Prompt  string `json:"prompt"`
}

func (h *Handler) expand(ctx context.Context, parent model.Task) error {
	existing, err := h.store.List(ctx, model.ListFilter{}, 0, 0)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.Metadata.ExpandedFrom() == parent.ID {
			_, err := audit.LogActionTx(ctx, h.store.DB(), model.LogActionInput{
				TaskID: parent.ID, Action: "expand_already_applied",
			})
			return err
		}
	}

	if parent.Result == nil {
		return model.NewValidationError("expand task has no result to parse")
	}
	entries, err := parseExpandEntries(*parent.Result)
	if err != nil {
		return model.NewValidationError("expand result: " + err.Error())
	}
	if len(entries) > maxExpandEntries {
		entries = entries[:maxExpandEntries]
	}
	for i, e := range entries {
		if e.Summary == "" || e.Prompt == "" {
			return model.NewValidationError(fmt.Sprintf("expand entry %d missing summary or prompt", i))
		}
	}

	mode := ""
	if cfg, ok := parent.Metadata["expand_config"].(map[string]any); ok {
		if m, ok := cfg["mode"].(string); ok {
			mode = m
		}
	}

	var childIDs []string
	return h.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, e := range entries {
			deps := []string{}
			if mode == "sequential" && i > 0 {
				deps = []string{childIDs[i-1]}
			}
			child, err := h.store.CreateInTx(ctx, tx, model.CreateTaskInput{
				Type:         parent.Type,
				Summary:      e.Summary,
				Prompt:       e.Prompt,
				Priority:     parent.Priority,
				Backend:      parent.Backend,
				DependsOn:    deps,
				PipelineID:   parent.PipelineID,
				AutoReview:   parent.AutoReview,
				ParentTaskID: &parent.ID,
				Metadata: model.Metadata{
					"expanded_from": parent.ID,
					"expand_index":  i,
				},
			})
			if err != nil {
				return fmt.Errorf("create expansion child %d: %w", i, err)
			}
			childIDs = append(childIDs, child.ID)
			if _, err := audit.LogActionTx(ctx, tx, model.LogActionInput{
				TaskID: child.ID, Action: "expand_child_created",
				Metadata: map[string]any{"parent_task_id": parent.ID, "expand_index": i},
			}); err != nil {
				return err
			}
		}

		var terminal []string
		if mode == "sequential" {
			terminal = []string{childIDs[len(childIDs)-1]}
		} else {
			terminal = childIDs
		}
		if err := h.rewireDependents(ctx, tx, parent, terminal); err != nil {
			return err
		}
		_, err := audit.LogActionTx(ctx, tx, model.LogActionInput{
			TaskID: parent.ID, Action: "expand_applied",
			Metadata: map[string]any{"child_count": len(childIDs)},
		})
		return err
	})
}

// rewireDependents finds every task in parent's pipeline that previously
// depended on parent and rewrites its depends_on to the expansion's
// terminal child ids.
func (h *Handler) rewireDependents(ctx context.Context, tx *sqlx.Tx, parent model.Task, terminal []string) error {
	if parent.PipelineID == nil {
		return nil
	}
	candidates, err := h.store.ListInTx(ctx, tx, model.ListFilter{PipelineID: parent.PipelineID})
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if !containsStr(c.DependsOn, parent.ID) {
			continue
		}
		newDeps := make([]string, 0, len(c.DependsOn)-1+len(terminal))
		for _, d := range c.DependsOn {
			if d != parent.ID {
				newDeps = append(newDeps, d)
			}
		}
		newDeps = append(newDeps, terminal...)
		if err := h.store.UpdateDependsOnInTx(ctx, tx, c.ID, newDeps); err != nil {
			return fmt.Errorf("rewire dependent %q: %w", c.ID, err)
		}
	}
	return nil
}

func parseExpandEntries(raw string) ([]expandEntry, error) {
	var arr []expandEntry
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr, nil
	}
	var wrapped struct {
		Tasks []expandEntry `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && wrapped.Tasks != nil {
		return wrapped.Tasks, nil
	}
	return nil, fmt.Errorf("result is neither a JSON array nor {tasks:[...]}")
}

func containsStr(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// reviewDecision is the parsed shape of a review child's output.
type reviewDecision struct {
	Approved  bool                  `json:"approved"`
	Reasoning string                `json:"reasoning,omitempty"`
	Feedback  *model.FeedbackEntry  `json:"feedback,omitempty"`
}

func (h *Handler) spawnReviewChildren(ctx context.Context, parent model.Task) error {
	existing, err := h.store.List(ctx, model.ListFilter{}, 0, 0)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.ParentTaskID != nil && *t.ParentTaskID == parent.ID && t.Type == "review" {
			return nil // already spawned
		}
	}

	return h.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, reviewer := range parent.AutoReview.Reviewers {
			backend := reviewer.Backend
			if reviewer.Model != "" {
				backend = reviewer.Backend + "/" + reviewer.Model
			}
			child, err := h.store.CreateInTx(ctx, tx, model.CreateTaskInput{
				Type:         "review",
				Summary:      "review: " + parent.Summary,
				Prompt:       renderReviewPrompt(parent),
				Backend:      backend,
				PipelineID:   parent.PipelineID,
				ParentTaskID: &parent.ID,
				Metadata:     model.Metadata{"reviewer_index": i},
			})
			if err != nil {
				return fmt.Errorf("create reviewer %d: %w", i, err)
			}
			if _, err := audit.LogActionTx(ctx, tx, model.LogActionInput{
				TaskID: child.ID, Action: "review_child_spawned",
				Metadata: map[string]any{"parent_task_id": parent.ID, "reviewer_index": i},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func renderReviewPrompt(parent model.Task) string {
	result := ""
	if parent.Result != nil {
		result = *parent.Result
	}
	r := strings.NewReplacer(
		"{{summary}}", parent.Summary,
		"{{prompt}}", parent.Prompt,
		"{{result}}", result,
		"{{acceptance_criteria}}", strings.Join(parent.AcceptanceCriteria, "\n"),
		"{{definition_of_done}}", strings.Join(parent.DefinitionOfDone, "\n"),
	)
	return r.Replace(`Review the following task output and decide whether it should be approved.

Summary: {{summary}}
Prompt: {{prompt}}
Acceptance criteria:
{{acceptance_criteria}}
Definition of done:
{{definition_of_done}}

Output:
{{result}}

Respond with JSON: {"approved": bool, "reasoning": string, "feedback": {"what","where","fix"}}`)
}

// onReviewChildResult handles one reviewer child entering REVIEW: it
// parses the child's decision, transitions the child to DONE, and — once
// enough siblings have reported — applies the parent's configured
// strategy.
func (h *Handler) onReviewChildResult(ctx context.Context, child model.Task) error {
	parent, err := h.store.Get(ctx, *child.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.AutoReview == nil {
		return nil
	}

	decision := parseReviewDecision(child.Result)

	if _, err := h.store.Transition(ctx, child.ID, model.StatusDone, statemachine.TransitionContext{}); err != nil {
		return fmt.Errorf("close review child %q: %w", child.ID, err)
	}

	siblings, err := h.store.List(ctx, model.ListFilter{}, 0, 0)
	if err != nil {
		return err
	}
	var reported []reviewOutcome
	mergeSeen := false
	for _, s := range siblings {
		if s.ParentTaskID == nil || *s.ParentTaskID != parent.ID || s.Type != "review" {
			continue
		}
		if s.ID == child.ID {
			reported = append(reported, reviewOutcome{task: s, decision: decision, done: true})
			if s.Metadata.IsMerge() {
				mergeSeen = true
			}
			continue
		}
		if s.Status != model.StatusDone {
			continue
		}
		reported = append(reported, reviewOutcome{task: s, decision: parseReviewDecision(s.Result), done: true})
		if s.Metadata.IsMerge() {
			mergeSeen = true
		}
	}

	strategy := parent.AutoReview.Strategy
	switch strategy {
	case "all_must_approve":
		return h.resolveAllMustApprove(ctx, parent, reported)
	case "any_approve":
		return h.resolveAnyApprove(ctx, parent, reported)
	case "merge_then_decide":
		return h.resolveMergeThenDecide(ctx, parent, reported, mergeSeen)
	default:
		return model.NewValidationError("unknown auto_review strategy " + strategy)
	}
}

type reviewOutcome struct {
	task     model.Task
	decision reviewDecision
	done     bool
}

func nonMergeCount(parent model.Task) int {
	return len(parent.AutoReview.Reviewers)
}

func (h *Handler) resolveAllMustApprove(ctx context.Context, parent model.Task, reported []reviewOutcome) error {
	if len(reported) < nonMergeCount(parent) {
		return nil // still waiting on siblings
	}
	for _, r := range reported {
		if !r.decision.Approved {
			return h.bounceOrApprove(ctx, parent, false, r.decision)
		}
	}
	return h.bounceOrApprove(ctx, parent, true, reviewDecision{})
}

func (h *Handler) resolveAnyApprove(ctx context.Context, parent model.Task, reported []reviewOutcome) error {
	for _, r := range reported {
		if r.decision.Approved {
			return h.bounceOrApprove(ctx, parent, true, reviewDecision{})
		}
	}
	if len(reported) < nonMergeCount(parent) {
		return nil
	}
	return h.bounceOrApprove(ctx, parent, false, reported[0].decision)
}

func (h *Handler) resolveMergeThenDecide(ctx context.Context, parent model.Task, reported []reviewOutcome, mergeSeen bool) error {
	if mergeSeen {
		for _, r := range reported {
			if r.task.Metadata.IsMerge() {
				return h.bounceOrApprove(ctx, parent, r.decision.Approved, r.decision)
			}
		}
		return nil
	}
	if len(reported) < nonMergeCount(parent) {
		return nil
	}
	backend := parent.AutoReview.MergeBackend
	if backend == "" && len(parent.AutoReview.Reviewers) > 0 {
		backend = parent.AutoReview.Reviewers[0].Backend
	}
	return h.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		mergeChild, err := h.store.CreateInTx(ctx, tx, model.CreateTaskInput{
			Type:         "review",
			Summary:      "merge review: " + parent.Summary,
			Prompt:       renderReviewPrompt(parent),
			Backend:      backend,
			PipelineID:   parent.PipelineID,
			ParentTaskID: &parent.ID,
			Metadata:     model.Metadata{"is_merge": true},
		})
		if err != nil {
			return err
		}
		_, err = audit.LogActionTx(ctx, tx, model.LogActionInput{
			TaskID: mergeChild.ID, Action: "merge_review_spawned",
			Metadata: map[string]any{"parent_task_id": parent.ID},
		})
		return err
	})
}

func (h *Handler) bounceOrApprove(ctx context.Context, parent model.Task, approve bool, decision reviewDecision) error {
	if approve {
		_, err := h.store.Transition(ctx, parent.ID, model.StatusDone, statemachine.TransitionContext{})
		return err
	}
	fb := decision.Feedback
	if fb == nil {
		fb = &model.FeedbackEntry{What: "auto-review rejected", Where: parent.Summary, Fix: decision.Reasoning}
	}
	_, err := h.store.Transition(ctx, parent.ID, model.StatusPending, statemachine.TransitionContext{
		Feedback: fb, IncrementLoopIteration: true,
	})
	return err
}

func parseReviewDecision(result *string) reviewDecision {
	if result == nil {
		return reviewDecision{Approved: false}
	}
	raw := *result
	if block := extractFencedJSON(raw); block != "" {
		raw = block
	}
	var d reviewDecision
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		return d
	}
	lower := strings.ToLower(*result)
	if strings.Contains(lower, "approved") || strings.Contains(lower, "lgtm") || strings.Contains(lower, "looks good") {
		return reviewDecision{Approved: true, Reasoning: "heuristic match"}
	}
	return reviewDecision{Approved: false, Reasoning: "could not parse review output"}
}

func extractFencedJSON(s string) string {
	const fence = "```"
	start := strings.Index(s, fence)
	if start == -1 {
		return ""
	}
	rest := s[start+len(fence):]
	rest = strings.TrimPrefix(rest, "json")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, fence)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
