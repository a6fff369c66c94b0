package store

import (
	"context"
	"testing"

	"github.com/openskelo/openskelo/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAppliesDefaults(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "do thing", Prompt: "do the thing", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != model.StatusPending {
		t.Fatalf("status = %s, want PENDING", task.Status)
	}
	if task.MaxAttempts != 5 {
		t.Fatalf("max_attempts = %d, want default 5", task.MaxAttempts)
	}
	if task.MaxBounces != 3 {
		t.Fatalf("max_bounces = %d, want default 3", task.MaxBounces)
	}
	if task.ID == "" {
		t.Fatal("expected a generated id")
	}
}

func TestCreateRejectsMissingRequiredFields(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), model.CreateTaskInput{Type: "code"})
	if err == nil {
		t.Fatal("expected an error for missing summary/prompt/backend")
	}
	if _, ok := err.(*model.ValidationError); !ok {
		t.Fatalf("err = %T, want *model.ValidationError", err)
	}
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "s", Prompt: "p", Backend: "claude", DependsOn: []string{"does-not-exist"},
	})
	if err == nil {
		t.Fatal("expected an error for a dependency that does not exist")
	}
}

func TestCreateAcceptsDuplicateDependencyIDs(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "a", Prompt: "a", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "b", Prompt: "b", Backend: "claude", DependsOn: []string{a.ID},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "c", Prompt: "c", Backend: "claude", DependsOn: []string{a.ID, a.ID},
	}); err != nil {
		t.Fatalf("duplicate deps on an existing task should not error: %v", err)
	}
}

func TestGetReturnsNotFoundForUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected a not-found error")
	}
	if _, ok := err.(*model.NotFoundError); !ok {
		t.Fatalf("err = %T, want *model.NotFoundError", err)
	}
}

func TestUpdateAppliesAllowedFieldsOnly(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "orig", Prompt: "orig", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	newPriority := 9
	newSummary := "revised"
	updated, err := s.Update(context.Background(), task.ID, model.UpdatePartial{
		Priority: &newPriority, Summary: &newSummary,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Priority != 9 || updated.Summary != "revised" {
		t.Fatalf("update did not apply: %+v", updated)
	}
	if updated.Status != model.StatusPending {
		t.Fatalf("status changed via Update: %s", updated.Status)
	}
}

func TestListFiltersByStatusTypeAndPipeline(t *testing.T) {
	s := newTestStore(t)
	pipelineID := "pipeline-1"
	if _, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "a", Prompt: "a", Backend: "claude", PipelineID: &pipelineID,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "research", Summary: "b", Prompt: "b", Backend: "claude",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	codeType := "code"
	byType, err := s.List(context.Background(), model.ListFilter{Type: &codeType}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("len(byType) = %d, want 1", len(byType))
	}

	byPipeline, err := s.List(context.Background(), model.ListFilter{PipelineID: &pipelineID}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byPipeline) != 1 {
		t.Fatalf("len(byPipeline) = %d, want 1", len(byPipeline))
	}

	pending := model.StatusPending
	byStatus, err := s.List(context.Background(), model.ListFilter{Status: &pending}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byStatus) != 2 {
		t.Fatalf("len(byStatus) = %d, want 2", len(byStatus))
	}
}

func TestCountMatchesListLength(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Create(context.Background(), model.CreateTaskInput{
			Type: "code", Summary: "t", Prompt: "t", Backend: "claude",
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	n, err := s.Count(context.Background(), model.ListFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestStatusCountsInitializesEveryStatus(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "t", Prompt: "t", Backend: "claude",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts, err := s.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[model.StatusPending] != 1 {
		t.Fatalf("pending count = %d, want 1", counts[model.StatusPending])
	}
	if counts[model.StatusDone] != 0 {
		t.Fatalf("done count = %d, want 0", counts[model.StatusDone])
	}
}

func TestDetectCycleFindsIndirectCycle(t *testing.T) {
	graph := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}
	_, found := detectCycle(graph)
	if !found {
		t.Fatal("expected a cycle to be detected")
	}
}

func TestDetectCycleAcceptsDag(t *testing.T) {
	graph := map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"a", "b"},
	}
	if _, found := detectCycle(graph); found {
		t.Fatal("expected no cycle in a valid DAG")
	}
}
