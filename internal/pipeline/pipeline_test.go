package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/statemachine"
	"github.com/openskelo/openskelo/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func linearNodes() []Node {
	return []Node{
		{Key: "design", Type: "research", Summary: "design", Prompt: "design it", Backend: "noop"},
		{Key: "build", Type: "code", Summary: "build", Prompt: "build it", Backend: "noop", DependsOn: []string{"design"}},
		{Key: "review", Type: "review", Summary: "review", Prompt: "review it", Backend: "noop", DependsOn: []string{"build"}},
	}
}

func TestCreateAssignsTopologicalSteps(t *testing.T) {
	s := newTestStore(t)
	p := New(s)
	pipelineID, tasks, err := p.Create(context.Background(), CreateDagPipelineInput{Nodes: linearNodes()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pipelineID == "" {
		t.Fatal("expected a pipeline id")
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	byType := map[string]model.Task{}
	for _, task := range tasks {
		byType[task.Type] = task
	}
	if *byType["research"].PipelineStep != 0 {
		t.Fatalf("research step = %d, want 0", *byType["research"].PipelineStep)
	}
	if *byType["code"].PipelineStep != 1 {
		t.Fatalf("code step = %d, want 1", *byType["code"].PipelineStep)
	}
	if *byType["review"].PipelineStep != 2 {
		t.Fatalf("review step = %d, want 2", *byType["review"].PipelineStep)
	}
}

func TestCreateRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	p := New(s)
	nodes := []Node{
		{Key: "a", Type: "code", Summary: "a", Prompt: "a", Backend: "noop", DependsOn: []string{"b"}},
		{Key: "b", Type: "code", Summary: "b", Prompt: "b", Backend: "noop", DependsOn: []string{"a"}},
	}
	_, _, err := p.Create(context.Background(), CreateDagPipelineInput{Nodes: nodes})
	if _, ok := err.(*model.ValidationError); !ok {
		t.Fatalf("expected *model.ValidationError for cycle, got %T: %v", err, err)
	}
}

func TestCreateRejectsMissingRoot(t *testing.T) {
	s := newTestStore(t)
	p := New(s)
	nodes := []Node{
		{Key: "a", Type: "code", Summary: "a", Prompt: "a", Backend: "noop", DependsOn: []string{"b"}},
		{Key: "b", Type: "code", Summary: "b", Prompt: "b", Backend: "noop", DependsOn: []string{"a"}},
	}
	_, _, err := p.Create(context.Background(), CreateDagPipelineInput{Nodes: nodes})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	p := New(s)
	nodes := []Node{
		{Key: "a", Type: "code", Summary: "a", Prompt: "a", Backend: "noop", DependsOn: []string{"ghost"}},
	}
	_, _, err := p.Create(context.Background(), CreateDagPipelineInput{Nodes: nodes})
	if _, ok := err.(*model.ValidationError); !ok {
		t.Fatalf("expected *model.ValidationError, got %T: %v", err, err)
	}
}

func TestAreDependenciesMet(t *testing.T) {
	s := newTestStore(t)
	p := New(s)
	_, tasks, err := p.Create(context.Background(), CreateDagPipelineInput{Nodes: linearNodes()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var design, build model.Task
	for _, task := range tasks {
		switch task.Type {
		case "research":
			design = task
		case "code":
			build = task
		}
	}

	met, err := p.AreDependenciesMet(context.Background(), build)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if met {
		t.Fatal("expected dependency unmet while design is still PENDING")
	}

	owner := "worker-1"
	expires := time.Now().Add(time.Minute)
	design, err = s.Transition(context.Background(), design.ID, model.StatusInProgress, statemachine.TransitionContext{
		LeaseOwner: &owner, LeaseExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := "design complete"
	design, err = s.Transition(context.Background(), design.ID, model.StatusReview, statemachine.TransitionContext{Result: &result})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Transition(context.Background(), design.ID, model.StatusDone, statemachine.TransitionContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	met, err = p.AreDependenciesMet(context.Background(), build)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !met {
		t.Fatal("expected dependency met once design reaches DONE")
	}
}

func TestListByPipelineOrdersBySteps(t *testing.T) {
	s := newTestStore(t)
	p := New(s)
	pipelineID, _, err := p.Create(context.Background(), CreateDagPipelineInput{Nodes: linearNodes()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tasks, err := p.ListByPipeline(context.Background(), pipelineID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if *tasks[i-1].PipelineStep > *tasks[i].PipelineStep {
			t.Fatalf("tasks not ordered by pipeline_step: %+v", tasks)
		}
	}
}

func TestResolveUpstreamPathQueriesNestedValue(t *testing.T) {
	upstream := map[string]any{
		"review-1": map[string]any{
			"reviewers": []any{
				map[string]any{"name": "alice", "score": 4},
				map[string]any{"name": "bob", "score": 5},
			},
		},
	}
	got, err := ResolveUpstreamPath(upstream, "review-1", "$.reviewers[1].name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "bob" {
		t.Fatalf("ResolveUpstreamPath = %v, want %q", got, "bob")
	}
}

func TestResolveUpstreamPathErrorsOnUnknownDependency(t *testing.T) {
	if _, err := ResolveUpstreamPath(map[string]any{}, "missing", "$.field"); err == nil {
		t.Fatal("expected an error for an unknown dependency id")
	}
}
