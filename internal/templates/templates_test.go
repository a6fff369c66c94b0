package templates

import (
	"context"
	"testing"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/store"
)

func newTestHarness(t *testing.T) (*Templates, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	p := pipeline.New(s)
	return New(s, p), s
}

func TestInstantiateTaskSubstitutesVars(t *testing.T) {
	tpl, s := newTestHarness(t)
	def := map[string]any{
		"type":    "code",
		"summary": "fix {{component}}",
		"prompt":  "fix the {{component}} bug, severity {{severity:-low}}",
		"backend": "claude",
	}
	task, err := tpl.Instantiate(context.Background(), model.Template{
		TemplateType: model.TemplateTypeTask,
		Definition:   def,
	}, map[string]any{"component": "parser"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Task == nil {
		t.Fatal("expected a created task")
	}
	if task.Task.Summary != "fix parser" {
		t.Fatalf("summary = %q, want %q", task.Task.Summary, "fix parser")
	}
	if task.Task.Prompt != "fix the parser bug, severity low" {
		t.Fatalf("prompt = %q, want default-substituted severity", task.Task.Prompt)
	}

	got, err := s.Get(context.Background(), task.Task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != task.Task.ID {
		t.Fatalf("task was not persisted: %v", got)
	}
}

func TestInstantiatePipelineBuildsDag(t *testing.T) {
	tpl, _ := newTestHarness(t)
	def := map[string]any{
		"tasks": []map[string]any{
			{"key": "design", "type": "design", "summary": "design {{feature}}", "prompt": "design it", "backend": "claude"},
			{"key": "build", "type": "code", "summary": "build {{feature}}", "prompt": "build it", "backend": "claude", "depends_on": []string{"design"}},
		},
	}
	result, err := tpl.Instantiate(context.Background(), model.Template{
		TemplateType: model.TemplateTypePipeline,
		Definition:   def,
	}, map[string]any{"feature": "auth"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PipelineID == "" {
		t.Fatal("expected a pipeline id")
	}
	if len(result.Tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(result.Tasks))
	}
}

func TestInstantiateRejectsInvalidTaskDefinition(t *testing.T) {
	tpl, _ := newTestHarness(t)
	def := map[string]any{"type": 123}
	_, err := tpl.Instantiate(context.Background(), model.Template{
		TemplateType: model.TemplateTypeTask,
		Definition:   def,
	}, nil)
	if err == nil {
		t.Fatal("expected an error for a definition that does not unmarshal into CreateTaskInput")
	}
	if _, ok := err.(*model.ValidationError); !ok {
		t.Fatalf("err = %T, want *model.ValidationError", err)
	}
}

func TestInstantiateRejectsUnknownTemplateType(t *testing.T) {
	tpl, _ := newTestHarness(t)
	_, err := tpl.Instantiate(context.Background(), model.Template{
		TemplateType: "bogus",
		Definition:   map[string]any{},
	}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown template_type")
	}
}

func TestSubstituteLeavesUnmatchedVarsEmpty(t *testing.T) {
	out := substitute(`{"summary":"{{missing}}"}`, map[string]string{})
	if out != `{"summary":""}` {
		t.Fatalf("substitute output = %q, want empty string for unmatched var with no default", out)
	}
}
