package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openskelo/openskelo/internal/dispatcher"
)

func TestExecutePostsPromptAndParsesJSONResponse(t *testing.T) {
	var gotBody requestBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if r.Header.Get("X-Task-ID") != "task-1" {
			t.Errorf("X-Task-ID header = %q, want %q", r.Header.Get("X-Task-ID"), "task-1")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"review":"looks good"}`))
	}))
	defer server.Close()

	a := New("http-reviewer", server.URL, map[string]string{"Authorization": "Bearer secret"}, []string{"review"})
	result, err := a.Execute(context.Background(), dispatcher.TaskInput{
		ID: "task-1", Type: "review", Summary: "review it", Prompt: "please review",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody.TaskID != "task-1" || gotBody.Prompt != "please review" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Structured["review"] != "looks good" {
		t.Fatalf("structured[\"review\"] = %v, want %q", result.Structured["review"], "looks good")
	}
}

func TestExecuteResolvesUpstreamResultTemplate(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotPrompt = body.Prompt
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New("http-builder", server.URL, nil, []string{"code"})
	_, err := a.Execute(context.Background(), dispatcher.TaskInput{
		ID: "task-2", Type: "code", Prompt: "build on top of {{design-1.summary}}",
		UpstreamResults: map[string]any{"design-1": map[string]any{"summary": "the auth design"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPrompt != "build on top of the auth design" {
		t.Fatalf("prompt = %q, want template resolved against upstream results", gotPrompt)
	}
}

func TestExecuteResolvesNestedJSONPathTemplate(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotPrompt = body.Prompt
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New("http-builder", server.URL, nil, []string{"code"})
	_, err := a.Execute(context.Background(), dispatcher.TaskInput{
		ID: "task-4", Type: "code", Prompt: "top reviewer: {{review-1:$.reviewers[0].name}}",
		UpstreamResults: map[string]any{
			"review-1": map[string]any{
				"reviewers": []any{map[string]any{"name": "alice"}, map[string]any{"name": "bob"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPrompt != "top reviewer: alice" {
		t.Fatalf("prompt = %q, want JSONPath-resolved nested value", gotPrompt)
	}
}

func TestExecuteReturnsErrorOnHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	a := New("flaky", server.URL, nil, []string{"code"})
	result, err := a.Execute(context.Background(), dispatcher.TaskInput{ID: "task-3", Type: "code"})
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if result.ExitCode != http.StatusInternalServerError {
		t.Fatalf("exit code = %d, want 500", result.ExitCode)
	}
}

func TestAbortIsNoop(t *testing.T) {
	a := New("http-reviewer", "http://example.invalid", nil, []string{"review"})
	if err := a.Abort(context.Background(), "task-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
