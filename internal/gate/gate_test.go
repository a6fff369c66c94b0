package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/openskelo/openskelo/internal/model"
)

func TestEvalRegexPassAndInvert(t *testing.T) {
	spec := model.GateSpec{Type: "regex", Pattern: `^func `}
	r := Evaluate(context.Background(), spec, "func main() {}")
	if !r.Passed {
		t.Fatalf("expected pass, got reason %q", r.Reason)
	}

	invSpec := model.GateSpec{Type: "regex", Pattern: `TODO`, Invert: true}
	r = Evaluate(context.Background(), invSpec, "no markers here")
	if !r.Passed {
		t.Fatalf("expected inverted pass, got reason %q", r.Reason)
	}
	r = Evaluate(context.Background(), invSpec, "// TODO: fix this")
	if r.Passed {
		t.Fatal("expected inverted fail when pattern matches")
	}
}

func TestEvalWordCountBounds(t *testing.T) {
	min, max := 2, 4
	spec := model.GateSpec{Type: "word_count", Min: &min, Max: &max}
	if Evaluate(context.Background(), spec, "one").Passed {
		t.Fatal("expected fail below minimum")
	}
	if !Evaluate(context.Background(), spec, "one two three").Passed {
		t.Fatal("expected pass within bounds")
	}
	if Evaluate(context.Background(), spec, "one two three four five").Passed {
		t.Fatal("expected fail above maximum")
	}
}

func TestEvalJSONSchema(t *testing.T) {
	spec := model.GateSpec{Type: "json_schema", Schema: map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}}
	if !Evaluate(context.Background(), spec, map[string]any{"name": "ok"}).Passed {
		t.Fatal("expected pass for schema-conforming data")
	}
	if Evaluate(context.Background(), spec, map[string]any{}).Passed {
		t.Fatal("expected fail for missing required field")
	}
}

func TestEvalExpression(t *testing.T) {
	spec := model.GateSpec{Type: "expression", Expr: "length(data) > 3"}
	if !Evaluate(context.Background(), spec, "hello").Passed {
		t.Fatal("expected pass for length > 3")
	}
	if Evaluate(context.Background(), spec, "hi").Passed {
		t.Fatal("expected fail for length <= 3")
	}
}

func TestEvalExpressionBlocksForbiddenTokens(t *testing.T) {
	spec := model.GateSpec{Type: "expression", Expr: "process.exit(1) == 1"}
	r := Evaluate(context.Background(), spec, "x")
	if r.Passed {
		t.Fatal("expected forbidden token to be blocked")
	}
}

func TestEvalCustomRegisteredAndMissing(t *testing.T) {
	RegisterCustom("always_pass", func(ctx context.Context, data any) (model.GateResult, error) {
		return model.GateResult{Passed: true}, nil
	})
	spec := model.GateSpec{Type: "custom", Fn: "always_pass"}
	if !Evaluate(context.Background(), spec, "x").Passed {
		t.Fatal("expected custom gate to pass")
	}

	missing := model.GateSpec{Type: "custom", Fn: "no_such_gate"}
	if Evaluate(context.Background(), missing, "x").Passed {
		t.Fatal("expected fail for unregistered custom gate")
	}
}

func TestEvalCustomRecoversPanic(t *testing.T) {
	RegisterCustom("panics", func(ctx context.Context, data any) (model.GateResult, error) {
		panic("boom")
	})
	r := Evaluate(context.Background(), model.GateSpec{Type: "custom", Fn: "panics"}, "x")
	if r.Passed {
		t.Fatal("expected panic to become a failed gate result")
	}
}

func TestEvaluateAllShortCircuits(t *testing.T) {
	specs := []model.GateSpec{
		{Type: "word_count", Min: intPtr(100)},
		{Type: "regex", Pattern: "."},
	}
	results := EvaluateAll(context.Background(), specs, "short text")
	if len(results) != 1 {
		t.Fatalf("expected short-circuit after first failure, got %d results", len(results))
	}
	if AllPassed(results) {
		t.Fatal("expected AllPassed false")
	}
}

func TestGatedRetriesWithFeedbackThenPasses(t *testing.T) {
	attempts := 0
	producer := func(ctx context.Context, attempt int, feedback string) (string, error) {
		attempts++
		if attempt < 2 {
			return "short", nil
		}
		return "this is long enough", nil
	}
	min := 3
	out, _, history, err := Gated(context.Background(), producer, Options{
		Extract: ExtractText,
		Gates:   []model.GateSpec{{Type: "word_count", Min: &min}},
		Retry:   RetryConfig{Max: 3, Feedback: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if out != "this is long enough" {
		t.Fatalf("unexpected output %q", out)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2 (first failing, second passing)", len(history))
	}
	if history[0].Passed || !history[1].Passed {
		t.Fatalf("history = %+v, want [failing, passing]", history)
	}
}

func TestGatedExhaustionReturnsGateExhaustionError(t *testing.T) {
	producer := func(ctx context.Context, attempt int, feedback string) (string, error) {
		return "x", nil
	}
	min := 10
	_, _, _, err := Gated(context.Background(), producer, Options{
		Extract: ExtractText,
		Gates:   []model.GateSpec{{Type: "word_count", Min: &min}},
		Retry:   RetryConfig{Max: 2},
	})
	var exErr *model.GateExhaustionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected *model.GateExhaustionError, got %T: %v", err, err)
	}
	if len(exErr.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(exErr.History))
	}
}

func TestGatedProducerErrorCountsAsAttempt(t *testing.T) {
	calls := 0
	producer := func(ctx context.Context, attempt int, feedback string) (string, error) {
		calls++
		if attempt == 1 {
			return "", errors.New("transient failure")
		}
		return "ok", nil
	}
	_, _, history, err := Gated(context.Background(), producer, Options{
		Extract: ExtractText,
		Gates:   []model.GateSpec{{Type: "regex", Pattern: "ok"}},
		Retry:   RetryConfig{Max: 2, Feedback: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2 (one producer-error attempt, one passing)", len(history))
	}
}

func intPtr(n int) *int { return &n }
