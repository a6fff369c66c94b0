package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/openskelo/openskelo/internal/expansion"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/queue"
	"github.com/openskelo/openskelo/internal/store"
	"go.opentelemetry.io/otel"
	"go.uber.org/goleak"
)

type fakeAdapter struct {
	name      string
	taskTypes []string
	execute   func(ctx context.Context, in TaskInput) (AdapterResult, error)
}

func (a *fakeAdapter) Name() string           { return a.name }
func (a *fakeAdapter) TaskTypes() []string    { return a.taskTypes }
func (a *fakeAdapter) CanHandle(t string) bool {
	for _, tt := range a.taskTypes {
		if tt == t {
			return true
		}
	}
	return false
}
func (a *fakeAdapter) Execute(ctx context.Context, in TaskInput) (AdapterResult, error) {
	return a.execute(ctx, in)
}
func (a *fakeAdapter) Abort(ctx context.Context, taskID string) error { return nil }

func newTestHarness(t *testing.T, adapters []Adapter, cfg Config) (*Dispatcher, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	q := queue.New(s)
	p := pipeline.New(s)
	exp := expansion.New(s)
	meter := otel.GetMeterProvider().Meter("openskelo-test")
	return New(s, q, p, exp, adapters, cfg, slog.Default(), meter), s
}

func waitForStatus(t *testing.T, s *store.Store, taskID string, want model.Status, timeout time.Duration) model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last model.Task
	for time.Now().Before(deadline) {
		got, err := s.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = got
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %q never reached status %s, last seen %s", taskID, want, last.Status)
	return last
}

func TestTickClaimsAndExecutesEligibleTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	executed := make(chan struct{}, 1)
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			executed <- struct{}{}
			return AdapterResult{Output: "done", ExitCode: 0}, nil
		},
	}
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 5},
	})

	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter was never invoked")
	}

	waitForStatus(t, s, task.ID, model.StatusReview, 2*time.Second)
	time.Sleep(50 * time.Millisecond) // let launch's heartbeat goroutine observe the done channel before goleak checks
}

func TestTickSkipsTaskWhenWIPExhausted(t *testing.T) {
	called := false
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			called = true
			return AdapterResult{Output: "done"}, nil
		},
	}
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 0},
	})
	if _, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if called {
		t.Fatal("adapter executed despite zero WIP headroom")
	}
}

func TestTickSkipsTaskWithUnmetDependency(t *testing.T) {
	called := false
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			called = true
			return AdapterResult{Output: "done"}, nil
		},
	}
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 5},
	})
	dep, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "design", Summary: "design", Prompt: "design it", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
		DependsOn: []string{dep.ID},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if called {
		t.Fatal("adapter executed a task whose dependency was not yet DONE")
	}
}

func TestFinalizeSuccessBouncesTaskOnFailingGate(t *testing.T) {
	defer goleak.VerifyNone(t)
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			return AdapterResult{Output: "too short"}, nil
		},
	}
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 5},
	})
	min := 10
	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
		Gates: []model.GateSpec{{Type: "word_count", Min: &min}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitForStatus(t, s, task.ID, model.StatusPending, 2*time.Second)
	if got.BounceCount != 1 {
		t.Fatalf("bounce_count = %d, want 1", got.BounceCount)
	}
	if len(got.FeedbackHistory) != 1 || got.FeedbackHistory[0].What != "gate failed" {
		t.Fatalf("feedback_history = %+v, want one gate-failure entry", got.FeedbackHistory)
	}
	if got.LoopIteration != 0 {
		t.Fatalf("loop_iteration = %d, want 0 (gate bounces don't touch the auto-review counter)", got.LoopIteration)
	}
	time.Sleep(50 * time.Millisecond) // let launch's heartbeat goroutine observe the done channel before goleak checks
}

func TestFinalizeSuccessAdvancesToReviewOnPassingGate(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			return AdapterResult{Output: "this result has plenty of words in it"}, nil
		},
	}
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 5},
	})
	min := 3
	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
		Gates: []model.GateSpec{{Type: "word_count", Min: &min}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForStatus(t, s, task.ID, model.StatusReview, 2*time.Second)
}

func TestFinalizeSuccessUsesConfigDefaultGatesWhenTaskHasNone(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			return AdapterResult{Output: "short"}, nil
		},
	}
	min := 10
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 5},
		Gates:     map[string][]model.GateSpec{"code": {{Type: "word_count", Min: &min}}},
	})
	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitForStatus(t, s, task.ID, model.StatusPending, 2*time.Second)
	if got.BounceCount != 1 {
		t.Fatalf("bounce_count = %d, want 1 (config default gate should still apply)", got.BounceCount)
	}
}

func TestFinalizeFailureReleasesTaskToPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	adapter := &fakeAdapter{
		name:      "claude",
		taskTypes: []string{"code"},
		execute: func(ctx context.Context, in TaskInput) (AdapterResult, error) {
			return AdapterResult{}, fmt.Errorf("adapter exploded")
		},
	}
	d, s := newTestHarness(t, []Adapter{adapter}, Config{
		PollInterval: time.Hour, LeaseTTL: time.Minute, HeartbeatInterval: time.Hour,
		WIPLimits: map[string]int{"default": 5},
	})
	task, err := s.Create(context.Background(), model.CreateTaskInput{
		Type: "code", Summary: "implement", Prompt: "implement it", Backend: "claude",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitForStatus(t, s, task.ID, model.StatusPending, 5*time.Second)
	if got.LastError == nil {
		t.Fatal("expected last_error to be recorded on a failed execution")
	}
	time.Sleep(50 * time.Millisecond) // let launch's heartbeat goroutine observe the done channel before goleak checks
}
