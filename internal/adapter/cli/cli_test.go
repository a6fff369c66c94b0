package cli

import (
	"context"
	"testing"
	"time"

	"github.com/openskelo/openskelo/internal/dispatcher"
)

func TestNameTaskTypesAndCanHandle(t *testing.T) {
	a := New("local-cat", "cat", nil, []string{"code", "research"})
	if a.Name() != "local-cat" {
		t.Fatalf("Name() = %q, want %q", a.Name(), "local-cat")
	}
	if !a.CanHandle("code") || !a.CanHandle("research") {
		t.Fatal("expected CanHandle to accept configured task types")
	}
	if a.CanHandle("design") {
		t.Fatal("expected CanHandle to reject an unconfigured task type")
	}
}

func TestExecuteCapturesStdoutAsStructuredResult(t *testing.T) {
	a := New("local-cat", "cat", nil, []string{"code"})
	result, err := a.Execute(context.Background(), dispatcher.TaskInput{ID: "task-1", Type: "code", Summary: "echo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Structured == nil {
		t.Fatal("expected stdout (the marshaled TaskInput echoed by cat) to parse as structured JSON")
	}
	if result.Structured["id"] != "task-1" {
		t.Fatalf("structured[\"id\"] = %v, want %q", result.Structured["id"], "task-1")
	}
}

func TestExecuteReturnsErrorOnNonZeroExit(t *testing.T) {
	a := New("failing", "false", nil, []string{"code"})
	_, err := a.Execute(context.Background(), dispatcher.TaskInput{ID: "task-1", Type: "code"})
	if err == nil {
		t.Fatal("expected an error from a command that exits non-zero")
	}
}

func TestExecuteTerminatesOnContextCancellation(t *testing.T) {
	a := New("sleeper", "sleep", []string{"5"}, []string{"code"})
	a.killGrace = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := a.Execute(ctx, dispatcher.TaskInput{ID: "task-1", Type: "code"})
	if err == nil {
		t.Fatal("expected an error from a cancelled execution")
	}
	if result.ExitCode != 124 {
		t.Fatalf("exit code = %d, want 124 (cancelled)", result.ExitCode)
	}
}

func TestAbortOnUntrackedTaskIsNoop(t *testing.T) {
	a := New("local-cat", "cat", nil, []string{"code"})
	if err := a.Abort(context.Background(), "never-started"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestAbortOfRunningTaskDoesNotRace exercises Abort concurrently with
// Execute's own cmd.Wait goroutine. Before terminate shared Execute's done
// channel instead of calling cmd.Process.Wait() a second time, this could
// surface as a spurious "wait: no child processes" error for the loser of
// the race; here both paths observe the same exit and Execute still returns
// an error for the terminated process.
func TestAbortOfRunningTaskDoesNotRace(t *testing.T) {
	a := New("sleeper", "sleep", []string{"5"}, []string{"code"})
	a.killGrace = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := a.Execute(context.Background(), dispatcher.TaskInput{ID: "task-1", Type: "code"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := a.Abort(context.Background(), "task-1"); err != nil {
		t.Fatalf("unexpected error from Abort: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Execute to report an error once its process was aborted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute never returned after Abort")
	}
}
