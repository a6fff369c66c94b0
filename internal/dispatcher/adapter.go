// Package dispatcher implements the poll loop that claims eligible tasks,
// routes them to adapters, and finalizes their outcome (spec §4.6). Adapter
// implementations are external collaborators; this package only depends on
// the Adapter interface below.
package dispatcher

import "context"

// TaskInput is what an adapter receives to execute one task.
type TaskInput struct {
	ID                 string
	Type               string
	Summary            string
	Prompt             string
	Backend            string
	BackendConfig      map[string]any
	AcceptanceCriteria []string
	DefinitionOfDone   []string
	UpstreamResults    map[string]any
}

// AdapterResult is what an adapter returns on successful execution.
type AdapterResult struct {
	Output     string
	ExitCode   int
	DurationMs int64
	Structured map[string]any
}

// Adapter is the external collaborator contract the dispatcher routes
// claimed tasks to. The dispatcher never inspects an adapter's internals —
// only its declared name, task types, and the three methods below.
type Adapter interface {
	Name() string
	TaskTypes() []string
	CanHandle(taskType string) bool
	Execute(ctx context.Context, in TaskInput) (AdapterResult, error)
	Abort(ctx context.Context, taskID string) error
}
