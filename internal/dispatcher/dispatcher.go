package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/expansion"
	"github.com/openskelo/openskelo/internal/gate"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/queue"
	"github.com/openskelo/openskelo/internal/resilience"
	"github.com/openskelo/openskelo/internal/statemachine"
	"github.com/openskelo/openskelo/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config configures one Dispatcher (spec §4.6).
type Config struct {
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	WIPLimits         map[string]int // task type -> limit; "default" is the fallback
	// Gates holds the per-task-type default gate specs (spec §6.5
	// `gates.<type>[]`), applied to a task's result when it has none of its
	// own. A task's own Gates always take precedence.
	Gates   map[string][]model.GateSpec
	OnError func(error)
}

func (c Config) wipLimit(taskType string) int {
	if n, ok := c.WIPLimits[taskType]; ok {
		return n
	}
	if n, ok := c.WIPLimits["default"]; ok {
		return n
	}
	return 1
}

// Dispatcher runs the claim/execute/finalize loop over a fixed set of
// adapters. It interacts with the Store only; adapters, the queue, the
// pipeline readiness check, and the expansion/auto-review handler are its
// sole collaborators (spec §5 "schedulers interact with the Store only").
type Dispatcher struct {
	store     *store.Store
	queue     *queue.Queue
	pipeline  *pipeline.Pipeline
	expansion *expansion.Handler
	adapters  []Adapter
	cfg       Config
	log       *slog.Logger

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc // task id -> cancel

	breakers sync.Map // backend name -> *resilience.CircuitBreaker
	limiters sync.Map // backend name -> *resilience.RateLimiter

	tracer      trace.Tracer
	ticksTotal  metric.Int64Counter
	claimsTotal metric.Int64Counter
	queueDepth  metric.Int64Gauge
}

// New builds a Dispatcher over the given adapters, in the order they
// should be polled each tick.
func New(s *store.Store, q *queue.Queue, p *pipeline.Pipeline, exp *expansion.Handler, adapters []Adapter, cfg Config, log *slog.Logger, meter metric.Meter) *Dispatcher {
	ticksTotal, _ := meter.Int64Counter("openskelo_dispatcher_ticks_total")
	claimsTotal, _ := meter.Int64Counter("openskelo_dispatcher_claims_total")
	queueDepth, _ := meter.Int64Gauge("openskelo_dispatcher_queue_depth")
	return &Dispatcher{
		store: s, queue: q, pipeline: p, expansion: exp, adapters: adapters, cfg: cfg,
		log:         log,
		inFlight:    make(map[string]context.CancelFunc),
		tracer:      otel.Tracer("openskelo"),
		ticksTotal:  ticksTotal,
		claimsTotal: claimsTotal,
		queueDepth:  queueDepth,
	}
}

// Run polls every cfg.PollInterval until ctx is cancelled. Errors from a
// single tick are reported to cfg.OnError and never stop the loop (spec
// §4.6 "error isolation").
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.reportError(err)
			}
		}
	}
}

func (d *Dispatcher) reportError(err error) {
	d.log.Error("dispatcher tick failed", "error", err)
	if d.cfg.OnError != nil {
		d.cfg.OnError(err)
	}
}

// tick implements the algorithm of spec §4.6: for every adapter, in order,
// compute WIP headroom, find one eligible candidate, claim it atomically,
// and launch its execution without waiting for it to finish.
func (d *Dispatcher) tick(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.tick")
	defer span.End()
	d.ticksTotal.Add(ctx, 1)

	var claimedThisTick []string
	for _, a := range d.adapters {
		if !d.hasWIPHeadroom(ctx, a) {
			continue
		}
		task, err := d.findCandidate(ctx, a, claimedThisTick)
		if err != nil {
			return fmt.Errorf("find candidate for adapter %q: %w", a.Name(), err)
		}
		if task == nil {
			continue
		}

		leaseExpires := time.Now().Add(d.cfg.LeaseTTL)
		claimed, err := d.store.Transition(ctx, task.ID, model.StatusInProgress, statemachine.TransitionContext{
			LeaseOwner: strPtr(a.Name()), LeaseExpiresAt: &leaseExpires,
		})
		if err != nil {
			// Concurrent change raced us; move on to the next adapter.
			continue
		}
		claimedThisTick = append(claimedThisTick, claimed.ID)
		d.claimsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("adapter", a.Name())))

		if _, err := audit.LogActionTx(ctx, d.store.DB(), model.LogActionInput{
			TaskID: claimed.ID, Action: "dispatch",
			Metadata: map[string]any{"adapter": a.Name(), "lease_expires_at": leaseExpires},
		}); err != nil {
			d.log.Warn("dispatch audit failed", "task_id", claimed.ID, "error", err)
		}

		d.launch(ctx, a, claimed)
	}
	return nil
}

func (d *Dispatcher) hasWIPHeadroom(ctx context.Context, a Adapter) bool {
	for _, t := range a.TaskTypes() {
		tt := t
		count, err := d.store.Count(ctx, model.ListFilter{Status: statusPtr(model.StatusInProgress), Type: &tt})
		if err != nil {
			d.log.Warn("wip count failed", "adapter", a.Name(), "type", t, "error", err)
			return false
		}
		if count >= d.cfg.wipLimit(t) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) findCandidate(ctx context.Context, a Adapter, exclude []string) (*model.Task, error) {
	for _, t := range a.TaskTypes() {
		tt := t
		task, err := d.queue.GetNext(ctx, queue.GetNextOptions{Type: &tt, ExcludeIDs: exclude})
		if err != nil {
			return nil, err
		}
		if task == nil {
			continue
		}
		ready, err := d.pipeline.AreDependenciesMet(ctx, *task)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		if backendName(task.Backend) != a.Name() {
			continue
		}
		return task, nil
	}
	return nil, nil
}

// launch starts the claimed task's execution in its own goroutine, with a
// heartbeat timer renewing its lease, and registers a cancel func so
// Abort can cooperatively interrupt it.
func (d *Dispatcher) launch(parentCtx context.Context, a Adapter, task model.Task) {
	execCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.inFlight[task.ID] = cancel
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, task.ID)
			d.mu.Unlock()
			cancel()
		}()

		heartbeatDone := make(chan struct{})
		go d.heartbeatLoop(execCtx, task.ID, heartbeatDone)
		defer close(heartbeatDone)

		result, err := d.execute(execCtx, a, task)
		if err != nil {
			d.finalizeFailure(parentCtx, task.ID, err)
			return
		}
		d.finalizeSuccess(parentCtx, task.ID, result)
	}()
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, taskID string, done <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := time.Now().Add(d.cfg.LeaseTTL)
			nextPtr := &next
			if _, err := d.store.Update(ctx, taskID, model.UpdatePartial{LeaseExpiresAt: &nextPtr}); err != nil {
				d.log.Warn("heartbeat update failed", "task_id", taskID, "error", err)
				continue
			}
			if _, err := audit.LogActionTx(ctx, d.store.DB(), model.LogActionInput{
				TaskID: taskID, Action: "heartbeat", Metadata: map[string]any{"lease_expires_at": next},
			}); err != nil {
				d.log.Warn("heartbeat audit failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// execute resolves backend routing, wires the per-backend circuit breaker
// and rate limiter, and calls the adapter.
func (d *Dispatcher) execute(ctx context.Context, a Adapter, task model.Task) (AdapterResult, error) {
	name, model_ := splitBackend(task.Backend)
	cfg := map[string]any{}
	if task.BackendConfig != nil {
		cfg["command"] = task.BackendConfig.Command
		cfg["args"] = task.BackendConfig.Args
		cfg["cwd"] = task.BackendConfig.Cwd
		cfg["env"] = task.BackendConfig.Env
		cfg["timeout_ms"] = task.BackendConfig.TimeoutMs
		cfg["model"] = task.BackendConfig.Model
	}
	if model_ != "" {
		cfg["model"] = model_
	}

	upstream, err := d.pipeline.GetUpstreamResults(ctx, task)
	if err != nil {
		return AdapterResult{}, fmt.Errorf("collect upstream results: %w", err)
	}

	in := TaskInput{
		ID: task.ID, Type: task.Type, Summary: task.Summary, Prompt: task.Prompt,
		Backend: name, BackendConfig: cfg,
		AcceptanceCriteria: task.AcceptanceCriteria, DefinitionOfDone: task.DefinitionOfDone,
		UpstreamResults: upstream,
	}

	cb := d.breakerFor(name)
	if !cb.Allow() {
		return AdapterResult{}, &model.AdapterError{Backend: name, Cause: fmt.Errorf("circuit open")}
	}
	limiter := d.limiterFor(name)
	if !limiter.Allow() {
		cb.RecordResult(false)
		return AdapterResult{}, &model.AdapterError{Backend: name, Cause: fmt.Errorf("rate limit exceeded, retry after %s", limiter.ReserveAfter(1))}
	}

	result, err := resilience.Retry(ctx, 3, 500*time.Millisecond, func() (AdapterResult, error) {
		return a.Execute(ctx, in)
	})
	cb.RecordResult(err == nil)
	if err != nil {
		return AdapterResult{}, &model.AdapterError{Backend: name, Cause: err}
	}
	return result, nil
}

func (d *Dispatcher) breakerFor(backend string) *resilience.CircuitBreaker {
	v, _ := d.breakers.LoadOrStore(backend, resilience.NewCircuitBreaker(20*time.Second, 10, 5, 0.5, 10*time.Second, 2))
	return v.(*resilience.CircuitBreaker)
}

func (d *Dispatcher) limiterFor(backend string) *resilience.RateLimiter {
	v, _ := d.limiters.LoadOrStore(backend, resilience.NewRateLimiter(20, 10, time.Minute, 0))
	return v.(*resilience.RateLimiter)
}

// finalizeSuccess implements spec §2's completion data flow: "result stored
// → Gate engine validates → state machine advances (REVIEW / PENDING with
// feedback / BLOCKED / DONE)". The result is stored by the IN_PROGRESS ->
// REVIEW transition; gates then run over it, and a failure bounces the task
// straight back out of REVIEW (the same REVIEW -> PENDING edge auto-review
// rejection uses) before expansion/auto-review ever sees it.
func (d *Dispatcher) finalizeSuccess(ctx context.Context, taskID string, result AdapterResult) {
	updated, err := d.store.Transition(ctx, taskID, model.StatusReview, statemachine.TransitionContext{Result: &result.Output})
	if err != nil {
		d.log.Error("finalize success transition failed", "task_id", taskID, "error", err)
		return
	}

	if gateResults, failed := d.runGates(ctx, updated); failed {
		d.bounceOnGateFailure(ctx, updated, gateResults)
		return
	}

	if err := d.expansion.OnEnteredReview(ctx, updated); err != nil {
		d.log.Error("expansion/auto-review handler failed", "task_id", taskID, "error", err)
	}
	if _, err := audit.LogActionTx(ctx, d.store.DB(), model.LogActionInput{
		TaskID: taskID, Action: "execution_complete",
		Metadata: map[string]any{"duration_ms": result.DurationMs, "exit_code": result.ExitCode},
	}); err != nil {
		d.log.Warn("execution_complete audit failed", "task_id", taskID, "error", err)
	}
}

// runGates evaluates task's own Gates, falling back to the configured
// per-type default (cfg.Gates[task.Type]), against its just-stored result.
// It reports no failure when no gates apply.
func (d *Dispatcher) runGates(ctx context.Context, task model.Task) ([]model.GateResult, bool) {
	specs := task.Gates
	if len(specs) == 0 {
		specs = d.cfg.Gates[task.Type]
	}
	if len(specs) == 0 {
		return nil, false
	}
	raw := ""
	if task.Result != nil {
		raw = *task.Result
	}
	results := gate.EvaluateAll(ctx, specs, gate.ExtractAuto(raw))
	return results, !gate.AllPassed(results)
}

func (d *Dispatcher) bounceOnGateFailure(ctx context.Context, task model.Task, results []model.GateResult) {
	fb := &model.FeedbackEntry{What: "gate failed", Where: task.Summary, Fix: describeGateFailures(results)}
	if _, err := d.store.Transition(ctx, task.ID, model.StatusPending, statemachine.TransitionContext{Feedback: fb}); err != nil {
		d.log.Error("gate-failure bounce transition failed", "task_id", task.ID, "error", err)
		return
	}
	if _, err := audit.LogActionTx(ctx, d.store.DB(), model.LogActionInput{
		TaskID: task.ID, Action: "gate_failed",
		Metadata: map[string]any{"results": results},
	}); err != nil {
		d.log.Warn("gate_failed audit failed", "task_id", task.ID, "error", err)
	}
}

func describeGateFailures(results []model.GateResult) string {
	var parts []string
	for _, r := range results {
		if !r.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Gate, r.Reason))
		}
	}
	return strings.Join(parts, "; ")
}

func (d *Dispatcher) finalizeFailure(ctx context.Context, taskID string, execErr error) {
	msg := execErr.Error()
	if _, err := d.store.Transition(ctx, taskID, model.StatusPending, statemachine.TransitionContext{LastError: &msg}); err != nil {
		d.log.Error("finalize failure transition failed", "task_id", taskID, "error", err)
		return
	}
	if _, err := audit.LogActionTx(ctx, d.store.DB(), model.LogActionInput{
		TaskID: taskID, Action: "release", Metadata: map[string]any{"last_error": msg},
	}); err != nil {
		d.log.Warn("release audit failed", "task_id", taskID, "error", err)
	}
}

// Abort cooperatively cancels an in-flight task's execution context, then
// releases it back to PENDING with a cancellation last_error (spec §4.6).
func (d *Dispatcher) Abort(ctx context.Context, taskID string) error {
	d.mu.Lock()
	cancel, ok := d.inFlight[taskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	msg := "aborted by operator"
	_, err := d.store.Transition(ctx, taskID, model.StatusPending, statemachine.TransitionContext{LastError: &msg, Reason: "abort"})
	return err
}

func splitBackend(backend string) (name, model string) {
	idx := strings.IndexByte(backend, '/')
	if idx == -1 {
		return backend, ""
	}
	return backend[:idx], backend[idx+1:]
}

func backendName(backend string) string {
	name, _ := splitBackend(backend)
	return name
}

func strPtr(s string) *string       { return &s }
func statusPtr(s model.Status) *model.Status { return &s }
