package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/openskelo/openskelo/internal/model"
)

// CustomFunc is a registered predicate backing a "custom" gate. It returns
// the same result shape as every other gate kind; a returned error is
// folded into Passed=false with the error's message as Reason (spec §4.5
// "uncaught errors become passed=false").
type CustomFunc func(ctx context.Context, data any) (model.GateResult, error)

var (
	customMu       sync.RWMutex
	customRegistry = map[string]CustomFunc{}
)

// RegisterCustom installs a named predicate for the "custom" gate kind.
// Call during process startup, before any task referencing it is gated.
func RegisterCustom(name string, fn CustomFunc) {
	customMu.Lock()
	defer customMu.Unlock()
	customRegistry[name] = fn
}

func evalCustom(ctx context.Context, spec model.GateSpec, data any) (result model.GateResult) {
	name := spec.Fn
	if name == "" {
		name = spec.Name
	}
	customMu.RLock()
	fn, ok := customRegistry[name]
	customMu.RUnlock()
	if !ok {
		return model.GateResult{Passed: false, Reason: fmt.Sprintf("no custom gate registered as %q", name)}
	}

	defer func() {
		if r := recover(); r != nil {
			result = model.GateResult{Passed: false, Reason: fmt.Sprintf("custom gate panicked: %v", r)}
		}
	}()

	r, err := fn(ctx, data)
	if err != nil {
		return model.GateResult{Passed: false, Reason: err.Error()}
	}
	return r
}
