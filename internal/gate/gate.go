// Package gate implements the five built-in gate kinds (spec §4.5) and the
// gated() retry-with-feedback utility. internal/dispatcher evaluates a
// task's gates through EvaluateAll; Gated is a standalone helper.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/openskelo/openskelo/internal/model"
)

// Evaluate dispatches one GateSpec against data, returning a GateResult
// with the elapsed evaluation time filled in. Unknown kinds fail closed.
func Evaluate(ctx context.Context, spec model.GateSpec, data any) model.GateResult {
	start := time.Now()
	var res model.GateResult
	switch spec.Type {
	case "regex":
		res = evalRegex(spec, data)
	case "word_count":
		res = evalWordCount(spec, data)
	case "json_schema":
		res = evalJSONSchema(spec, data)
	case "expression":
		res = evalExpression(spec, data)
	case "custom":
		res = evalCustom(ctx, spec, data)
	default:
		res = model.GateResult{Gate: spec.Type, Passed: false, Reason: fmt.Sprintf("unknown gate kind %q", spec.Type)}
	}
	res.Gate = spec.Type
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

// EvaluateAll runs every gate in order, short-circuiting on the first
// failure (spec §4.5 "gated producer").
func EvaluateAll(ctx context.Context, specs []model.GateSpec, data any) []model.GateResult {
	results := make([]model.GateResult, 0, len(specs))
	for _, spec := range specs {
		r := Evaluate(ctx, spec, data)
		results = append(results, r)
		if !r.Passed {
			break
		}
	}
	return results
}

// AllPassed reports whether every result in results passed.
func AllPassed(results []model.GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
