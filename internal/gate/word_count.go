package gate

import (
	"fmt"
	"strings"

	"github.com/openskelo/openskelo/internal/model"
)

// evalWordCount splits on whitespace and passes iff count is within
// [min ?? 0, max ?? +Inf].
func evalWordCount(spec model.GateSpec, data any) model.GateResult {
	text := toText(data)
	count := len(strings.Fields(text))
	min := 0
	if spec.Min != nil {
		min = *spec.Min
	}
	if count < min {
		return model.GateResult{Passed: false, Reason: fmt.Sprintf("word count %d below minimum %d", count, min), Details: map[string]any{"count": count}}
	}
	if spec.Max != nil && count > *spec.Max {
		return model.GateResult{Passed: false, Reason: fmt.Sprintf("word count %d above maximum %d", count, *spec.Max), Details: map[string]any{"count": count}}
	}
	return model.GateResult{Passed: true, Details: map[string]any{"count": count}}
}
