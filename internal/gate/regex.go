package gate

import (
	"fmt"

	"github.com/dlclark/regexp2"
	"github.com/openskelo/openskelo/internal/model"
)

// evalRegex compiles spec.Pattern with dlclark/regexp2 (which supports the
// named-group and inline-flag syntax the teacher's other regex-using repos
// rely on) and passes iff match presence matches spec.Invert.
func evalRegex(spec model.GateSpec, data any) model.GateResult {
	text := toText(data)
	re, err := regexp2.Compile(applyFlags(spec.Pattern, spec.Flags), regexp2.None)
	if err != nil {
		return model.GateResult{Passed: false, Reason: "Invalid regex: " + err.Error()}
	}
	m, err := re.MatchString(text)
	if err != nil {
		return model.GateResult{Passed: false, Reason: "Invalid regex: " + err.Error()}
	}
	passed := m
	if spec.Invert {
		passed = !m
	}
	reason := ""
	if !passed {
		if spec.Invert {
			reason = "pattern matched but invert=true"
		} else {
			reason = "pattern did not match"
		}
	}
	return model.GateResult{Passed: passed, Reason: reason, Details: map[string]any{"matched": m}}
}

func applyFlags(pattern, flags string) string {
	if flags == "" {
		return pattern
	}
	return fmt.Sprintf("(?%s)%s", flags, pattern)
}
