package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openskelo/openskelo/internal/model"
)

// ExtractMode selects how a producer's raw output becomes the data value
// gates evaluate against.
type ExtractMode string

const (
	ExtractAutoMode ExtractMode = "auto"
	ExtractText     ExtractMode = "text"
	ExtractJSON     ExtractMode = "json"
	ExtractCustom   ExtractMode = "custom"
)

// ExtractFunc is used when Options.Extract == ExtractCustom.
type ExtractFunc func(raw string) (any, error)

// Producer yields raw output for one gated() attempt. feedback is empty on
// the first attempt and, when RetryConfig.Feedback is set, a description of
// the prior attempt's failing gates on subsequent ones.
type Producer func(ctx context.Context, attempt int, feedback string) (string, error)

// RetryConfig bounds gated()'s attempt budget.
type RetryConfig struct {
	Max      int
	Feedback bool
}

// Options configures Gated.
type Options struct {
	Extract     ExtractMode
	ExtractFunc ExtractFunc
	Gates       []model.GateSpec
	Retry       RetryConfig
	OnAttempt   func(model.GateAttempt)
	Timeout     time.Duration
}

// Gated repeatedly invokes producer up to Retry.Max times, extracting and
// gating its output each time, short-circuiting on the first passing
// attempt. history records every attempt made, including the winning one,
// so a caller can observe attempt counts (spec S9: "attempts=2 ... history
// length 2") without relying on OnAttempt. On exhaustion it returns
// *model.GateExhaustionError (spec §4.5).
func Gated(ctx context.Context, producer Producer, opts Options) (raw string, data any, history []model.GateAttempt, err error) {
	max := opts.Retry.Max
	if max <= 0 {
		max = 1
	}
	feedback := ""

	for attempt := 1; attempt <= max; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		out, prodErr := producer(attemptCtx, attempt, feedback)
		if cancel != nil {
			cancel()
		}
		if prodErr != nil {
			record := model.GateAttempt{Attempt: attempt, Passed: false,
				Results: []model.GateResult{{Gate: "producer", Passed: false, Reason: prodErr.Error()}}}
			history = append(history, record)
			if opts.OnAttempt != nil {
				opts.OnAttempt(record)
			}
			if opts.Retry.Feedback {
				feedback = "producer failed: " + prodErr.Error()
			}
			continue
		}

		extracted, extractErr := extract(out, opts)
		if extractErr != nil {
			record := model.GateAttempt{Attempt: attempt, Data: out, Passed: false,
				Results: []model.GateResult{{Gate: "extract", Passed: false, Reason: extractErr.Error()}}}
			history = append(history, record)
			if opts.OnAttempt != nil {
				opts.OnAttempt(record)
			}
			if opts.Retry.Feedback {
				feedback = "extraction failed: " + extractErr.Error()
			}
			continue
		}

		results := EvaluateAll(ctx, opts.Gates, extracted)
		passed := AllPassed(results)
		record := model.GateAttempt{Attempt: attempt, Data: extracted, Results: results, Passed: passed}
		history = append(history, record)
		if opts.OnAttempt != nil {
			opts.OnAttempt(record)
		}
		if passed {
			return out, extracted, history, nil
		}
		if opts.Retry.Feedback {
			feedback = describeFailure(results)
		}
	}

	last := history[len(history)-1]
	return "", nil, history, &model.GateExhaustionError{History: history, LastFailures: last.Results}
}

func extract(raw string, opts Options) (any, error) {
	switch opts.Extract {
	case ExtractText, "":
		return raw, nil
	case ExtractJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	case ExtractCustom:
		if opts.ExtractFunc == nil {
			return nil, fmt.Errorf("extract mode custom requires ExtractFunc")
		}
		return opts.ExtractFunc(raw)
	case ExtractAutoMode:
		return ExtractAuto(raw), nil
	default:
		return nil, fmt.Errorf("unknown extract mode %q", opts.Extract)
	}
}

func describeFailure(results []model.GateResult) string {
	var parts []string
	for _, r := range results {
		if !r.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Gate, r.Reason))
		}
	}
	return "failing gates - " + strings.Join(parts, "; ")
}
