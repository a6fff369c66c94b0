package gate

import (
	"context"
	"regexp"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/openskelo/openskelo/internal/model"
)

// forbiddenTokens blocks every identifier the spec calls out as unsafe for
// the expression gate, checked on full-word boundaries so e.g. a field
// named "newValue" is not rejected for containing "new".
var forbiddenTokens = []string{
	"process", "require", "import", "eval", "Function", "fetch",
	"globalThis", "constructor", "__proto__", "prototype", "new",
}

var identifierBoundary = regexp.MustCompile(`[A-Za-z0-9_$]`)

var exprLanguage = gval.NewLanguage(
	gval.Full(),
	gval.Function("length", func(args ...any) (any, error) {
		if len(args) == 0 {
			return 0, nil
		}
		switch v := args[0].(type) {
		case string:
			return len(v), nil
		case []any:
			return len(v), nil
		default:
			return 0, nil
		}
	}),
	gval.Function("toLowerCase", func(args ...any) (any, error) {
		if len(args) == 0 {
			return "", nil
		}
		s, _ := args[0].(string)
		return strings.ToLower(s), nil
	}),
)

// evalExpression token-prefilters spec.Expr for the forbidden list and
// bracket indexing, then evaluates it with PaesslerAG/gval against
// {"data": data}. === / !== are accepted and normalized to gval's == / !=
// before evaluation (spec §4.5).
func evalExpression(spec model.GateSpec, data any) model.GateResult {
	expr := spec.Expr

	if strings.Contains(expr, "[") || strings.Contains(expr, "]") {
		return model.GateResult{Passed: false, Reason: "blocked: bracket indexing is not permitted"}
	}
	if strings.Contains(expr, "??") {
		return model.GateResult{Passed: false, Reason: "blocked: nullish coalescing is not permitted"}
	}
	for _, tok := range forbiddenTokens {
		if containsToken(expr, tok) {
			return model.GateResult{Passed: false, Reason: "blocked: forbidden token " + tok}
		}
	}

	normalized := strings.NewReplacer("===", "==", "!==", "!=").Replace(expr)

	eval, err := exprLanguage.NewEvaluable(normalized)
	if err != nil {
		return model.GateResult{Passed: false, Reason: "Unsupported syntax: " + err.Error()}
	}
	result, err := eval(context.Background(), map[string]any{"data": data})
	if err != nil {
		return model.GateResult{Passed: false, Reason: "Unsupported syntax: " + err.Error()}
	}
	truthy, ok := result.(bool)
	if !ok {
		return model.GateResult{Passed: false, Reason: "expression did not evaluate to a boolean"}
	}
	if !truthy {
		return model.GateResult{Passed: false, Reason: "expression evaluated to false"}
	}
	return model.GateResult{Passed: true}
}

func containsToken(expr, token string) bool {
	idx := 0
	for {
		at := strings.Index(expr[idx:], token)
		if at == -1 {
			return false
		}
		abs := idx + at
		before := abs == 0 || !identifierBoundary.MatchString(string(expr[abs-1]))
		after := abs+len(token) >= len(expr) || !identifierBoundary.MatchString(string(expr[abs+len(token)]))
		if before && after {
			return true
		}
		idx = abs + len(token)
	}
}
