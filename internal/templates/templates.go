// Package templates implements {{var}}/{{var:-default}} substitution over a
// stored Template's definition, then instantiates it as either a single
// task or a DAG pipeline (spec §3 "Template"). It depends on both
// internal/store and internal/pipeline, which is why this logic cannot
// live in either of them.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/store"
)

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)(?::-([^}]*))?\s*\}\}`)

// Templates instantiates stored templates against a Store and Pipeline.
type Templates struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
}

// New wraps s and p as a Templates instantiator.
func New(s *store.Store, p *pipeline.Pipeline) *Templates {
	return &Templates{store: s, pipeline: p}
}

// Result is what Instantiate produces: exactly one of Task or
// (PipelineID, Tasks) is populated, selected by the template's type.
type Result struct {
	Task       *model.Task
	PipelineID string
	Tasks      []model.Task
}

// Instantiate substitutes vars into tpl.Definition and creates the
// resulting task or pipeline. Values are stringified for substitution
// purposes only; the rendered definition is re-parsed as JSON afterward.
func (t *Templates) Instantiate(ctx context.Context, tpl model.Template, vars map[string]any) (Result, error) {
	defJSON, err := json.Marshal(tpl.Definition)
	if err != nil {
		return Result{}, fmt.Errorf("marshal template definition: %w", err)
	}
	strVars := make(map[string]string, len(vars))
	for k, v := range vars {
		strVars[k] = fmt.Sprintf("%v", v)
	}
	rendered := substitute(string(defJSON), strVars)

	switch tpl.TemplateType {
	case model.TemplateTypeTask:
		var in model.CreateTaskInput
		if err := json.Unmarshal([]byte(rendered), &in); err != nil {
			return Result{}, model.NewValidationError("template definition is not a valid task: " + err.Error())
		}
		task, err := t.store.Create(ctx, in)
		if err != nil {
			return Result{}, err
		}
		return Result{Task: &task}, nil

	case model.TemplateTypePipeline:
		var in pipeline.CreateDagPipelineInput
		if err := json.Unmarshal([]byte(rendered), &in); err != nil {
			return Result{}, model.NewValidationError("template definition is not a valid pipeline: " + err.Error())
		}
		pipelineID, tasks, err := t.pipeline.Create(ctx, in)
		if err != nil {
			return Result{}, err
		}
		return Result{PipelineID: pipelineID, Tasks: tasks}, nil

	default:
		return Result{}, model.NewValidationError(fmt.Sprintf("unknown template_type %q", tpl.TemplateType))
	}
}

// substitute replaces every {{var}} or {{var:-default}} occurrence in
// definition (a JSON string) with vars[var], or default when var is unset.
// Unmatched variables with no default are left as empty string.
func substitute(definition string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(definition, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if v, ok := vars[name]; ok {
			return v
		}
		return def
	})
}
