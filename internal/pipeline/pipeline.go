// Package pipeline implements DAG parsing, validation, topological
// layering, dependency readiness, and upstream result collection (spec
// §4.4). Dynamic expansion and auto-review live in internal/expansion,
// which depends on this package for re-layering after rewiring.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/PaesslerAG/jsonpath"
	"github.com/jmoiron/sqlx"
	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/ids"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/store"
)

// Pipeline wraps a Store to create and query DAG-shaped groups of tasks.
// It holds only a non-owning reference to the Store.
type Pipeline struct {
	store *store.Store
}

// New wraps s as a Pipeline service.
func New(s *store.Store) *Pipeline { return &Pipeline{store: s} }

// Node is one entry of CreateDagPipelineInput.
type Node struct {
	Key                string                 `json:"key"`
	Type               string                 `json:"type"`
	Summary            string                 `json:"summary"`
	Prompt             string                 `json:"prompt"`
	Backend            string                 `json:"backend"`
	DependsOn          []string               `json:"depends_on,omitempty"`
	Priority           int                    `json:"priority,omitempty"`
	AcceptanceCriteria []string               `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string               `json:"definition_of_done,omitempty"`
	MaxAttempts        int                    `json:"max_attempts,omitempty"`
	MaxBounces         int                    `json:"max_bounces,omitempty"`
	AutoReview         *model.AutoReviewConfig `json:"auto_review,omitempty"`
	Expand             bool                   `json:"expand,omitempty"`
	ExpandConfig       *model.ExpandConfig    `json:"expand_config,omitempty"`
	Metadata           model.Metadata         `json:"metadata,omitempty"`
}

// CreateDagPipelineInput is the full pipeline creation request.
type CreateDagPipelineInput struct {
	Nodes []Node `json:"tasks"`
}

// Create validates the node set, computes topological layering, and
// creates every task under one outer transaction — all tasks commit or
// none do (spec §4.1, §4.4).
func (p *Pipeline) Create(ctx context.Context, in CreateDagPipelineInput) (pipelineID string, tasks []model.Task, err error) {
	if err := validate(in.Nodes); err != nil {
		return "", nil, err
	}
	steps, order := layer(in.Nodes)

	pipelineID = ids.New()
	byKey := make(map[string]string, len(in.Nodes)) // key -> allocated task id
	nodeByKey := make(map[string]Node, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeByKey[n.Key] = n
	}

	err = p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, key := range order {
			node := nodeByKey[key]
			deps := make([]string, 0, len(node.DependsOn))
			for _, depKey := range node.DependsOn {
				depID, ok := byKey[depKey]
				if !ok {
					return model.NewValidationError(fmt.Sprintf("depends_on key %q not yet created (topological order bug)", depKey))
				}
				deps = append(deps, depID)
			}
			step := steps[key]
			meta := node.Metadata
			if meta == nil {
				meta = model.Metadata{}
			}
			if node.Expand {
				meta["expand"] = true
				if node.ExpandConfig != nil {
					cfgJSON, _ := json.Marshal(node.ExpandConfig)
					var cfgMap map[string]any
					_ = json.Unmarshal(cfgJSON, &cfgMap)
					meta["expand_config"] = cfgMap
				}
			}
			pid := pipelineID
			createdTask, err := p.store.CreateInTx(ctx, tx, model.CreateTaskInput{
				Type:               node.Type,
				Summary:            node.Summary,
				Prompt:             node.Prompt,
				Priority:           node.Priority,
				AcceptanceCriteria: node.AcceptanceCriteria,
				DefinitionOfDone:   node.DefinitionOfDone,
				Backend:            node.Backend,
				MaxAttempts:        node.MaxAttempts,
				MaxBounces:         node.MaxBounces,
				DependsOn:          deps,
				PipelineID:         &pid,
				PipelineStep:       &step,
				AutoReview:         node.AutoReview,
				Metadata:           meta,
			})
			if err != nil {
				return fmt.Errorf("create node %q: %w", key, err)
			}
			byKey[key] = createdTask.ID
			tasks = append(tasks, createdTask)

			if _, err := audit.LogActionTx(ctx, tx, model.LogActionInput{
				TaskID: createdTask.ID,
				Action: "pipeline_node_created",
				Metadata: map[string]any{"pipeline_id": pipelineID, "pipeline_step": step, "key": key},
			}); err != nil {
				return fmt.Errorf("audit node %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return pipelineID, tasks, nil
}

// validate runs the five pipeline validation checks from spec §4.4 in
// order; the whole request fails atomically on the first violation.
func validate(nodes []Node) error {
	if len(nodes) == 0 {
		return model.NewValidationError("pipeline must have at least one node")
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Key == "" {
			return model.NewValidationError("node key must not be empty")
		}
		if seen[n.Key] {
			return model.NewValidationError(fmt.Sprintf("duplicate key %q", n.Key))
		}
		seen[n.Key] = true
	}
	graph := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.Key {
				return model.NewValidationError(fmt.Sprintf("self-dependency on key %q", n.Key))
			}
			if !seen[dep] {
				return model.NewValidationError(fmt.Sprintf("depends_on key %q does not exist", dep))
			}
		}
		graph[n.Key] = n.DependsOn
	}
	if cyc, ok := detectCycle(graph); ok {
		return model.NewValidationError(fmt.Sprintf("Cycle detected: %v", cyc))
	}
	hasRoot := false
	for _, n := range nodes {
		if len(n.DependsOn) == 0 {
			hasRoot = true
			break
		}
	}
	if !hasRoot {
		return model.NewValidationError("pipeline has no root node (every node has a dependency)")
	}
	return nil
}

// layer computes step(k) = 0 if depends_on(k) is empty, else
// 1 + max(step(d) for d in depends_on(k)), and returns a topological
// creation order (nodes sorted by step, then by original key order).
func layer(nodes []Node) (steps map[string]int, order []string) {
	byKey := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byKey[n.Key] = n
	}
	steps = make(map[string]int, len(nodes))
	var compute func(key string) int
	memo := map[string]int{}
	compute = func(key string) int {
		if v, ok := memo[key]; ok {
			return v
		}
		node := byKey[key]
		if len(node.DependsOn) == 0 {
			memo[key] = 0
			return 0
		}
		max := 0
		for _, dep := range node.DependsOn {
			if s := compute(dep) + 1; s > max {
				max = s
			}
		}
		memo[key] = max
		return max
	}
	for _, n := range nodes {
		steps[n.Key] = compute(n.Key)
	}

	order = make([]string, 0, len(nodes))
	for _, n := range nodes {
		order = append(order, n.Key)
	}
	sort.SliceStable(order, func(i, j int) bool { return steps[order[i]] < steps[order[j]] })
	return steps, order
}

type colorState int

const (
	white colorState = iota
	gray
	black
)

func detectCycle(graph map[string][]string) ([]string, bool) {
	color := make(map[string]colorState, len(graph))
	var path []string
	var visit func(node string) ([]string, bool)
	visit = func(node string) ([]string, bool) {
		color[node] = gray
		path = append(path, node)
		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return append(append([]string{}, path...), dep), true
			case white:
				if cyc, found := visit(dep); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil, false
	}
	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, node := range keys {
		if color[node] == white {
			if cyc, found := visit(node); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

// AreDependenciesMet reports whether every id in t.DependsOn refers to a
// task whose current status is DONE.
func (p *Pipeline) AreDependenciesMet(ctx context.Context, t model.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := p.store.Get(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep.Status != model.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// GetUpstreamResults returns {depID -> parsedResult} for every dependency
// with a non-empty result. A dependency's result is JSON-parsed when
// possible; on parse failure the raw string is used (spec §4.4).
func (p *Pipeline) GetUpstreamResults(ctx context.Context, t model.Task) (map[string]any, error) {
	out := make(map[string]any, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		dep, err := p.store.Get(ctx, depID)
		if err != nil {
			return nil, err
		}
		if dep.Result == nil || *dep.Result == "" {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(*dep.Result), &parsed); err == nil {
			out[depID] = parsed
		} else {
			out[depID] = *dep.Result
		}
	}
	return out, nil
}

// ResolveUpstreamPath runs a JSONPath expression (e.g. "$.review.score" or
// "$.items[0].name") against a single dependency's parsed upstream result,
// for the cases where a flat "{{taskID.field}}" placeholder isn't enough to
// reach a nested value. Returns an error if the dependency id is unknown or
// the path matches nothing.
func ResolveUpstreamPath(upstream map[string]any, depID, path string) (any, error) {
	result, ok := upstream[depID]
	if !ok {
		return nil, fmt.Errorf("upstream result for %q not found", depID)
	}
	return jsonpath.Get(path, result)
}

// ListByPipeline returns every task sharing pipelineID, ordered by
// pipeline_step.
func (p *Pipeline) ListByPipeline(ctx context.Context, pipelineID string) ([]model.Task, error) {
	tasks, err := p.store.List(ctx, model.ListFilter{PipelineID: &pipelineID}, 0, 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		si, sj := 0, 0
		if tasks[i].PipelineStep != nil {
			si = *tasks[i].PipelineStep
		}
		if tasks[j].PipelineStep != nil {
			sj = *tasks[j].PipelineStep
		}
		return si < sj
	})
	return tasks, nil
}
