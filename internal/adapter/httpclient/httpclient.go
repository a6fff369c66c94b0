// Package httpclient implements a reference dispatcher.Adapter that POSTs
// a task to a configured HTTP completion endpoint, adapted from the
// teacher's HTTPTaskExecutor/HTTPPlugin (services/orchestrator/task_executor.go,
// plugins.go): pooled client, {{task_id.field}} template resolution against
// upstream results (falling back to a JSONPath query via
// pipeline.ResolveUpstreamPath for nested fields), otel trace propagation,
// 10MB response cap.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/openskelo/openskelo/internal/dispatcher"
	"github.com/openskelo/openskelo/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 10 << 20

// Adapter POSTs the task's prompt (and upstream results) as JSON to a
// fixed URL and treats the response body as the task's result.
type Adapter struct {
	name      string
	url       string
	headers   map[string]string
	taskTypes []string
	client    *http.Client
	tracer    trace.Tracer
}

// New builds an HTTP adapter named name, posting to url for every task of
// the given taskTypes.
func New(name, url string, headers map[string]string, taskTypes []string) *Adapter {
	return &Adapter{
		name:      name,
		url:       url,
		headers:   headers,
		taskTypes: taskTypes,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("openskelo"),
	}
}

func (a *Adapter) Name() string        { return a.name }
func (a *Adapter) TaskTypes() []string { return a.taskTypes }

func (a *Adapter) CanHandle(taskType string) bool {
	for _, t := range a.taskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

type requestBody struct {
	TaskID             string         `json:"task_id"`
	Type               string         `json:"type"`
	Summary            string         `json:"summary"`
	Prompt             string         `json:"prompt"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string       `json:"definition_of_done,omitempty"`
	UpstreamResults    map[string]any `json:"upstream_results,omitempty"`
	Model              string         `json:"model,omitempty"`
}

// Execute POSTs in (with its prompt template-resolved against
// UpstreamResults) to the configured URL and returns the response body as
// the adapter's output.
func (a *Adapter) Execute(ctx context.Context, in dispatcher.TaskInput) (dispatcher.AdapterResult, error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "adapter.http.execute",
		trace.WithAttributes(attribute.String("task_id", in.ID), attribute.String("url", a.url)))
	defer span.End()

	url := resolveTemplate(a.url, in.UpstreamResults)
	model, _ := in.BackendConfig["model"].(string)

	body := requestBody{
		TaskID: in.ID, Type: in.Type, Summary: in.Summary,
		Prompt:             resolveTemplate(in.Prompt, in.UpstreamResults),
		AcceptanceCriteria: in.AcceptanceCriteria, DefinitionOfDone: in.DefinitionOfDone,
		UpstreamResults: in.UpstreamResults, Model: model,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return dispatcher.AdapterResult{}, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return dispatcher.AdapterResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", in.ID)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return dispatcher.AdapterResult{ExitCode: 124, DurationMs: time.Since(start).Milliseconds()}, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return dispatcher.AdapterResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return dispatcher.AdapterResult{}, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		return dispatcher.AdapterResult{ExitCode: resp.StatusCode, DurationMs: time.Since(start).Milliseconds()},
			fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	result := dispatcher.AdapterResult{
		Output:     string(respBody),
		ExitCode:   0,
		DurationMs: time.Since(start).Milliseconds(),
	}
	var structured map[string]any
	if json.Unmarshal(respBody, &structured) == nil {
		result.Structured = structured
	}
	return result, nil
}

// Abort is cooperative only: the adapter has no handle to cancel a
// request already in flight beyond the context the dispatcher already
// cancels, so this is a no-op.
func (a *Adapter) Abort(ctx context.Context, taskID string) error { return nil }

var jsonPathPlaceholder = regexp.MustCompile(`\{\{([\w-]+):(\$[^}]*)\}\}`)

// resolveTemplate substitutes two placeholder forms against upstream
// dependency results: the flat "{{taskID.field}}" form (one hop into a
// result object) and the "{{taskID:$.path.to[0].value}}" JSONPath form for
// reaching into nested structures that the flat form can't express.
func resolveTemplate(tmpl string, upstream map[string]any) string {
	result := tmpl
	for taskID, output := range upstream {
		outputMap, ok := output.(map[string]any)
		if !ok {
			continue
		}
		for field, value := range outputMap {
			placeholder := fmt.Sprintf("{{%s.%s}}", taskID, field)
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	result = jsonPathPlaceholder.ReplaceAllStringFunc(result, func(match string) string {
		parts := jsonPathPlaceholder.FindStringSubmatch(match)
		taskID, path := parts[1], parts[2]
		value, err := pipeline.ResolveUpstreamPath(upstream, taskID, path)
		if err != nil {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	return result
}
