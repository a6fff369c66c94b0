package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/queue"
	"github.com/openskelo/openskelo/internal/statemachine"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "counts": counts})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<!doctype html><html><head><title>openskelo</title></head>
<body><h1>openskelo</h1><p>See /health and /tasks for live state.</p></body></html>`))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in model.CreateTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	task, err := s.store.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ListFilter{}
	if v := q.Get("status"); v != "" {
		st := model.Status(v)
		filter.Status = &st
	}
	if v := q.Get("type"); v != "" {
		filter.Type = &v
	}
	if v := q.Get("pipeline_id"); v != "" {
		filter.PipelineID = &v
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tasks, err := s.store.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePatchPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	task, err := s.store.Update(r.Context(), chi.URLParam(r, "id"), model.UpdatePartial{Priority: &body.Priority})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePatchReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position struct {
			Top    bool    `json:"top"`
			Before *string `json:"before"`
			After  *string `json:"after"`
		} `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	id := chi.URLParam(r, "id")
	err := s.queue.Reorder(r.Context(), id, queue.ReorderPosition{
		Top: body.Position.Top, Before: body.Position.Before, After: body.Position.After,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To             model.Status          `json:"to"`
		Result         *string                `json:"result"`
		LastError      *string                `json:"last_error"`
		Reason         string                 `json:"reason"`
		Feedback       *model.FeedbackEntry   `json:"feedback"`
		LeaseOwner     *string                `json:"lease_owner"`
		LeaseExpiresAt *time.Time             `json:"lease_expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	task, err := s.store.Transition(r.Context(), chi.URLParam(r, "id"), body.To, statemachine.TransitionContext{
		LeaseOwner: body.LeaseOwner, LeaseExpiresAt: body.LeaseExpiresAt,
		Result: body.Result, LastError: body.LastError, Reason: body.Reason, Feedback: body.Feedback,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	next := time.Now().Add(30 * time.Second)
	nextPtr := &next
	if _, err := s.store.Update(r.Context(), id, model.UpdatePartial{LeaseExpiresAt: &nextPtr}); err != nil {
		writeError(w, err)
		return
	}
	if _, err := audit.LogActionTx(r.Context(), s.store.DB(), model.LogActionInput{
		TaskID: id, Action: "heartbeat", Metadata: map[string]any{"lease_expires_at": next},
	}); err != nil {
		s.log.Warn("heartbeat audit failed", "task_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error *string `json:"error"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id := chi.URLParam(r, "id")
	if _, err := s.store.Transition(r.Context(), id, model.StatusPending, statemachine.TransitionContext{LastError: body.Error, Reason: "release"}); err != nil {
		writeError(w, err)
		return
	}
	if _, err := audit.LogActionTx(r.Context(), s.store.DB(), model.LogActionInput{TaskID: id, Action: "release"}); err != nil {
		s.log.Warn("release audit failed", "task_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no dispatcher running in this process"})
		return
	}
	if err := s.dispatcher.Abort(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type       *string `json:"type"`
		LeaseOwner string  `json:"lease_owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if body.LeaseOwner == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "lease_owner is required"})
		return
	}

	ctx := r.Context()
	var excluded []string
	for i := 0; i < 1000; i++ {
		candidate, err := s.queue.GetNext(ctx, queue.GetNextOptions{Type: body.Type, ExcludeIDs: excluded})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if candidate == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no eligible task"})
			return
		}
		ready, err := s.pipeline.AreDependenciesMet(ctx, *candidate)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if !ready {
			excluded = append(excluded, candidate.ID)
			continue
		}

		leaseExpires := time.Now().Add(5 * time.Minute)
		claimed, err := s.store.Transition(ctx, candidate.ID, model.StatusInProgress, statemachine.TransitionContext{
			LeaseOwner: &body.LeaseOwner, LeaseExpiresAt: &leaseExpires,
		})
		if err != nil {
			var transErr *model.TransitionError
			if isTransitionError(err, &transErr) {
				writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
				return
			}
			excluded = append(excluded, candidate.ID)
			continue
		}
		if _, err := audit.LogActionTx(ctx, s.store.DB(), model.LogActionInput{
			TaskID: claimed.ID, Action: "dispatch", Metadata: map[string]any{"lease_owner": body.LeaseOwner, "via": "claim-next"},
		}); err != nil {
			s.log.Warn("claim-next dispatch audit failed", "task_id", claimed.ID, "error", err)
		}
		writeJSON(w, http.StatusOK, claimed)
		return
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "no eligible task"})
}

func isTransitionError(err error, target **model.TransitionError) bool {
	te, ok := err.(*model.TransitionError)
	if ok {
		*target = te
	}
	return ok
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var in pipeline.CreateDagPipelineInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	pipelineID, tasks, err := s.pipeline.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"pipeline_id": pipelineID, "tasks": tasks})
}

type pipelineSummary struct {
	PipelineID string `json:"pipeline_id"`
	TaskCount  int    `json:"task_count"`
	Completed  int    `json:"completed"`
	Status     string `json:"status"`
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.List(r.Context(), model.ListFilter{}, 0, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	byPipeline := map[string][]model.Task{}
	for _, t := range tasks {
		if t.PipelineID == nil {
			continue
		}
		byPipeline[*t.PipelineID] = append(byPipeline[*t.PipelineID], t)
	}
	statusFilter := r.URL.Query().Get("status")
	summaries := make([]pipelineSummary, 0, len(byPipeline))
	for id, ts := range byPipeline {
		completed := 0
		blocked := false
		for _, t := range ts {
			if t.Status == model.StatusDone {
				completed++
			}
			if t.Status == model.StatusBlocked {
				blocked = true
			}
		}
		status := "running"
		switch {
		case blocked:
			status = "blocked"
		case completed == len(ts):
			status = "done"
		}
		if statusFilter != "" && statusFilter != status {
			continue
		}
		summaries = append(summaries, pipelineSummary{PipelineID: id, TaskCount: len(ts), Completed: completed, Status: status})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].PipelineID < summaries[j].PipelineID })
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.pipeline.ListByPipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(tasks) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("pipeline %q not found", chi.URLParam(r, "id"))})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{}
	if v := q.Get("task_id"); v != "" {
		filter.TaskID = &v
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	entries, err := s.audit.GetLog(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string              `json:"name"`
		TemplateType model.TemplateType  `json:"template_type"`
		Definition   map[string]any      `json:"definition"`
		Description  string              `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	tpl, err := s.store.CreateTemplate(r.Context(), body.Name, body.TemplateType, body.Definition, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.store.ListTemplates(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Vars map[string]any `json:"vars"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	tpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.templates.Instantiate(r.Context(), tpl, body.Vars)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID string         `json:"template_id"`
		CronExpr   string         `json:"cron_expr"`
		Vars       map[string]any `json:"vars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	sched, err := s.store.CreateSchedule(r.Context(), body.TemplateID, body.CronExpr, body.Vars)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.Reload(r.Context(), sched.ID); err != nil {
			s.log.Warn("schedule reload failed", "schedule_id", sched.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
