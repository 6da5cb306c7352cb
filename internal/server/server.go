// Package server exposes the control plane's HTTP surface: the webhook
// receiver, cascade and orchestrator routes, and the goal/session/lock
// management API.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Brian125bot/nexusaiv1/internal/cascade"
	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
	"github.com/Brian125bot/nexusaiv1/internal/review"
	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Server wires the core components behind the HTTP routes.
type Server struct {
	store    storage.Store
	locks    *lockmgr.Manager
	sessions *lifecycle.Manager
	cascades *cascade.Engine
	reviews  *review.Engine
	cfg      *config.Config
}

// New creates the HTTP server.
func New(store storage.Store, locks *lockmgr.Manager, sessions *lifecycle.Manager, cascades *cascade.Engine, reviews *review.Engine, cfg *config.Config) *Server {
	return &Server{
		store:    store,
		locks:    locks,
		sessions: sessions,
		cascades: cascades,
		reviews:  reviews,
		cfg:      cfg,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhook/vcs", s.handleWebhook)

	r.Post("/cascade/analyze", s.handleCascadeAnalyze)
	r.Post("/orchestrator/batch", s.handleBatch)
	r.Post("/orchestrator/sync", s.handleSync)
	r.Post("/orchestrator/sync-batch", s.handleSyncBatch)

	r.Route("/goals", func(r chi.Router) {
		r.Get("/", s.handleListGoals)
		r.Post("/", s.handleCreateGoal)
		r.Get("/{id}", s.handleGetGoal)
		r.Patch("/{id}", s.handlePatchGoal)
		r.Delete("/{id}", s.handleDeleteGoal)
		r.Post("/{id}/re-audit", s.handleReAudit)
	})

	r.Get("/sessions", s.handleListSessions)
	r.Post("/sessions/{id}/terminate", s.handleTerminate)

	r.Get("/locks", s.handleListLocks)
	r.Delete("/locks", s.handlePurgeLocks)

	return r
}

func (s *Server) handleCascadeAnalyze(w http.ResponseWriter, r *http.Request) {
	var req cascade.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Repo == "" || req.Commit == "" {
		writeError(w, http.StatusBadRequest, "validation_failure", "repo and commit are required", nil)
		return
	}

	result, err := s.cascades.Analyze(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	if result.AllConflict() {
		writeConflict(w, result.Conflicts)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req cascade.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Repo == "" || len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failure", "repo and jobs are required", nil)
		return
	}

	result, err := s.cascades.DispatchBatch(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	if result.AllConflict() {
		writeConflict(w, result.Conflicts)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batchId":         result.Cascade.ID,
		"dispatchedCount": result.Telemetry.DispatchedCount,
		"failedCount":     result.Telemetry.FailedCount,
		"sessions":        result.DispatchedSessions,
		"lockConflicts":   result.Conflicts,
		"telemetry":       result.Telemetry,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "validation_failure", "sessionId is required", nil)
		return
	}

	result, err := s.sessions.Sync(r.Context(), req.SessionID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	results, errs := s.sessions.SyncAll(r.Context())
	errStrings := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrings = append(errStrings, err.Error())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"errors":  errStrings,
	})
}

type goalRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Criteria    []string `json:"criteria"`
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := s.store.ListGoals(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if goals == nil {
		goals = []*types.Goal{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"goals": goals})
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid request body: "+err.Error(), nil)
		return
	}

	goal := &types.Goal{
		Title:       req.Title,
		Description: req.Description,
		Status:      types.GoalBacklog,
	}
	for _, text := range req.Criteria {
		goal.Criteria = append(goal.Criteria, types.Criterion{Text: text})
	}
	if err := s.store.CreateGoal(r.Context(), goal); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	goal, err := s.store.GoalByID(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	artifacts, err := s.store.ReviewArtifactsForGoal(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []*types.ReviewArtifact{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"goal":            goal,
		"reviewArtifacts": artifacts,
	})
}

type goalPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	// Criteria, when present, is a full rewrite. Entries carrying an id
	// keep it (and with it the auditor's idempotency key); entries
	// without one are new criteria.
	Criteria *[]types.Criterion `json:"criteria"`
}

func (s *Server) handlePatchGoal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch goalPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failure", "invalid request body: "+err.Error(), nil)
		return
	}

	updates := map[string]interface{}{}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.Criteria != nil {
		criteria := *patch.Criteria
		// Entries carrying an id keep it; new entries get one here so
		// criterion ids are assigned exactly once.
		for i := range criteria {
			if criteria[i].ID == "" {
				criteria[i].ID = uuid.New().String()
			}
		}
		updates["criteria"] = criteria
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failure", "no fields to update", nil)
		return
	}

	if err := s.store.UpdateGoal(r.Context(), id, updates); err != nil {
		handleError(w, err)
		return
	}
	goal, err := s.store.GoalByID(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

func (s *Server) handleDeleteGoal(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteGoal(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleReAudit(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.reviews.ReAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActiveSessions(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Terminate(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
	})
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	holders, err := s.locks.ConflictStatus(r.Context(), nil)
	if err != nil {
		handleError(w, err)
		return
	}
	if holders == nil {
		holders = []*types.LockHolder{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": holders})
}

func (s *Server) handlePurgeLocks(w http.ResponseWriter, r *http.Request) {
	released, err := s.store.DeleteAllLocks(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"releasedCount": released})
}
