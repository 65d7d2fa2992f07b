package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"namegen/internal/guard"
	"namegen/internal/models"
	"namegen/internal/queue"
	"namegen/internal/session"
	"namegen/internal/storage"
)

const maxDomainCheckNames = 50

type submitRequest struct {
	UserID       string   `json:"user_id"`
	Description  string   `json:"description"`
	Mode         string   `json:"mode"`
	DeepThinking *bool    `json:"deep_thinking"`
	Models       []string `json:"models"`
	Strategy     string   `json:"strategy"`
	RequestID    string   `json:"request_id"`
}

type submitResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

type sessionResponse struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Status          session.Status    `json:"status"`
	Description     string            `json:"description"`
	Mode            session.Mode      `json:"mode"`
	DeepThinking    bool              `json:"deep_thinking"`
	RequestedModels []string          `json:"requested_models"`
	Strategy        session.Strategy  `json:"strategy"`
	Progress        int               `json:"progress"`
	CurrentStep     string            `json:"current_step,omitempty"`
	Results         session.Results   `json:"results,omitempty"`
	ExecMeta        *session.ExecMeta `json:"exec_meta,omitempty"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

func toSessionResponse(sess session.Session) sessionResponse {
	resp := sessionResponse{
		ID:              sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Description:     sess.Description,
		Mode:            sess.Mode,
		DeepThinking:    sess.DeepThinking,
		RequestedModels: sess.RequestedModels,
		Strategy:        sess.Strategy,
		Progress:        sess.Progress,
		CurrentStep:     sess.CurrentStep,
		Results:         sess.Results,
		ExecMeta:        sess.ExecMeta,
		CreatedAt:       sess.CreatedAt,
		StartedAt:       sess.StartedAt,
		CompletedAt:     sess.CompletedAt,
	}
	if sess.ErrorMessage != nil {
		resp.Error = *sess.ErrorMessage
	}
	return resp
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "user_id is required")
		return
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		writeError(w, http.StatusBadRequest, "missing_description", "description is required")
		return
	}
	if len(description) > session.MaxDescriptionLen {
		writeError(w, http.StatusBadRequest, "description_too_long", "description exceeds the maximum length")
		return
	}

	userPrefs, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("load preferences failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load user preferences")
		return
	}

	mode := userPrefs.DefaultMode
	if strings.TrimSpace(req.Mode) != "" {
		mode, err = session.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
			return
		}
	}
	deepThinking := userPrefs.DefaultDeepThinking
	if req.DeepThinking != nil {
		deepThinking = *req.DeepThinking
	}
	strategy, err := session.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_strategy", err.Error())
		return
	}

	snap := s.registry.Current()
	resolved, err := s.selectModels(snap, strategy, req.Models, userPrefs.PreferredModels, userPrefs.OrderByPriority)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidModel):
			writeError(w, http.StatusBadRequest, "invalid_model", err.Error())
		case errors.Is(err, models.ErrNoAvailableModels):
			writeError(w, http.StatusServiceUnavailable, "no_available_models", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "model selection failed")
		}
		return
	}

	estimate := models.EstimateCents(resolved)
	denial, err := s.guard.Authorize(r.Context(), userID, estimate, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("guard unavailable")
		writeError(w, http.StatusServiceUnavailable, "guard_unavailable", "admission checks are unavailable")
		return
	}
	if denial != nil {
		s.metrics.GuardDenials.WithLabelValues(denial.Reason).Inc()
		switch denial.Reason {
		case guard.ReasonRateLimited:
			writeRetryError(w, http.StatusTooManyRequests, denial.Reason, "rate limit exceeded", denial.RetryAfter)
		case guard.ReasonMaintenance:
			writeError(w, http.StatusServiceUnavailable, denial.Reason, "system is in maintenance mode")
		default:
			writeError(w, http.StatusTooManyRequests, denial.Reason, "budget exhausted")
		}
		return
	}

	active, err := s.store.CountActiveSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not count active sessions")
		return
	}
	if active >= userPrefs.MaxConcurrent {
		writeError(w, http.StatusConflict, "concurrency_limit", "too many generations in flight for this user")
		return
	}

	sessionID := session.NewID()
	if strings.TrimSpace(req.RequestID) != "" {
		boundID, claimed, err := s.dedupe.Claim(r.Context(), userID, req.RequestID, sessionID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "dedupe_unavailable", "idempotency store is unavailable")
			return
		}
		if !claimed {
			status := session.StatusPending
			if existing, err := s.store.GetSession(r.Context(), boundID); err == nil {
				status = existing.Status
			}
			writeJSON(w, http.StatusOK, submitResponse{SessionID: boundID, Status: status, Duplicate: true})
			return
		}
	}

	modelIDs := make([]string, len(resolved))
	for i, m := range resolved {
		modelIDs[i] = m.ID
	}
	sess := &session.Session{
		ID:              sessionID,
		UserID:          userID,
		Status:          session.StatusPending,
		Description:     description,
		Mode:            mode,
		DeepThinking:    deepThinking,
		RequestedModels: modelIDs,
		Strategy:        strategy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.logger.Error().Err(err).Msg("create session failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create session")
		return
	}

	job := queue.GenerationJob{
		SessionID:    sessionID,
		UserID:       userID,
		Description:  description,
		Mode:         mode,
		DeepThinking: deepThinking,
		ModelIDs:     modelIDs,
	}
	if _, err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("enqueue failed")
		_ = s.store.FailSession(r.Context(), sessionID, "could not enqueue generation job")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not enqueue generation job")
		return
	}
	s.metrics.EnqueuedJobs.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: sessionID, Status: session.StatusPending})
}

// selectModels turns the request's strategy into a concrete model list:
// quick uses the single highest-priority candidate, parallel the candidate
// list as given, comprehensive every available model.
func (s *Server) selectModels(snap *models.Snapshot, strategy session.Strategy, requested, preferred []string, order func([]string) []string) ([]models.ModelConfig, error) {
	if strategy == session.StrategyComprehensive {
		available := snap.Available()
		if len(available) == 0 {
			return nil, models.ErrNoAvailableModels
		}
		return available, nil
	}

	candidates := requested
	if len(candidates) == 0 {
		candidates = preferred
	}
	if len(candidates) == 0 {
		for _, m := range snap.Available() {
			candidates = append(candidates, m.ID)
		}
		if len(candidates) == 0 {
			return nil, models.ErrNoAvailableModels
		}
	}

	if strategy == session.StrategyQuick {
		candidates = order(candidates)[:1]
	}
	return snap.Resolve(candidates)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.CancelSession(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such session")
		return
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "session is already terminal")
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "could not cancel session")
		return
	}

	if err := s.events.SignalCancel(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("cancel signal failed")
	}
	s.metrics.SessionsCancelled.Inc()

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type domainCheckRequest struct {
	Names []string `json:"names"`
	TLDs  []string `json:"tlds"`
}

func (s *Server) handleDomainCheck(w http.ResponseWriter, r *http.Request) {
	var req domainCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if len(req.Names) == 0 {
		writeError(w, http.StatusBadRequest, "missing_names", "names is required")
		return
	}
	if len(req.Names) > maxDomainCheckNames {
		writeError(w, http.StatusBadRequest, "too_many_names", "too many names in one batch")
		return
	}

	results := s.checker.Check(r.Context(), req.Names, req.TLDs)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type modelSummary struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Provider    string             `json:"provider"`
	Status      models.ModelStatus `json:"status"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Current()
	out := make([]modelSummary, 0, snap.Len())
	for _, m := range snap.All() {
		out = append(out, modelSummary{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Provider:    m.Provider,
			Status:      m.Status(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleReloadModels(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Reload(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("model reload failed")
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "models": snap.Len()})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	p, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load preferences")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	p, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load preferences")
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	p.UserID = userID
	if err := s.prefs.Update(r.Context(), p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_preferences", err.Error())
		return
	}

	updated, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load preferences")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
