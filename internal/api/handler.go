package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	cases   *orchestrator.Coordinator
	engine  *rules.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, coord *orchestrator.Coordinator, engine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		cases:   coord,
		engine:  engine,
		version: version,
	}
}

// CreateCaseResponse is the response for POST /cases.
type CreateCaseResponse struct {
	CaseID  string `json:"caseId"`
	TraceID string `json:"traceId,omitempty"`
}

// CancelRequest is the optional request body for POST /cases/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CreateCase handles POST /cases.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req domain.CaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	related := make([]*domain.Transaction, len(req.Related))
	for i := range req.Related {
		related[i] = &req.Related[i]
	}

	caseID, err := h.cases.CreateCase(r.Context(), &req.Subject, related)
	if err != nil {
		writeError(w, "create case", err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateCaseResponse{
		CaseID:  caseID,
		TraceID: GetTraceID(r.Context()),
	})
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	view, err := h.cases.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get case", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitApproval handles POST /cases/{id}/approval.
func (h *Handler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "id")

	var req domain.ApprovalSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	decision, err := domain.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, "submit approval", err)
		return
	}

	if err := h.cases.SubmitApproval(ctx, caseID, decision, req.ResolverID, req.Comment); err != nil {
		writeError(w, "submit approval", err)
		return
	}

	view, err := h.cases.GetCase(ctx, caseID)
	if err != nil {
		writeError(w, "get case", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelCase handles POST /cases/{id}/cancel. The body is optional.
func (h *Handler) CancelCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "id")

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	if err := h.cases.Cancel(ctx, caseID, req.Reason); err != nil {
		writeError(w, "cancel case", err)
		return
	}

	view, err := h.cases.GetCase(ctx, caseID)
	if err != nil {
		writeError(w, "get case", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetReport handles GET /cases/{id}/report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.cases.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListCases handles GET /cases?state=&archived=&limit=&offset=.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, "list cases", err)
		return
	}
	filter := domain.CaseFilter{
		State:           domain.CaseState(q.Get("state")),
		IncludeArchived: q.Get("archived") == "true",
		Limit:           limit,
		Offset:          offset,
	}

	cases, err := h.cases.ListCases(r.Context(), filter)
	if err != nil {
		writeError(w, "list cases", err)
		return
	}
	if cases == nil {
		cases = []*domain.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases":  cases,
		"count":  len(cases),
		"offset": offset,
	})
}

// ArchiveCase handles POST /cases/{id}/archive.
func (h *Handler) ArchiveCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "id")

	if err := h.cases.Archive(ctx, caseID); err != nil {
		writeError(w, "archive case", err)
		return
	}
	view, err := h.cases.GetCase(ctx, caseID)
	if err != nil {
		writeError(w, "get case", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PendingApprovals handles GET /approvals/pending, the reviewer queue.
func (h *Handler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, "list pending approvals", err)
		return
	}
	reqs, err := h.cases.PendingApprovals(r.Context(), limit, offset)
	if err != nil {
		writeError(w, "list pending approvals", err)
		return
	}
	if reqs == nil {
		reqs = []*domain.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": reqs,
		"count":     len(reqs),
		"offset":    offset,
	})
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	parse := func(name string) (int, error) {
		v := q.Get(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrValidation, name)
		}
		return n, nil
	}
	if limit, err = parse("limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = parse("offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the custom rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a stored rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetRuleConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates a rule and saves it to the database.
// Saved rules take effect after POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.Name == "" || rule.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeError(w, "validate rule", err)
		return
	}
	if err := h.repo.SaveRuleConfig(r.Context(), &rule); err != nil {
		writeError(w, "save rule", err)
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		writeError(w, "list rules", err)
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		writeError(w, "reload rules", err)
		return
	}

	slog.Info("rules reloaded from database", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "op", op, "error", err)
		msg = op + " failed"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
