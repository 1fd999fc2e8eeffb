package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
	"github.com/apexrules/apex/internal/repository"
	"github.com/apexrules/apex/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	bus     domain.EventBus
	engine  *engine.Engine
	version string
}

// NewHandler creates a new API handler. repo and bus may be nil when
// running without persistence or async processing.
func NewHandler(repo domain.Repository, bus domain.EventBus, eng *engine.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		bus:     bus,
		engine:  eng,
		version: version,
	}
}

// EvaluateRequest is the request body for POST /evaluate. Exactly one of
// ruleId, groupId or rule must be set.
type EvaluateRequest struct {
	RuleID  string         `json:"ruleId,omitempty"`
	GroupID string         `json:"groupId,omitempty"`
	Rule    *domain.Rule   `json:"rule,omitempty"`
	Context map[string]any `json:"context"`
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	EvaluationID string            `json:"evaluationId"`
	Result       domain.RuleResult `json:"result"`
	TraceID      string            `json:"traceId,omitempty"`
	DurationMs   int64             `json:"durationMs"`
	Version      string            `json:"version"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	var (
		result    domain.RuleResult
		subjectID string
		kind      string
		err       error
	)

	switch {
	case req.Rule != nil:
		kind, subjectID = "rule", req.Rule.ID
		if req.Rule.Condition == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "rule.condition is required",
			})
			return
		}
		result, err = h.engine.EvaluateRule(ctx, req.Rule, req.Context)

	case req.RuleID != "":
		kind, subjectID = "rule", req.RuleID
		result, err = h.engine.EvaluateRuleByID(ctx, req.RuleID, req.Context)

	case req.GroupID != "":
		kind, subjectID = "group", req.GroupID
		result, err = h.engine.EvaluateGroupByID(ctx, req.GroupID, req.Context)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "one of ruleId, groupId or rule is required",
		})
		return
	}

	if err != nil && result.Type == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp := EvaluateResponse{
		EvaluationID: uuid.New().String(),
		Result:       result,
		TraceID:      GetTraceID(ctx),
		DurationMs:   time.Since(start).Milliseconds(),
		Version:      h.version,
	}

	if h.repo != nil {
		record := &domain.EvaluationRecord{
			ID:          resp.EvaluationID,
			Kind:        kind,
			SubjectID:   subjectID,
			Timestamp:   start.UTC(),
			RuleResults: []domain.RuleResult{result},
			DurationMs:  resp.DurationMs,
		}
		if saveErr := h.repo.SaveEvaluation(ctx, record); saveErr != nil {
			slog.Error("failed to save evaluation", "id", resp.EvaluationID, "error", saveErr)
		}
	}

	status := http.StatusOK
	if err != nil {
		// Fail-fast surfaced: the result still describes the failure.
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// EnrichRequest is the request body for POST /enrich. With async set the
// request is queued on the event bus and processed by a worker.
type EnrichRequest struct {
	Target      map[string]any       `json:"target"`
	Enrichments []*domain.Enrichment `json:"enrichments,omitempty"`
	RuleIDs     []string             `json:"ruleIds,omitempty"`
	Async       bool                 `json:"async,omitempty"`
}

// EnrichResponse is the response for POST /enrich.
type EnrichResponse struct {
	EvaluationID string                     `json:"evaluationId"`
	Enriched     map[string]any             `json:"enriched,omitempty"`
	Outcomes     []domain.EnrichmentOutcome `json:"outcomes,omitempty"`
	Error        string                     `json:"error,omitempty"`
	DurationMs   int64                      `json:"durationMs"`
}

// Enrich handles POST /enrich requests.
func (h *Handler) Enrich(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EnrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Target == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "target is required",
		})
		return
	}

	if req.Async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}

		requestID := uuid.New().String()
		payload, _ := json.Marshal(worker.EnrichRequest{
			RequestID: requestID,
			TraceID:   GetTraceID(ctx),
			Target:    req.Target,
			RuleIDs:   req.RuleIDs,
		})
		if err := h.bus.Publish(ctx, domain.TopicEnrichRequest, payload); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue enrichment request",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"requestId": requestID,
			"status":    "queued",
		})
		return
	}

	enriched, outcomes, err := h.engine.Enrich(ctx, req.Enrichments, req.Target)

	resp := EnrichResponse{
		EvaluationID: uuid.New().String(),
		Enriched:     enriched,
		Outcomes:     outcomes,
		DurationMs:   time.Since(start).Milliseconds(),
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			status = http.StatusBadRequest
		} else {
			status = http.StatusUnprocessableEntity
		}
	}

	if h.repo != nil && status != http.StatusBadRequest {
		record := &domain.EvaluationRecord{
			ID:         resp.EvaluationID,
			Kind:       "enrichment",
			SubjectID:  resp.EvaluationID,
			Timestamp:  start.UTC(),
			Outcomes:   outcomes,
			Enriched:   enriched,
			DurationMs: resp.DurationMs,
		}
		if saveErr := h.repo.SaveEvaluation(ctx, record); saveErr != nil {
			slog.Error("failed to save evaluation", "id", resp.EvaluationID, "error", saveErr)
		}
	}

	writeJSON(w, status, resp)
}

// GetEvaluation handles GET /evaluations/{id}.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	evalID := chi.URLParam(r, "id")
	record, err := h.repo.GetEvaluation(r.Context(), evalID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load evaluation",
		})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": h.engine.Rules(),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	rule, ok := h.engine.Rule(ruleID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules: validates, registers on the engine and
// persists when a repository is configured.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.CreatedAt.IsZero() {
		now := time.Now().UTC()
		rule.CreatedAt = now
		rule.UpdatedAt = now
	}

	if err := h.engine.LoadRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRule(r.Context(), &rule); err != nil {
			slog.Error("failed to save rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", rule.ID)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if _, ok := h.engine.Rule(ruleID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	h.engine.DeleteRule(ruleID)

	if h.repo != nil {
		if err := h.repo.DeleteRule(r.Context(), ruleID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to delete rule", "id", ruleID, "error", err)
		}
	}

	slog.Info("rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules handles POST /rules/reload: repopulates the engine from
// the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rules, err := h.repo.ListRules(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(rules),
	})
}

// ListGroups handles GET /groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": h.engine.Groups(),
	})
}

// GetGroup handles GET /groups/{id}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	group, ok := h.engine.Group(groupID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule group not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// CreateGroup handles POST /groups. Member rules are registered along
// with the group.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var group domain.RuleGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.LoadGroup(&group); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Info("rule group created", "id", group.ID, "rules", len(group.Rules))
	writeJSON(w, http.StatusCreated, group)
}

// DeleteGroup handles DELETE /groups/{id}.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	if _, ok := h.engine.Group(groupID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule group not found",
		})
		return
	}

	h.engine.DeleteGroup(groupID)

	slog.Info("rule group deleted", "id", groupID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule group deleted",
	})
}

// ListEnrichments handles GET /enrichments.
func (h *Handler) ListEnrichments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enrichments": h.engine.Enrichments(),
	})
}

// GetEnrichment handles GET /enrichments/{id}.
func (h *Handler) GetEnrichment(w http.ResponseWriter, r *http.Request) {
	enrichmentID := chi.URLParam(r, "id")
	enrichment, ok := h.engine.Enrichment(enrichmentID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "enrichment not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, enrichment)
}

// CreateEnrichment handles POST /enrichments.
func (h *Handler) CreateEnrichment(w http.ResponseWriter, r *http.Request) {
	var enrichment domain.Enrichment
	if err := json.NewDecoder(r.Body).Decode(&enrichment); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate against the already loaded set so dependsOn references
	// and cycles are caught at creation time.
	existing := h.engine.Enrichments()
	combined := make([]*domain.Enrichment, 0, len(existing)+1)
	for _, e := range existing {
		if e.ID != enrichment.ID {
			combined = append(combined, e)
		}
	}
	combined = append(combined, &enrichment)

	if err := h.engine.LoadEnrichments(combined); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveEnrichment(r.Context(), &enrichment); err != nil {
			slog.Error("failed to save enrichment", "id", enrichment.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save enrichment",
			})
			return
		}
	}

	slog.Info("enrichment created", "id", enrichment.ID, "type", enrichment.Type)
	writeJSON(w, http.StatusCreated, enrichment)
}

// DeleteEnrichment handles DELETE /enrichments/{id}.
func (h *Handler) DeleteEnrichment(w http.ResponseWriter, r *http.Request) {
	enrichmentID := chi.URLParam(r, "id")

	if _, ok := h.engine.Enrichment(enrichmentID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "enrichment not found",
		})
		return
	}

	h.engine.DeleteEnrichment(enrichmentID)

	if h.repo != nil {
		if err := h.repo.DeleteEnrichment(r.Context(), enrichmentID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to delete enrichment", "id", enrichmentID, "error", err)
		}
	}

	slog.Info("enrichment deleted", "id", enrichmentID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "enrichment deleted",
	})
}

// ListDatasets handles GET /datasets.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": h.engine.Lookups().ListDatasets(),
	})
}

// GetDataset handles GET /datasets/{id}.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "id")
	dataset, ok := h.engine.Lookups().Dataset(datasetID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "dataset not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, dataset)
}

// CreateDataset handles POST /datasets. Replacing a dataset purges its
// cached lookup results.
func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var dataset domain.LookupDataset
	if err := json.NewDecoder(r.Body).Decode(&dataset); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.Lookups().RegisterDataset(&dataset); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.engine.Lookups().PurgeDataset(r.Context(), dataset.ID); err != nil {
		slog.Warn("failed to purge dataset cache", "id", dataset.ID, "error", err)
	}

	if h.repo != nil {
		if err := h.repo.SaveDataset(r.Context(), &dataset); err != nil {
			slog.Error("failed to save dataset", "id", dataset.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save dataset",
			})
			return
		}
	}

	slog.Info("dataset created", "id", dataset.ID, "type", dataset.Type)
	writeJSON(w, http.StatusCreated, dataset)
}

// ListMetrics handles GET /metrics: all performance snapshots.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	size, hits, misses := h.engine.Evaluator().CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": h.engine.Monitor().Snapshots(),
		"expressionCache": map[string]any{
			"size":   size,
			"hits":   hits,
			"misses": misses,
		},
	})
}

// GetMetrics handles GET /metrics/{id}: one snapshot plus its retained
// history.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snapshot, ok := h.engine.Monitor().Snapshot(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no metrics recorded for id",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snapshot,
		"history":  h.engine.Monitor().History(id),
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready: checks downstream dependencies.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			checks["repository"] = err.Error()
			ready = false
		} else {
			checks["repository"] = "ok"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			checks["bus"] = err.Error()
			ready = false
		} else {
			checks["bus"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
