package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
)

const (
	defaultCaseLimit = 5
	maxCaseLimit     = 100
	maxBodyBytes     = 10 << 20
)

// Runner runs cases and exposes the active policy.
type Runner interface {
	Run(ctx context.Context, c *domain.EnrichedCase, emit pipeline.Emitter) (*domain.PipelineState, error)
	Policy() (*policy.Spec, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	runner      Runner
	repo        domain.Repository
	cache       domain.Cache
	version     string
	caseListMax int
}

// NewHandler creates a new API handler. repo and cache may be nil.
func NewHandler(runner Runner, repo domain.Repository, cache domain.Cache, version string, caseListMax int) *Handler {
	if caseListMax <= 0 {
		caseListMax = maxCaseLimit
	}
	return &Handler{
		runner:      runner,
		repo:        repo,
		cache:       cache,
		version:     version,
		caseListMax: caseListMax,
	}
}

// RunRequest is the request body for POST /api/run and /api/run/stream.
type RunRequest struct {
	EnrichedCase json.RawMessage `json:"enriched_case"`
}

// PolicyResponse describes the loaded policy.
type PolicyResponse struct {
	Version           string        `json:"version"`
	Name              string        `json:"name,omitempty"`
	Hash              string        `json:"hash"`
	Source            string        `json:"source,omitempty"`
	DecisionHierarchy []domain.Tier `json:"decision_hierarchy"`
	RuleIDs           []string      `json:"rule_ids"`
}

// Index lists the API entry points.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Kestrel AML case decision API",
		"cases":   "GET /api/cases",
		"run":     "POST /api/run",
		"stream":  "POST /api/run/stream",
		"policy":  "GET /api/policy",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			slog.Warn("repository ping failed", "error", err)
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			slog.Warn("cache ping failed", "error", err)
			status = "degraded"
		}
	}

	resp := map[string]string{
		"status":  status,
		"version": h.version,
	}
	if spec, err := h.runner.Policy(); err == nil {
		resp["policy_version"] = spec.Version()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether a policy is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.runner.Policy(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListCases returns up to limit catalog cases as full enriched case documents.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	limit := defaultCaseLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	limit = min(max(limit, 1), h.caseListMax)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "case catalog not available")
		return
	}

	records, err := h.repo.ListCases(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list cases", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}

	cases := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		cases = append(cases, rec.Payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
	})
}

// GetCase returns one catalog case.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "case catalog not available")
		return
	}

	rec, err := h.repo.GetCase(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "case not found")
			return
		}
		slog.Error("failed to get case", "case_id", caseID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get case")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Run executes the pipeline and returns the full output.
// Any pipeline failure is a 500 with the error in detail.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	state, err := h.runner.Run(r.Context(), c, nil)
	if err != nil {
		slog.Error("run failed",
			"case_id", c.CaseID,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, state.Output())
}

// RunStream executes the pipeline and streams its events as server-sent
// events. The run is detached from the request so a disconnecting client
// does not cancel it.
func (h *Handler) RunStream(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := make(chan pipeline.Event, pipeline.MaxEvents)
	go func() {
		defer close(events)
		h.runner.Run(context.WithoutCancel(r.Context()), c, func(e pipeline.Event) {
			select {
			case events <- e:
			default:
				slog.Warn("stream event dropped", "case_id", c.CaseID, "type", e.Type)
			}
		})
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				slog.Warn("stream write failed", "case_id", c.CaseID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// Policy describes the active policy.
func (h *Handler) Policy(w http.ResponseWriter, r *http.Request) {
	spec, err := h.runner.Policy()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	blocks := spec.Blocks()
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID)
	}

	writeJSON(w, http.StatusOK, PolicyResponse{
		Version:           spec.Version(),
		Name:              spec.Name(),
		Hash:              spec.Hash(),
		Source:            spec.Source(),
		DecisionHierarchy: spec.Hierarchy(),
		RuleIDs:           ids,
	})
}

func decodeRunRequest(w http.ResponseWriter, r *http.Request) (*domain.EnrichedCase, bool) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	if len(req.EnrichedCase) == 0 || string(req.EnrichedCase) == "null" {
		writeError(w, http.StatusBadRequest, "enriched_case is required")
		return nil, false
	}

	c, err := domain.ParseEnrichedCase(req.EnrichedCase)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return c, true
}

func writeEvent(w http.ResponseWriter, e pipeline.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
