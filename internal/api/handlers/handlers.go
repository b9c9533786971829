// Package handlers implements the HTTP handlers for the Loom fabric API.
// All handlers speak JSON and lean on the core services: the connector
// registry, the descriptor catalog, the outcome runtime, and the
// execution pipeline.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/catalog"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Registry *registry.Registry
	Catalog  *catalog.Catalog
	Runtime  *runtime.Runtime
	Pipeline *pipeline.Pipeline
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, reg *registry.Registry, cat *catalog.Catalog, rt *runtime.Runtime, pl *pipeline.Pipeline) *Handlers {
	return &Handlers{
		Store:    s,
		Registry: reg,
		Catalog:  cat,
		Runtime:  rt,
		Pipeline: pl,
	}
}

// ── Outcome Handlers ─────────────────────────────────────────

// ExecuteOutcome runs a raw outcome request through the runtime.
func (h *Handlers) ExecuteOutcome(w http.ResponseWriter, r *http.Request) {
	var req models.OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.Runtime.Execute(r.Context(), &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, statusForResult(result), result)
}

// statusForResult maps a runtime result onto an HTTP status. Failed
// outcomes are still well-formed responses, not server errors: the
// fabric did its job, the provider did not.
func statusForResult(result *models.OutcomeResult) int {
	if result.OK {
		return http.StatusOK
	}
	if result.ErrorCode == models.ErrCodeUnsupportedOutcome {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// ── Descriptor Handlers ──────────────────────────────────────

func (h *Handlers) ListDescriptors(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("tag"); tag != "" {
		respondJSON(w, http.StatusOK, h.Catalog.FindByTag(tag))
		return
	}
	if connector := r.URL.Query().Get("connector"); connector != "" {
		respondJSON(w, http.StatusOK, h.Catalog.FindByConnector(connector))
		return
	}
	respondJSON(w, http.StatusOK, h.Catalog.All())
}

func (h *Handlers) RegisterDescriptor(w http.ResponseWriter, r *http.Request) {
	var d models.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Catalog.Register(&d); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Str("descriptor", d.Name).Str("connector", d.Connector).Msg("Descriptor registered")
	respondJSON(w, http.StatusCreated, d)
}

func (h *Handlers) GetDescriptor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d := h.Catalog.Get(name)
	if d == nil {
		respondError(w, http.StatusNotFound, "descriptor not found: "+name)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// descriptorExecuteRequest is the body of POST /descriptors/{name}/execute.
type descriptorExecuteRequest struct {
	Params          map[string]any `json:"params"`
	DeadlineSec     float64        `json:"deadline_sec,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	PreferConnector string         `json:"prefer_connector,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
}

// ExecuteDescriptor materializes a descriptor into an outcome request
// and runs it. Input validation failures report every violation at once.
func (h *Handlers) ExecuteDescriptor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d := h.Catalog.Get(name)
	if d == nil {
		respondError(w, http.StatusNotFound, "descriptor not found: "+name)
		return
	}

	var body descriptorExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := catalog.ToOutcome(d, body.Params, catalog.ToOutcomeOptions{
		DeadlineSec:     body.DeadlineSec,
		IdempotencyKey:  body.IdempotencyKey,
		PreferConnector: body.PreferConnector,
		SuccessCriteria: body.SuccessCriteria,
	})
	if err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "input validation failed",
				"descriptor": verr.Descriptor,
				"violations": verr.Violations,
			})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Runtime.Execute(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, statusForResult(result), result)
}

// QuoteDescriptor prices a descriptor invocation without executing it.
func (h *Handlers) QuoteDescriptor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d := h.Catalog.Get(name)
	if d == nil {
		respondError(w, http.StatusNotFound, "descriptor not found: "+name)
		return
	}

	var body struct {
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"descriptor":    d.Name,
		"connector":     d.Connector,
		"estimated_usd": catalog.EstimateCost(d, body.Params),
		"cost_model":    d.CostModel,
		"sla":           d.SLA,
	})
}

// ── Connector Handlers ───────────────────────────────────────

// connectorView is the API shape of a registered connector: its static
// descriptor plus live metrics and circuit state.
type connectorView struct {
	models.ConnectorDescriptor
	Metrics     models.ConnectorMetrics `json:"metrics"`
	CircuitOpen bool                    `json:"circuit_open"`
}

func (h *Handlers) ListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors := h.Registry.All()
	views := make([]connectorView, 0, len(connectors))
	for _, c := range connectors {
		desc := c.Descriptor()
		views = append(views, connectorView{
			ConnectorDescriptor: desc,
			Metrics:             c.Metrics(),
			CircuitOpen:         h.Registry.CircuitOpen(desc.Name),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) ConnectorHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.HealthCheckAll(r.Context()))
}

// ── Execution Handlers ───────────────────────────────────────

// StartExecution accepts an opportunity and starts a pipeline run for it.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	var opp models.Opportunity
	if err := json.NewDecoder(r.Body).Decode(&opp); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.Pipeline.Start(r.Context(), opp)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		Platform: r.URL.Query().Get("platform"),
		Stage:    models.Stage(r.URL.Query().Get("stage")),
		Status:   models.ExecutionStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	execs, err := h.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []models.Execution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	view, err := h.Pipeline.Status(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// approveRequest is the body of POST /executions/{id}/approve.
type approveRequest struct {
	Approver string `json:"approver"`
	Comments string `json:"comments,omitempty"`
	Approved bool   `json:"approved"`
}

func (h *Handlers) ApproveExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Approver == "" {
		respondError(w, http.StatusBadRequest, "approver is required")
		return
	}

	if err := h.Pipeline.Approve(r.Context(), id, req.Approver, req.Comments, req.Approved); err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusConflict, err.Error())
		}
		return
	}

	record, err := h.Store.GetApproval(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	if !h.Pipeline.Cancel(id) {
		respondError(w, http.StatusNotFound, "no running execution: "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "canceled"})
}

// ── Stats Handlers ───────────────────────────────────────────

// GetStats reports the runtime counters and per-platform win/loss tallies.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	tallies, err := h.Pipeline.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tallies == nil {
		tallies = []models.PlatformTally{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"runtime":   h.Runtime.Stats(),
		"platforms": tallies,
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}
