// Package handlers provides HTTP handlers for the reconciliation API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/api/middleware"
	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/infrastructure/streaming"
	"github.com/medbridge/go-pix/internal/reconcile"
	"github.com/medbridge/go-pix/internal/registry"
)

// SweepPublisher enqueues sweep requests onto the event stream.
type SweepPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// MappingHandler handles mapping endpoints
type MappingHandler struct {
	engine    *reconcile.Engine
	store     reconcile.MappingStore
	registry  *registry.Client
	archive   *archive.Client
	publisher SweepPublisher
	workers   int
	logger    *zap.Logger
}

// NewMappingHandler creates a new handler. publisher may be nil, in
// which case sweep requests run synchronously in the request.
func NewMappingHandler(engine *reconcile.Engine, store reconcile.MappingStore, reg *registry.Client, arch *archive.Client, publisher SweepPublisher, revalidateWorkers int, logger *zap.Logger) *MappingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if revalidateWorkers <= 0 {
		revalidateWorkers = 8
	}
	return &MappingHandler{
		engine:    engine,
		store:     store,
		registry:  reg,
		archive:   arch,
		publisher: publisher,
		workers:   revalidateWorkers,
		logger:    logger,
	}
}

// Routes returns the mapping CRUD routes
func (h *MappingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.CreateManual)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/sync", h.Sync)
	return r
}

// ReconcileRoutes returns the batch operation routes
func (h *MappingHandler) ReconcileRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/batch", h.Sweep)
	r.Post("/revalidate", h.RevalidateAll)
	return r
}

// List handles GET /mappings
func (h *MappingHandler) List(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.store.ListActive(r.Context())
	if err != nil {
		h.logger.Error("list mappings failed", zap.Error(err))
		jsonError(w, "failed to list mappings", http.StatusInternalServerError)
		return
	}
	if mappings == nil {
		mappings = []*mapping.PatientMapping{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(mappings),
		"mappings": mappings,
	})
}

// CreateManualRequest is the request body for a manual mapping
type CreateManualRequest struct {
	ArchivePatientID  string `json:"archive_patient_id"`
	RegistryPatientID string `json:"registry_patient_id"`
}

// CreateManual handles POST /mappings
func (h *MappingHandler) CreateManual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("mapping-handler")
	ctx, span := tracer.Start(ctx, "create_manual_mapping")
	defer span.End()

	var req CreateManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("archive_patient_id", req.ArchivePatientID),
		attribute.String("registry_patient_id", req.RegistryPatientID),
	)

	outcome := h.engine.CreateManualMapping(ctx, req.ArchivePatientID, req.RegistryPatientID)
	if !outcome.Success {
		writeJSON(w, outcomeStatus(outcome), outcome)
		return
	}

	h.logger.Info("manual mapping created",
		zap.String("mapping_id", outcome.Mapping.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	writeJSON(w, http.StatusCreated, outcome)
}

// MappingDetail is a mapping plus current endpoint snapshots
type MappingDetail struct {
	Mapping         *mapping.PatientMapping `json:"mapping"`
	RegistryPatient *registry.Patient       `json:"registry_patient,omitempty"`
	ArchivePatient  *archive.PatientDetails `json:"archive_patient,omitempty"`
}

// Get handles GET /mappings/{id}. Soft-deleted mappings are returned
// too; endpoint snapshots are best effort.
func (h *MappingHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	m, err := h.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			jsonError(w, "mapping not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get mapping failed", zap.Error(err))
		jsonError(w, "failed to get mapping", http.StatusInternalServerError)
		return
	}

	detail := &MappingDetail{Mapping: m}
	if h.registry != nil {
		if p, perr := h.registry.GetPatient(ctx, m.RegistryPatientID); perr == nil {
			detail.RegistryPatient = p
		}
	}
	if h.archive != nil {
		if p, perr := h.archive.GetPatient(ctx, m.ArchivePatientID); perr == nil {
			detail.ArchivePatient = p
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// Delete handles DELETE /mappings/{id}
func (h *MappingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.engine.DeleteMapping(ctx, id); err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			jsonError(w, "mapping not found", http.StatusNotFound)
			return
		}
		h.logger.Error("delete mapping failed", zap.Error(err))
		jsonError(w, "failed to delete mapping", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mapping_id": id, "status": "deactivated"})
}

// Sync handles POST /mappings/{id}/sync
func (h *MappingHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	m, err := h.engine.SyncMapping(ctx, id)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			jsonError(w, "mapping not found", http.StatusNotFound)
			return
		}
		h.logger.Error("sync mapping failed", zap.Error(err))
		jsonError(w, "failed to sync mapping", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Sweep handles POST /reconcile/batch. With a publisher configured the
// sweep runs asynchronously in the sweep worker; otherwise it runs
// inline and the report is returned.
func (h *MappingHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.publisher != nil {
		payload, _ := json.Marshal(map[string]string{
			"requested_by": middleware.GetRequestID(ctx),
		})
		if err := h.publisher.Publish(ctx, streaming.TopicSweepRequests, "sweep", payload); err != nil {
			h.logger.Error("enqueue sweep failed", zap.Error(err))
			jsonError(w, "failed to enqueue sweep", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep_enqueued"})
		return
	}

	report, err := h.engine.BatchReconcile(ctx)
	if err != nil {
		h.logger.Error("sweep failed", zap.Error(err))
		jsonError(w, "sweep failed: archive unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RevalidateAll handles POST /reconcile/revalidate
func (h *MappingHandler) RevalidateAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.RevalidateAll(r.Context(), h.workers)
	if err != nil {
		h.logger.Error("revalidation failed", zap.Error(err))
		jsonError(w, "revalidation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// outcomeStatus maps a failed outcome to an HTTP status.
func outcomeStatus(outcome *reconcile.MappingOutcome) int {
	switch outcome.Reason {
	case reconcile.ReasonValidation:
		return http.StatusBadRequest
	case reconcile.ReasonDuplicate:
		return http.StatusConflict
	case reconcile.ReasonAmbiguous, reconcile.ReasonNoMatch:
		return http.StatusUnprocessableEntity
	case reconcile.ReasonUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
