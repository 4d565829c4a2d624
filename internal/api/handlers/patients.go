package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/reconcile"
	"github.com/medbridge/go-pix/internal/registry"
)

// PatientHandler exposes read and create access to the two external
// endpoints, plus the mapping-aware views that join them.
type PatientHandler struct {
	registry *registry.Client
	archive  *archive.Client
	store    reconcile.MappingStore
	logger   *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(reg *registry.Client, arch *archive.Client, store reconcile.MappingStore, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{registry: reg, archive: arch, store: store, logger: logger}
}

// RegistryRoutes returns the registry-side routes
func (h *PatientHandler) RegistryRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/patients", h.SearchRegistry)
	r.Post("/patients", h.CreateRegistryPatient)
	r.Get("/patients/{uuid}", h.GetRegistryPatient)
	r.Get("/patients/{uuid}/studies", h.RegistryPatientStudies)
	return r
}

// ArchiveRoutes returns the archive-side routes
func (h *PatientHandler) ArchiveRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/patients", h.ListArchive)
	r.Get("/patients/{id}", h.GetArchivePatient)
	r.Get("/studies/{id}", h.GetArchiveStudy)
	r.Get("/unmapped-patients", h.UnmappedPatients)
	return r
}

// SearchRegistry handles GET /registry/patients. ?identifier= filters to
// exact identifier matches; ?q= runs the registry's fuzzy search.
func (h *PatientHandler) SearchRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var patients []registry.Patient
	var err error
	switch {
	case r.URL.Query().Get("identifier") != "":
		patients, err = h.registry.FindByIdentifier(ctx, r.URL.Query().Get("identifier"))
	case r.URL.Query().Get("q") != "":
		patients, err = h.registry.Search(ctx, r.URL.Query().Get("q"))
	default:
		jsonError(w, "identifier or q query parameter is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("registry search failed", zap.Error(err))
		jsonError(w, "registry unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(patients),
		"patients": patients,
	})
}

// GetRegistryPatient handles GET /registry/patients/{uuid}
func (h *PatientHandler) GetRegistryPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := chi.URLParam(r, "uuid")

	patient, err := h.registry.GetPatient(ctx, uuid)
	if err != nil {
		if errors.Is(err, registry.ErrPatientNotFound) {
			jsonError(w, "registry patient not found", http.StatusNotFound)
			return
		}
		h.logger.Error("registry fetch failed", zap.Error(err))
		jsonError(w, "registry unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

// CreateRegistryPatient handles POST /registry/patients. Creation is
// rejected when a patient already carries the identifier.
func (h *PatientHandler) CreateRegistryPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registry.NewPatient
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FamilyName == "" || req.GivenName == "" {
		jsonError(w, "family_name and given_name are required", http.StatusBadRequest)
		return
	}

	if req.Identifier == "" {
		req.Identifier = generateIdentifier()
	} else {
		existing, err := h.registry.FindByIdentifier(ctx, req.Identifier)
		if err != nil {
			h.logger.Error("identifier pre-check failed", zap.Error(err))
			jsonError(w, "registry unavailable", http.StatusBadGateway)
			return
		}
		if len(existing) > 0 {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":    "identifier already in use",
				"patients": existing,
			})
			return
		}
	}

	patient, err := h.registry.CreatePatient(ctx, req)
	if err != nil {
		h.logger.Error("create registry patient failed", zap.Error(err))
		jsonError(w, "failed to create patient", http.StatusBadGateway)
		return
	}
	h.logger.Info("registry patient created",
		zap.String("uuid", patient.UUID),
		zap.String("identifier", req.Identifier))
	writeJSON(w, http.StatusCreated, patient)
}

// RegistryPatientStudies handles GET /registry/patients/{uuid}/studies.
// Studies are reachable only through an active mapping.
func (h *PatientHandler) RegistryPatientStudies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := chi.URLParam(r, "uuid")

	mappings, err := h.store.ListActive(ctx)
	if err != nil {
		h.logger.Error("list mappings failed", zap.Error(err))
		jsonError(w, "failed to list mappings", http.StatusInternalServerError)
		return
	}

	var studies []*archive.StudyDetails
	for _, m := range mappings {
		if m.RegistryPatientID != uuid {
			continue
		}
		ids, serr := h.archive.ListStudies(ctx, m.ArchivePatientID)
		if serr != nil {
			h.logger.Error("archive study lookup failed",
				zap.String("archive_patient_id", m.ArchivePatientID), zap.Error(serr))
			jsonError(w, "archive unavailable", http.StatusBadGateway)
			return
		}
		for _, id := range ids {
			study, gerr := h.archive.GetStudy(ctx, id)
			if gerr != nil {
				jsonError(w, "archive unavailable", http.StatusBadGateway)
				return
			}
			studies = append(studies, study)
		}
	}
	if studies == nil {
		studies = []*archive.StudyDetails{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registry_patient_id": uuid,
		"count":               len(studies),
		"studies":             studies,
	})
}

// ListArchive handles GET /archive/patients. The archive has no search
// API, so ?q= filters the fetched list on patient ID and name tags.
func (h *PatientHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := strings.ToLower(r.URL.Query().Get("q"))

	ids, err := h.archive.ListPatients(ctx)
	if err != nil {
		h.logger.Error("archive list failed", zap.Error(err))
		jsonError(w, "archive unavailable", http.StatusBadGateway)
		return
	}

	patients := make([]*archive.PatientDetails, 0, len(ids))
	for _, id := range ids {
		p, perr := h.archive.GetPatient(ctx, id)
		if perr != nil {
			if errors.Is(perr, archive.ErrNotFound) {
				continue
			}
			h.logger.Error("archive patient fetch failed", zap.String("id", id), zap.Error(perr))
			jsonError(w, "archive unavailable", http.StatusBadGateway)
			return
		}
		if q != "" && !archivePatientMatches(p, q) {
			continue
		}
		patients = append(patients, p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(patients),
		"patients": patients,
	})
}

// generateIdentifier mints a registry identifier when the caller did not
// supply one. Random UUIDs make a collision pre-check unnecessary.
func generateIdentifier() string {
	return "PIX" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

func archivePatientMatches(p *archive.PatientDetails, q string) bool {
	return strings.Contains(strings.ToLower(p.ID), q) ||
		strings.Contains(strings.ToLower(p.MainTags.PatientID), q) ||
		strings.Contains(strings.ToLower(p.MainTags.PatientName), q)
}

// GetArchivePatient handles GET /archive/patients/{id}
func (h *PatientHandler) GetArchivePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	patient, err := h.archive.GetPatient(ctx, id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			jsonError(w, "archive patient not found", http.StatusNotFound)
			return
		}
		h.logger.Error("archive fetch failed", zap.Error(err))
		jsonError(w, "archive unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

// GetArchiveStudy handles GET /archive/studies/{id}, returning the
// study with its series expanded.
func (h *PatientHandler) GetArchiveStudy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	study, err := h.archive.GetStudy(ctx, id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			jsonError(w, "study not found", http.StatusNotFound)
			return
		}
		h.logger.Error("archive study fetch failed", zap.Error(err))
		jsonError(w, "archive unavailable", http.StatusBadGateway)
		return
	}

	series := make([]*archive.SeriesDetails, 0, len(study.Series))
	for _, sid := range study.Series {
		s, serr := h.archive.GetSeries(ctx, sid)
		if serr != nil {
			jsonError(w, "archive unavailable", http.StatusBadGateway)
			return
		}
		series = append(series, s)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"study":  study,
		"series": series,
	})
}

// UnmappedPatients handles GET /archive/unmapped-patients: archive
// patients without an active mapping, the batch sweep's work list.
func (h *PatientHandler) UnmappedPatients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.archive.ListPatients(ctx)
	if err != nil {
		h.logger.Error("archive list failed", zap.Error(err))
		jsonError(w, "archive unavailable", http.StatusBadGateway)
		return
	}
	mapped, err := h.store.ActiveArchiveIDs(ctx)
	if err != nil {
		h.logger.Error("list mapped archive ids failed", zap.Error(err))
		jsonError(w, "failed to list mappings", http.StatusInternalServerError)
		return
	}

	unmapped := make([]string, 0, len(ids))
	for _, id := range ids {
		if !mapped[id] {
			unmapped = append(unmapped, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(unmapped),
		"patients": unmapped,
	})
}

// EndpointStatus describes the reachability of one external endpoint
type EndpointStatus struct {
	Reachable    bool   `json:"reachable"`
	BreakerState string `json:"breaker_state"`
	Detail       string `json:"detail,omitempty"`
}

// Connections handles GET /connections. Both endpoints are probed on
// every call regardless of the first result.
func (h *PatientHandler) Connections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reg := EndpointStatus{Reachable: true, BreakerState: string(h.registry.BreakerState())}
	if err := h.registry.Ping(ctx); err != nil {
		reg.Reachable = false
		reg.Detail = err.Error()
	}

	arch := EndpointStatus{Reachable: true, BreakerState: string(h.archive.BreakerState())}
	if info, err := h.archive.System(ctx); err != nil {
		arch.Reachable = false
		arch.Detail = err.Error()
	} else {
		arch.Detail = info.Name + " " + info.Version
	}

	status := http.StatusOK
	if !reg.Reachable || !arch.Reachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]EndpointStatus{
		"registry": reg,
		"archive":  arch,
	})
}
