// Package integration exercises the reconciliation API end to end:
// real router, real handlers, real endpoint clients against stub
// registry and archive servers, with an in-memory mapping store.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medbridge/go-pix/internal/api/handlers"
	"github.com/medbridge/go-pix/internal/api/middleware"
	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/reconcile"
	"github.com/medbridge/go-pix/internal/registry"
)

// memStore is an in-memory reconcile.MappingStore with the same
// uniqueness rule as the SQL store: at most one active mapping per
// archive patient.
type memStore struct {
	mu   sync.Mutex
	byID map[string]*mapping.PatientMapping
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*mapping.PatientMapping)}
}

func (s *memStore) Create(_ context.Context, m *mapping.PatientMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Active && existing.ArchivePatientID == m.ArchivePatientID {
			return mapping.ErrDuplicate
		}
	}
	m.Active = true
	m.CreatedAt = time.Now().UTC()
	cp := *m
	s.byID[m.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*mapping.PatientMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, mapping.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) GetActiveByArchiveID(_ context.Context, archiveID string) (*mapping.PatientMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.Active && m.ArchivePatientID == archiveID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, mapping.ErrNotFound
}

func (s *memStore) GetActiveByPair(_ context.Context, archiveID, registryID string) (*mapping.PatientMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.Active && m.ArchivePatientID == archiveID && m.RegistryPatientID == registryID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, mapping.ErrNotFound
}

func (s *memStore) ListActive(_ context.Context) ([]*mapping.PatientMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mapping.PatientMapping
	for _, m := range s.byID {
		if m.Active {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ActiveArchiveIDs(_ context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool)
	for _, m := range s.byID {
		if m.Active {
			ids[m.ArchivePatientID] = true
		}
	}
	return ids, nil
}

func (s *memStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || !m.Active {
		return mapping.ErrNotFound
	}
	m.Active = false
	return nil
}

func (s *memStore) UpdateSyncState(_ context.Context, m *mapping.PatientMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[m.ID]
	if !ok {
		return mapping.ErrNotFound
	}
	stored.SyncStatus = m.SyncStatus
	stored.ErrorMessage = m.ErrorMessage
	stored.LastSyncAt = m.LastSyncAt
	return nil
}

var _ reconcile.MappingStore = (*memStore)(nil)

// newRegistryServer serves the registry REST shapes for a fixed set of
// patients.
func newRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()

	patients := []map[string]interface{}{
		{
			"uuid":        "uuid-lee",
			"display":     "P100 - LEE SOYEON",
			"identifiers": []map[string]string{{"identifier": "P100"}},
			"person": map[string]interface{}{
				"gender":    "F",
				"birthdate": "1985-03-20T00:00:00.000+0000",
				"preferredName": map[string]string{
					"givenName":  "SOYEON",
					"familyName": "LEE",
				},
			},
		},
		{
			"uuid":        "uuid-park",
			"display":     "P200 - PARK JIHO",
			"identifiers": []map[string]string{{"identifier": "P200"}},
			"person": map[string]interface{}{
				"gender":    "M",
				"birthdate": "1990-07-01T00:00:00.000+0000",
				"preferredName": map[string]string{
					"givenName":  "JIHO",
					"familyName": "PARK",
				},
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/rest/v1/session", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"authenticated":true}`))
	})
	mux.HandleFunc("/ws/rest/v1/patient", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req struct {
				Identifiers []struct {
					Identifier string `json:"identifier"`
				} `json:"identifiers"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"uuid":"uuid-new","identifiers":[{"identifier":%q}]}`, req.Identifiers[0].Identifier)
			return
		}
		q := r.URL.Query().Get("q")
		var results []map[string]interface{}
		for _, p := range patients {
			if strings.Contains(p["display"].(string), q) {
				results = append(results, p)
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	})
	mux.HandleFunc("/ws/rest/v1/patient/", func(w http.ResponseWriter, r *http.Request) {
		uuid := strings.TrimPrefix(r.URL.Path, "/ws/rest/v1/patient/")
		for _, p := range patients {
			if p["uuid"] == uuid {
				json.NewEncoder(w).Encode(p)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// newArchiveServer serves the archive REST shapes for fixed patients,
// each with a single-study hierarchy whose instance bytes are not
// parsable DICOM.
func newArchiveServer(t *testing.T, patientIDs ...string) *httptest.Server {
	t.Helper()

	known := make(map[string]bool, len(patientIDs))
	for _, id := range patientIDs {
		known[id] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/system", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Name":"test-archive","Version":"1.12.4"}`))
	})
	mux.HandleFunc("/patients", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(patientIDs)
	})
	mux.HandleFunc("/patients/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/patients/")
		if !known[id] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ID":            id,
			"MainDicomTags": map[string]string{"PatientID": id},
			"Studies":       []string{id + "-study"},
		})
	})
	mux.HandleFunc("/studies/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/studies/")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ID":     id,
			"Series": []string{strings.TrimSuffix(id, "-study") + "-series"},
		})
	})
	mux.HandleFunc("/series/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/series/")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ID":        id,
			"Instances": []string{strings.TrimSuffix(id, "-series") + "-instance"},
		})
	})
	mux.HandleFunc("/instances/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not-a-dicom-instance"))
	})
	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ID":"inst-1","ParentPatient":"pat-1","Status":"Success"}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// newAPIServer wires the full router the way the service binary does.
func newAPIServer(t *testing.T, store reconcile.MappingStore, registryURL, archiveURL string) *httptest.Server {
	t.Helper()

	registryClient := registry.NewClient(registry.Config{
		BaseURL:     registryURL,
		CallTimeout: 5 * time.Second,
	}, nil, nil)
	archiveClient := archive.NewClient(archive.Config{
		BaseURL:     archiveURL,
		CallTimeout: 5 * time.Second,
	}, nil, nil)

	engine := reconcile.NewEngine(store, registryClient, archiveClient, nil, nil)

	mappingHandler := handlers.NewMappingHandler(engine, store, registryClient, archiveClient, nil, 2, nil)
	patientHandler := handlers.NewPatientHandler(registryClient, archiveClient, store, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", patientHandler.Connections)
		r.Mount("/registry", patientHandler.RegistryRoutes())
		r.Mount("/archive", patientHandler.ArchiveRoutes())
		r.Mount("/mappings", mappingHandler.Routes())
		r.Mount("/reconcile", mappingHandler.ReconcileRoutes())
		r.Mount("/dicom", handlers.NewUploadHandler(engine, nil, nil, nil).Routes())
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestManualMappingLifecycle(t *testing.T) {
	registryServer := newRegistryServer(t)
	archiveServer := newArchiveServer(t, "pat-1", "pat-2")
	api := newAPIServer(t, newMemStore(), registryServer.URL, archiveServer.URL)

	base := api.URL + "/api/v1/mappings"

	// Create
	var created struct {
		Success bool                    `json:"success"`
		Mapping *mapping.PatientMapping `json:"mapping"`
	}
	status := doJSON(t, http.MethodPost, base, map[string]string{
		"archive_patient_id":  "pat-1",
		"registry_patient_id": "uuid-lee",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", status)
	}
	if created.Mapping.Type != mapping.TypeManual {
		t.Errorf("expected MANUAL mapping, got %s", created.Mapping.Type)
	}
	if created.Mapping.SyncStatus != mapping.StatusManualMapped {
		t.Errorf("expected MANUAL_MAPPED, got %s", created.Mapping.SyncStatus)
	}

	// Same pair again conflicts
	var dup struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	status = doJSON(t, http.MethodPost, base, map[string]string{
		"archive_patient_id":  "pat-1",
		"registry_patient_id": "uuid-lee",
	}, &dup)
	if status != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", status)
	}
	if dup.Reason != reconcile.ReasonDuplicate {
		t.Errorf("expected duplicate reason, got %q", dup.Reason)
	}

	// Detail includes both endpoint snapshots
	var detail handlers.MappingDetail
	status = doJSON(t, http.MethodGet, base+"/"+created.Mapping.ID, nil, &detail)
	if status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	if detail.RegistryPatient == nil || detail.RegistryPatient.UUID != "uuid-lee" {
		t.Errorf("expected registry snapshot for uuid-lee, got %+v", detail.RegistryPatient)
	}
	if detail.ArchivePatient == nil || detail.ArchivePatient.ID != "pat-1" {
		t.Errorf("expected archive snapshot for pat-1, got %+v", detail.ArchivePatient)
	}

	// Sync lands on SYNCED with endpoints reachable
	var synced mapping.PatientMapping
	status = doJSON(t, http.MethodPost, base+"/"+created.Mapping.ID+"/sync", nil, &synced)
	if status != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d", status)
	}
	if synced.SyncStatus != mapping.StatusSynced {
		t.Errorf("expected SYNCED after revalidation, got %s", synced.SyncStatus)
	}

	// Delete, then the archive patient can be mapped again
	status = doJSON(t, http.MethodDelete, base+"/"+created.Mapping.ID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", status)
	}

	var remapped struct {
		Mapping *mapping.PatientMapping `json:"mapping"`
	}
	status = doJSON(t, http.MethodPost, base, map[string]string{
		"archive_patient_id":  "pat-1",
		"registry_patient_id": "uuid-park",
	}, &remapped)
	if status != http.StatusCreated {
		t.Fatalf("remap: expected 201, got %d", status)
	}
	if remapped.Mapping.ID == created.Mapping.ID {
		t.Error("remapping should create a new row")
	}

	// The soft-deleted row is still retrievable
	status = doJSON(t, http.MethodGet, base+"/"+created.Mapping.ID, nil, &detail)
	if status != http.StatusOK {
		t.Fatalf("get deleted: expected 200, got %d", status)
	}
	if detail.Mapping.Active {
		t.Error("deleted mapping should be inactive")
	}
}

func TestManualMappingUnresolvableEndpointsStillCreated(t *testing.T) {
	registryServer := newRegistryServer(t)
	archiveServer := newArchiveServer(t, "pat-1")
	api := newAPIServer(t, newMemStore(), registryServer.URL, archiveServer.URL)

	var created struct {
		Success bool                    `json:"success"`
		Mapping *mapping.PatientMapping `json:"mapping"`
	}
	status := doJSON(t, http.MethodPost, api.URL+"/api/v1/mappings", map[string]string{
		"archive_patient_id":  "pat-ghost",
		"registry_patient_id": "uuid-ghost",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 even with unresolvable endpoints, got %d", status)
	}
	if created.Mapping.SyncStatus != mapping.StatusError {
		t.Errorf("expected ERROR status, got %s", created.Mapping.SyncStatus)
	}
	if created.Mapping.ErrorMessage == nil {
		t.Fatal("expected error message naming both failed checks")
	}
	if !strings.Contains(*created.Mapping.ErrorMessage, "uuid-ghost") ||
		!strings.Contains(*created.Mapping.ErrorMessage, "pat-ghost") {
		t.Errorf("error message should name both endpoints, got %q", *created.Mapping.ErrorMessage)
	}
}

func TestSweepIsolatesPerPatientFailures(t *testing.T) {
	registryServer := newRegistryServer(t)
	archiveServer := newArchiveServer(t, "pat-1", "pat-2")
	store := newMemStore()
	api := newAPIServer(t, store, registryServer.URL, archiveServer.URL)

	// pat-2 is already mapped; only pat-1 should be swept.
	status := doJSON(t, http.MethodPost, api.URL+"/api/v1/mappings", map[string]string{
		"archive_patient_id":  "pat-2",
		"registry_patient_id": "uuid-park",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("seed mapping: expected 201, got %d", status)
	}

	var report reconcile.BatchReport
	status = doJSON(t, http.MethodPost, api.URL+"/api/v1/reconcile/batch", nil, &report)
	if status != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", status)
	}
	if report.TotalProcessed != 1 {
		t.Fatalf("expected 1 patient processed, got %d", report.TotalProcessed)
	}
	// Stub instance bytes are not parsable DICOM, so the one swept
	// patient fails without failing the sweep.
	if report.FailedCount != 1 {
		t.Errorf("expected 1 failed patient, got %d", report.FailedCount)
	}
	if report.Results[0].ArchivePatientID != "pat-1" {
		t.Errorf("expected pat-1 in report, got %s", report.Results[0].ArchivePatientID)
	}
}

func TestUploadRejectsUnparsableInstance(t *testing.T) {
	registryServer := newRegistryServer(t)
	archiveServer := newArchiveServer(t, "pat-1")
	api := newAPIServer(t, newMemStore(), registryServer.URL, archiveServer.URL)

	resp, err := http.Post(api.URL+"/api/v1/dicom/upload", "application/dicom",
		strings.NewReader("definitely not dicom"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unparsable body, got %d", resp.StatusCode)
	}
}

func TestPatientEndpoints(t *testing.T) {
	registryServer := newRegistryServer(t)
	archiveServer := newArchiveServer(t, "pat-1", "pat-2")
	api := newAPIServer(t, newMemStore(), registryServer.URL, archiveServer.URL)

	// Registry search by identifier
	var search struct {
		Count    int                `json:"count"`
		Patients []registry.Patient `json:"patients"`
	}
	status := doJSON(t, http.MethodGet, api.URL+"/api/v1/registry/patients?identifier=P100", nil, &search)
	if status != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", status)
	}
	if search.Count != 1 || search.Patients[0].UUID != "uuid-lee" {
		t.Errorf("expected uuid-lee for P100, got %+v", search.Patients)
	}

	// Direct fetch by UUID
	var fetched registry.Patient
	status = doJSON(t, http.MethodGet, api.URL+"/api/v1/registry/patients/uuid-park", nil, &fetched)
	if status != http.StatusOK || fetched.UUID != "uuid-park" {
		t.Fatalf("get: expected 200 for uuid-park, got %d (%+v)", status, fetched)
	}

	// Create with an identifier already in use conflicts
	status = doJSON(t, http.MethodPost, api.URL+"/api/v1/registry/patients", registry.NewPatient{
		Identifier: "P100",
		GivenName:  "OTHER",
		FamilyName: "PERSON",
	}, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for identifier in use, got %d", status)
	}

	// Fresh identifier creates
	var createdPatient registry.Patient
	status = doJSON(t, http.MethodPost, api.URL+"/api/v1/registry/patients", registry.NewPatient{
		Identifier: "P999",
		GivenName:  "NEW",
		FamilyName: "PATIENT",
		BirthDate:  "2000-01-01",
	}, &createdPatient)
	if status != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", status)
	}
	if createdPatient.UUID == "" {
		t.Error("expected created patient UUID")
	}

	// Archive listing
	var archList struct {
		Count int `json:"count"`
	}
	status = doJSON(t, http.MethodGet, api.URL+"/api/v1/archive/patients", nil, &archList)
	if status != http.StatusOK || archList.Count != 2 {
		t.Fatalf("archive list: expected 200 with 2 patients, got %d with %d", status, archList.Count)
	}

	// Connection probe reports both endpoints reachable
	var conns map[string]handlers.EndpointStatus
	status = doJSON(t, http.MethodGet, api.URL+"/api/v1/connections", nil, &conns)
	if status != http.StatusOK {
		t.Fatalf("connections: expected 200, got %d", status)
	}
	if !conns["registry"].Reachable || !conns["archive"].Reachable {
		t.Errorf("expected both endpoints reachable, got %+v", conns)
	}
}

func TestUnmappedPatientsAndLinkedStudies(t *testing.T) {
	registryServer := newRegistryServer(t)
	archiveServer := newArchiveServer(t, "pat-1", "pat-2")
	store := newMemStore()
	api := newAPIServer(t, store, registryServer.URL, archiveServer.URL)

	// Before any mapping both archive patients are unmapped.
	var unmapped struct {
		Count    int      `json:"count"`
		Patients []string `json:"patients"`
	}
	status := doJSON(t, http.MethodGet, api.URL+"/api/v1/archive/unmapped-patients", nil, &unmapped)
	if status != http.StatusOK || unmapped.Count != 2 {
		t.Fatalf("expected 2 unmapped patients, got %d with status %d", unmapped.Count, status)
	}

	status = doJSON(t, http.MethodPost, api.URL+"/api/v1/mappings", map[string]string{
		"archive_patient_id":  "pat-1",
		"registry_patient_id": "uuid-lee",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create mapping: expected 201, got %d", status)
	}

	status = doJSON(t, http.MethodGet, api.URL+"/api/v1/archive/unmapped-patients", nil, &unmapped)
	if status != http.StatusOK || unmapped.Count != 1 || unmapped.Patients[0] != "pat-2" {
		t.Fatalf("expected only pat-2 unmapped, got %+v", unmapped)
	}

	// The registry patient's studies resolve through the mapping.
	var studies struct {
		Count   int `json:"count"`
		Studies []struct {
			ID string `json:"ID"`
		} `json:"studies"`
	}
	status = doJSON(t, http.MethodGet, api.URL+"/api/v1/registry/patients/uuid-lee/studies", nil, &studies)
	if status != http.StatusOK {
		t.Fatalf("linked studies: expected 200, got %d", status)
	}
	if studies.Count != 1 || studies.Studies[0].ID != "pat-1-study" {
		t.Fatalf("expected pat-1-study linked to uuid-lee, got %+v", studies)
	}

	// Unmapped registry patient has no linked studies.
	status = doJSON(t, http.MethodGet, api.URL+"/api/v1/registry/patients/uuid-park/studies", nil, &studies)
	if status != http.StatusOK || studies.Count != 0 {
		t.Fatalf("expected no studies for unmapped patient, got %+v", studies)
	}
}
