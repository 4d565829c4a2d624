package reconcile

import (
	"context"
	"strings"
	"sync"

	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/registry"
)

// fakeDirectory is an in-memory PatientDirectory.
type fakeDirectory struct {
	patients []registry.Patient
	err      error
}

func (f *fakeDirectory) FindByIdentifier(_ context.Context, identifier string) ([]registry.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	var matches []registry.Patient
	for _, p := range f.patients {
		for _, id := range p.Identifiers {
			if id == identifier {
				matches = append(matches, p)
				break
			}
		}
	}
	return matches, nil
}

func (f *fakeDirectory) FindByDemographics(_ context.Context, familyName, givenName, birthDate string) ([]registry.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	var matches []registry.Patient
	for _, p := range f.patients {
		if strings.EqualFold(p.FamilyName, familyName) &&
			strings.EqualFold(p.GivenName, givenName) &&
			p.BirthDate == birthDate {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

func (f *fakeDirectory) Exists(_ context.Context, uuid string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, p := range f.patients {
		if p.UUID == uuid {
			return true, nil
		}
	}
	return false, nil
}

// fakeArchive is an in-memory ImageArchive with a flat hierarchy:
// patient -> studies -> series -> instances -> bytes.
type fakeArchive struct {
	patients  []string
	studies   map[string][]string
	series    map[string][]string
	instances map[string][]string
	files     map[string][]byte
	uploaded  *archive.UploadResult
	err       error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		studies:   map[string][]string{},
		series:    map[string][]string{},
		instances: map[string][]string{},
		files:     map[string][]byte{},
	}
}

// addInstance wires a complete patient/study/series/instance path.
func (f *fakeArchive) addInstance(patientID string, data []byte) {
	studyID := patientID + "-study"
	seriesID := patientID + "-series"
	instanceID := patientID + "-instance"
	f.patients = append(f.patients, patientID)
	f.studies[patientID] = []string{studyID}
	f.series[studyID] = []string{seriesID}
	f.instances[seriesID] = []string{instanceID}
	f.files[instanceID] = data
}

func (f *fakeArchive) ListPatients(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.patients, nil
}

func (f *fakeArchive) ListStudies(_ context.Context, patientID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.studies[patientID], nil
}

func (f *fakeArchive) ListSeries(_ context.Context, studyID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.series[studyID], nil
}

func (f *fakeArchive) ListInstances(_ context.Context, seriesID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.instances[seriesID], nil
}

func (f *fakeArchive) FetchInstanceBytes(_ context.Context, instanceID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[instanceID]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return data, nil
}

func (f *fakeArchive) Upload(context.Context, []byte) (*archive.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.uploaded != nil {
		return f.uploaded, nil
	}
	return &archive.UploadResult{ID: "inst-1", ParentPatient: "pat-1", Status: "Success"}, nil
}

func (f *fakeArchive) Exists(_ context.Context, patientID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, id := range f.patients {
		if id == patientID {
			return true, nil
		}
	}
	return false, nil
}

// fakeStore is an in-memory MappingStore enforcing the single active
// mapping per archive patient rule the real schema enforces with a
// partial unique index.
type fakeStore struct {
	mu       sync.Mutex
	byID     map[string]*mapping.PatientMapping
	order    []string
	createN  int
	updateN  int
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*mapping.PatientMapping{}}
}

func (s *fakeStore) Create(_ context.Context, m *mapping.PatientMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	for _, existing := range s.byID {
		if existing.Active && existing.ArchivePatientID == m.ArchivePatientID {
			return mapping.ErrDuplicate
		}
	}
	s.createN++
	m.Active = true
	cp := *m
	s.byID[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*mapping.PatientMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, mapping.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) GetActiveByArchiveID(_ context.Context, archiveID string) (*mapping.PatientMapping, error) {
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

func (s *fakeStore) GetActiveByPair(_ context.Context, archiveID, registryID string) (*mapping.PatientMapping, error) {
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

func (s *fakeStore) ListActive(context.Context) ([]*mapping.PatientMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mapping.PatientMapping
	for _, id := range s.order {
		if m := s.byID[id]; m.Active {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ActiveArchiveIDs(context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[string]bool{}
	for _, m := range s.byID {
		if m.Active {
			ids[m.ArchivePatientID] = true
		}
	}
	return ids, nil
}

func (s *fakeStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || !m.Active {
		return mapping.ErrNotFound
	}
	m.Active = false
	return nil
}

func (s *fakeStore) UpdateSyncState(_ context.Context, m *mapping.PatientMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[m.ID]
	if !ok {
		return mapping.ErrNotFound
	}
	s.updateN++
	stored.SyncStatus = m.SyncStatus
	stored.ErrorMessage = m.ErrorMessage
	stored.LastSyncAt = m.LastSyncAt
	return nil
}
