// Package reconcile implements patient identity reconciliation between
// the DICOM archive and the patient registry: resolving uploaded
// instances to registry patients, maintaining the mapping table, and
// sweeping unmapped archive patients.
package reconcile

import (
	"context"

	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/dicommeta"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/registry"
)

// PatientDirectory is the slice of the registry the engine needs.
// FindByIdentifier returns exact identifier matches only;
// FindByDemographics returns patients whose family name, given name and
// birth date all match (names case-insensitively).
type PatientDirectory interface {
	FindByIdentifier(ctx context.Context, identifier string) ([]registry.Patient, error)
	FindByDemographics(ctx context.Context, familyName, givenName, birthDate string) ([]registry.Patient, error)
	Exists(ctx context.Context, uuid string) (bool, error)
}

// ImageArchive is the slice of the DICOM archive the engine needs.
type ImageArchive interface {
	ListPatients(ctx context.Context) ([]string, error)
	ListStudies(ctx context.Context, patientID string) ([]string, error)
	ListSeries(ctx context.Context, studyID string) ([]string, error)
	ListInstances(ctx context.Context, seriesID string) ([]string, error)
	FetchInstanceBytes(ctx context.Context, instanceID string) ([]byte, error)
	Upload(ctx context.Context, data []byte) (*archive.UploadResult, error)
	Exists(ctx context.Context, patientID string) (bool, error)
}

// MappingStore is the persistence surface the engine needs.
type MappingStore interface {
	Create(ctx context.Context, m *mapping.PatientMapping) error
	GetByID(ctx context.Context, id string) (*mapping.PatientMapping, error)
	GetActiveByArchiveID(ctx context.Context, archiveID string) (*mapping.PatientMapping, error)
	GetActiveByPair(ctx context.Context, archiveID, registryID string) (*mapping.PatientMapping, error)
	ListActive(ctx context.Context) ([]*mapping.PatientMapping, error)
	ActiveArchiveIDs(ctx context.Context) (map[string]bool, error)
	Deactivate(ctx context.Context, id string) error
	UpdateSyncState(ctx context.Context, m *mapping.PatientMapping) error
}

// Decoder turns a raw DICOM instance into its string-valued header tags.
type Decoder func(data []byte) (map[string]string, error)

var _ PatientDirectory = (*registry.Client)(nil)
var _ ImageArchive = (*archive.Client)(nil)
var _ MappingStore = (*mapping.Store)(nil)
var _ Decoder = dicommeta.Decode
