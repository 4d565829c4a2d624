// Package mapping implements the patient mapping record and its lifecycle.
package mapping

import (
	"errors"
	"strings"
	"time"
)

// Type classifies how a mapping was established.
type Type string

const (
	TypeAuto   Type = "AUTO"
	TypeManual Type = "MANUAL"
)

// SyncStatus tracks the most recent validation outcome for a mapping.
type SyncStatus string

const (
	StatusSynced       SyncStatus = "SYNCED"
	StatusError        SyncStatus = "ERROR"
	StatusAutoMapped   SyncStatus = "AUTO_MAPPED"
	StatusManualMapped SyncStatus = "MANUAL_MAPPED"
)

// Store sentinel errors.
var (
	// ErrNotFound indicates no mapping matched the lookup.
	ErrNotFound = errors.New("mapping not found")
	// ErrDuplicate indicates an active mapping already covers the archive patient.
	ErrDuplicate = errors.New("active mapping already exists")
)

// PatientMapping is the persisted correspondence between one archive-side
// patient record and one registry-side patient record. Deactivation is a
// soft delete: the row stays for audit, excluded from active queries.
type PatientMapping struct {
	ID                string     `json:"mapping_id"`
	ArchivePatientID  string     `json:"archive_patient_id"`
	RegistryPatientID string     `json:"registry_patient_id"`
	Type              Type       `json:"mapping_type"`
	SyncStatus        SyncStatus `json:"sync_status"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	Active            bool       `json:"is_active"`
}

// ApplySync records the outcome of a validation pass. Status and error
// message move together: entering ERROR always sets a message, any
// successful pass always clears it. The first pass after creation lands on
// AUTO_MAPPED or MANUAL_MAPPED depending on the mapping type; later passes
// land on SYNCED.
func (m *PatientMapping) ApplySync(validationErrors []string, now time.Time) {
	if len(validationErrors) > 0 {
		msg := strings.Join(validationErrors, "; ")
		m.SyncStatus = StatusError
		m.ErrorMessage = &msg
	} else {
		if m.LastSyncAt == nil {
			if m.Type == TypeManual {
				m.SyncStatus = StatusManualMapped
			} else {
				m.SyncStatus = StatusAutoMapped
			}
		} else {
			m.SyncStatus = StatusSynced
		}
		m.ErrorMessage = nil
	}
	t := now.UTC()
	m.LastSyncAt = &t
}
