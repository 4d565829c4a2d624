package reconcile

import (
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/registry"
)

// Outcome reason codes. Failure reasons classify why no usable mapping
// resulted; success reasons distinguish a fresh mapping from a no-op.
const (
	ReasonMapped        = "mapped"
	ReasonAlreadyMapped = "already_mapped"
	ReasonAmbiguous     = "ambiguous"
	ReasonNoMatch       = "no_match"
	ReasonDuplicate     = "duplicate"
	ReasonValidation    = "validation"
	ReasonUnavailable   = "external_unavailable"
	ReasonNoStudy       = "no_study"
	ReasonNoSeries      = "no_series"
	ReasonNoInstance    = "no_instance"
)

// MappingOutcome is the result of one reconciliation attempt. It is a
// value, never an error: reconciliation failures are expected states the
// caller inspects, not exceptional conditions.
type MappingOutcome struct {
	Success    bool                    `json:"success"`
	Reason     string                  `json:"reason"`
	Mapping    *mapping.PatientMapping `json:"mapping,omitempty"`
	Candidates []registry.Patient      `json:"candidates,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func successOutcome(reason string, m *mapping.PatientMapping) *MappingOutcome {
	return &MappingOutcome{Success: true, Reason: reason, Mapping: m}
}

func failedOutcome(reason, errMsg string) *MappingOutcome {
	return &MappingOutcome{Success: false, Reason: reason, Error: errMsg}
}

// PatientResult is the per-patient record inside a batch report.
type PatientResult struct {
	ArchivePatientID string `json:"archive_patient_id"`
	Success          bool   `json:"success"`
	Reason           string `json:"reason"`
	MappingID        string `json:"mapping_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// BatchReport summarizes one reconciliation sweep.
type BatchReport struct {
	TotalProcessed  int             `json:"total_processed"`
	SuccessfulCount int             `json:"successful_count"`
	FailedCount     int             `json:"failed_count"`
	Results         []PatientResult `json:"per_patient_results"`
	StartedAt       string          `json:"started_at"`
	FinishedAt      string          `json:"finished_at"`
}
