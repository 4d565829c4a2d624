package mapping

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a mapping lifecycle event.
type EventType string

const (
	EventMappingCreated     EventType = "MappingCreated"
	EventMappingDeactivated EventType = "MappingDeactivated"
	EventMappingSyncChanged EventType = "MappingSyncChanged"
)

// Event is a mapping lifecycle event, written to the transactional outbox in
// the same transaction as the row mutation and relayed to the event stream.
type Event struct {
	ID                string          `json:"id"`
	MappingID         string          `json:"mapping_id"`
	EventType         EventType       `json:"event_type"`
	ArchivePatientID  string          `json:"archive_patient_id"`
	RegistryPatientID string          `json:"registry_patient_id"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// NewEvent builds an event with the payload marshalled in place.
func NewEvent(m *PatientMapping, eventType EventType) (*Event, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:                uuid.New().String(),
		MappingID:         m.ID,
		EventType:         eventType,
		ArchivePatientID:  m.ArchivePatientID,
		RegistryPatientID: m.RegistryPatientID,
		Payload:           payload,
		Timestamp:         time.Now().UTC(),
	}, nil
}
