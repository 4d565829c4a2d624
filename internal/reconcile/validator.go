package reconcile

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/domain/mapping"
)

// Validator checks that both endpoints of a mapping still resolve.
//
// Both checks always run so one report covers the whole mapping; a
// broken registry side never hides a broken archive side. Endpoint
// transport failures count as validation failures for that side, since
// an unreachable endpoint cannot vouch for its patient.
type Validator struct {
	directory PatientDirectory
	archive   ImageArchive
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewValidator creates a validator.
func NewValidator(directory PatientDirectory, archive ImageArchive, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		directory: directory,
		archive:   archive,
		logger:    logger,
		tracer:    otel.Tracer("mapping-validator"),
	}
}

// Validate returns the list of failure messages for a mapping. An empty
// list means both endpoints resolve.
func (v *Validator) Validate(ctx context.Context, m *mapping.PatientMapping) []string {
	ctx, span := v.tracer.Start(ctx, "validate_mapping",
		trace.WithAttributes(attribute.String("mapping_id", m.ID)))
	defer span.End()

	var failures []string

	exists, err := v.directory.Exists(ctx, m.RegistryPatientID)
	if err != nil {
		failures = append(failures, fmt.Sprintf("registry check failed: %v", err))
	} else if !exists {
		failures = append(failures, fmt.Sprintf("registry patient %s not found", m.RegistryPatientID))
	}

	exists, err = v.archive.Exists(ctx, m.ArchivePatientID)
	if err != nil {
		failures = append(failures, fmt.Sprintf("archive check failed: %v", err))
	} else if !exists {
		failures = append(failures, fmt.Sprintf("archive patient %s not found", m.ArchivePatientID))
	}

	if len(failures) > 0 {
		span.SetAttributes(attribute.Int("failures", len(failures)))
		v.logger.Warn("mapping validation failed",
			zap.String("mapping_id", m.ID),
			zap.Strings("failures", failures))
	}
	return failures
}
