package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/archive"
	"github.com/medbridge/go-pix/internal/dicommeta"
	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/observability/metrics"
)

// ErrUnparsableInstance marks uploads whose bytes are not a readable
// DICOM instance.
var ErrUnparsableInstance = errors.New("reconcile: unparsable dicom instance")

// ReasonInternal marks store failures that are neither a matching nor a
// validation state; callers should treat it as a retryable server error.
const ReasonInternal = "internal"

// Engine drives patient identity reconciliation. It owns the decision
// flow; matching and validation are delegated.
type Engine struct {
	store     MappingStore
	archive   ImageArchive
	matcher   *Matcher
	validator *Validator
	decode    Decoder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEngine creates a reconciliation engine. metrics may be nil.
func NewEngine(store MappingStore, directory PatientDirectory, arch ImageArchive, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		archive:   arch,
		matcher:   NewMatcher(directory, logger),
		validator: NewValidator(directory, arch, logger),
		decode:    dicommeta.Decode,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("reconcile-engine"),
	}
}

// UploadReceipt combines the archive's store result with the mapping
// outcome of the same upload.
type UploadReceipt struct {
	Upload  *archive.UploadResult `json:"upload"`
	Outcome *MappingOutcome       `json:"outcome"`
}

// UploadAndReconcile stores an instance in the archive and reconciles
// the patient it belongs to. A failed reconciliation does not undo the
// upload; the instance stays in the archive and the outcome reports why
// no mapping resulted.
func (e *Engine) UploadAndReconcile(ctx context.Context, data []byte) (*UploadReceipt, error) {
	ctx, span := e.tracer.Start(ctx, "upload_and_reconcile",
		trace.WithAttributes(attribute.Int("bytes", len(data))))
	defer span.End()

	if e.metrics != nil {
		e.metrics.UploadsReceived.Inc()
	}

	tags, err := e.decode(data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrUnparsableInstance, err)
	}

	result, err := e.archive.Upload(ctx, data)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ExternalCallFailures.WithLabelValues("archive").Inc()
		}
		span.RecordError(err)
		return nil, fmt.Errorf("archive upload: %w", err)
	}

	outcome := e.ReconcileUpload(ctx, result.ParentPatient, tags)
	return &UploadReceipt{Upload: result, Outcome: outcome}, nil
}

// ReconcileUpload resolves one archive patient against the registry.
//
// The call is idempotent: an archive patient that already has an active
// mapping is a successful no-op. At most one mapping row is created per
// call. An unreachable registry yields a failed outcome; the caller may
// retry the upload later, the engine never retries on its own.
func (e *Engine) ReconcileUpload(ctx context.Context, archivePatientID string, tags map[string]string) *MappingOutcome {
	ctx, span := e.tracer.Start(ctx, "reconcile_upload",
		trace.WithAttributes(attribute.String("archive_patient_id", archivePatientID)))
	defer span.End()

	outcome := e.reconcileUpload(ctx, archivePatientID, tags)

	span.SetAttributes(
		attribute.Bool("success", outcome.Success),
		attribute.String("reason", outcome.Reason),
	)
	if e.metrics != nil {
		e.metrics.Reconciliations.WithLabelValues(outcome.Reason).Inc()
	}
	return outcome
}

func (e *Engine) reconcileUpload(ctx context.Context, archivePatientID string, tags map[string]string) *MappingOutcome {
	existing, err := e.store.GetActiveByArchiveID(ctx, archivePatientID)
	if err == nil {
		e.logger.Debug("archive patient already mapped",
			zap.String("archive_patient_id", archivePatientID),
			zap.String("mapping_id", existing.ID))
		return successOutcome(ReasonAlreadyMapped, existing)
	}
	if !errors.Is(err, mapping.ErrNotFound) {
		return failedOutcome(ReasonInternal, fmt.Sprintf("mapping lookup: %v", err))
	}

	key := dicommeta.ExtractMatchKey(tags)

	result, err := e.matcher.Resolve(ctx, key)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ExternalCallFailures.WithLabelValues("registry").Inc()
		}
		return failedOutcome(ReasonUnavailable, err.Error())
	}

	switch result.Kind {
	case MatchNone:
		return failedOutcome(ReasonNoMatch, "no registry patient matches the instance demographics")
	case MatchAmbiguous:
		outcome := failedOutcome(ReasonAmbiguous,
			fmt.Sprintf("%d registry patients match; refusing to guess", len(result.Candidates)))
		outcome.Candidates = result.Candidates
		return outcome
	}

	m := &mapping.PatientMapping{
		ID:                uuid.NewString(),
		ArchivePatientID:  archivePatientID,
		RegistryPatientID: result.Patient.UUID,
		Type:              mapping.TypeAuto,
		SyncStatus:        mapping.StatusAutoMapped,
	}
	if err := e.store.Create(ctx, m); err != nil {
		if errors.Is(err, mapping.ErrDuplicate) {
			// Lost a create race; the winner's mapping serves.
			if winner, gerr := e.store.GetActiveByArchiveID(ctx, archivePatientID); gerr == nil {
				return successOutcome(ReasonAlreadyMapped, winner)
			}
			return failedOutcome(ReasonDuplicate, "archive patient already has an active mapping")
		}
		return failedOutcome(ReasonInternal, fmt.Sprintf("create mapping: %v", err))
	}
	if e.metrics != nil {
		e.metrics.MappingsCreated.WithLabelValues(string(mapping.TypeAuto)).Inc()
	}

	e.validateAndPersist(ctx, m)
	return successOutcome(ReasonMapped, m)
}

// CreateManualMapping records an operator-confirmed mapping between an
// archive patient and a registry patient. Validation runs but never
// blocks creation: a manual mapping whose endpoints do not resolve is
// created in ERROR state for the operator to inspect.
func (e *Engine) CreateManualMapping(ctx context.Context, archivePatientID, registryPatientID string) *MappingOutcome {
	ctx, span := e.tracer.Start(ctx, "create_manual_mapping",
		trace.WithAttributes(
			attribute.String("archive_patient_id", archivePatientID),
			attribute.String("registry_patient_id", registryPatientID),
		))
	defer span.End()

	if archivePatientID == "" || registryPatientID == "" {
		return failedOutcome(ReasonValidation, "archive_patient_id and registry_patient_id are required")
	}

	if _, err := e.store.GetActiveByPair(ctx, archivePatientID, registryPatientID); err == nil {
		return failedOutcome(ReasonDuplicate, "an active mapping for this patient pair already exists")
	} else if !errors.Is(err, mapping.ErrNotFound) {
		return failedOutcome(ReasonInternal, fmt.Sprintf("mapping lookup: %v", err))
	}

	m := &mapping.PatientMapping{
		ID:                uuid.NewString(),
		ArchivePatientID:  archivePatientID,
		RegistryPatientID: registryPatientID,
		Type:              mapping.TypeManual,
		SyncStatus:        mapping.StatusManualMapped,
	}
	if err := e.store.Create(ctx, m); err != nil {
		if errors.Is(err, mapping.ErrDuplicate) {
			return failedOutcome(ReasonDuplicate, "archive patient already has an active mapping")
		}
		return failedOutcome(ReasonInternal, fmt.Sprintf("create mapping: %v", err))
	}
	if e.metrics != nil {
		e.metrics.MappingsCreated.WithLabelValues(string(mapping.TypeManual)).Inc()
	}

	e.validateAndPersist(ctx, m)
	return successOutcome(ReasonMapped, m)
}

// SyncMapping re-validates one mapping and persists the resulting sync
// state.
func (e *Engine) SyncMapping(ctx context.Context, mappingID string) (*mapping.PatientMapping, error) {
	ctx, span := e.tracer.Start(ctx, "sync_mapping",
		trace.WithAttributes(attribute.String("mapping_id", mappingID)))
	defer span.End()

	m, err := e.store.GetByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}

	failures := e.validator.Validate(ctx, m)
	if len(failures) > 0 && e.metrics != nil {
		e.metrics.ValidationFailures.Inc()
	}
	m.ApplySync(failures, time.Now())
	if err := e.store.UpdateSyncState(ctx, m); err != nil {
		return nil, fmt.Errorf("persist sync state: %w", err)
	}
	return m, nil
}

// DeleteMapping soft-deletes a mapping. The row remains retrievable by
// ID.
func (e *Engine) DeleteMapping(ctx context.Context, mappingID string) error {
	if err := e.store.Deactivate(ctx, mappingID); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.MappingsDeactivated.Inc()
	}
	return nil
}

// validateAndPersist runs first validation on a fresh mapping. A store
// failure here leaves the mapping usable, so it is logged, not surfaced.
func (e *Engine) validateAndPersist(ctx context.Context, m *mapping.PatientMapping) {
	failures := e.validator.Validate(ctx, m)
	if len(failures) > 0 && e.metrics != nil {
		e.metrics.ValidationFailures.Inc()
	}
	m.ApplySync(failures, time.Now())
	if err := e.store.UpdateSyncState(ctx, m); err != nil {
		e.logger.Error("persist sync state failed",
			zap.String("mapping_id", m.ID),
			zap.Error(err))
	}
}
