package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// BatchReconcile sweeps the archive for patients without an active
// mapping and reconciles each one from its first stored instance.
//
// One patient's failure never aborts the sweep; it is recorded in the
// report and the sweep moves on. Cancellation is honored between
// patients, so a stopped sweep still returns the report for the work it
// finished.
func (e *Engine) BatchReconcile(ctx context.Context) (*BatchReport, error) {
	ctx, span := e.tracer.Start(ctx, "batch_reconcile")
	defer span.End()

	started := time.Now()

	archiveIDs, err := e.archive.ListPatients(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ExternalCallFailures.WithLabelValues("archive").Inc()
		}
		span.RecordError(err)
		return nil, fmt.Errorf("list archive patients: %w", err)
	}

	mapped, err := e.store.ActiveArchiveIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list mapped archive ids: %w", err)
	}

	report := &BatchReport{StartedAt: started.UTC().Format(time.RFC3339)}

	for _, archiveID := range archiveIDs {
		if mapped[archiveID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.logger.Warn("sweep cancelled", zap.Int("processed", report.TotalProcessed))
			break
		}

		result := e.sweepPatient(ctx, archiveID)
		report.Results = append(report.Results, result)
		report.TotalProcessed++
		if result.Success {
			report.SuccessfulCount++
		} else {
			report.FailedCount++
		}
		if e.metrics != nil {
			e.metrics.SweepPatients.Inc()
		}
	}

	report.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	span.SetAttributes(
		attribute.Int("total_processed", report.TotalProcessed),
		attribute.Int("successful", report.SuccessfulCount),
		attribute.Int("failed", report.FailedCount),
	)
	if e.metrics != nil {
		e.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}

	e.logger.Info("reconciliation sweep finished",
		zap.Int("total_processed", report.TotalProcessed),
		zap.Int("successful", report.SuccessfulCount),
		zap.Int("failed", report.FailedCount),
		zap.Duration("duration", time.Since(started)))
	return report, nil
}

// sweepPatient reconciles one archive patient from the first instance of
// its first series of its first study.
func (e *Engine) sweepPatient(ctx context.Context, archiveID string) PatientResult {
	fail := func(reason, errMsg string) PatientResult {
		return PatientResult{ArchivePatientID: archiveID, Success: false, Reason: reason, Error: errMsg}
	}

	studies, err := e.archive.ListStudies(ctx, archiveID)
	if err != nil {
		return fail(ReasonUnavailable, fmt.Sprintf("list studies: %v", err))
	}
	if len(studies) == 0 {
		return fail(ReasonNoStudy, "archive patient has no studies")
	}

	series, err := e.archive.ListSeries(ctx, studies[0])
	if err != nil {
		return fail(ReasonUnavailable, fmt.Sprintf("list series: %v", err))
	}
	if len(series) == 0 {
		return fail(ReasonNoSeries, "study has no series")
	}

	instances, err := e.archive.ListInstances(ctx, series[0])
	if err != nil {
		return fail(ReasonUnavailable, fmt.Sprintf("list instances: %v", err))
	}
	if len(instances) == 0 {
		return fail(ReasonNoInstance, "series has no instances")
	}

	data, err := e.archive.FetchInstanceBytes(ctx, instances[0])
	if err != nil {
		return fail(ReasonUnavailable, fmt.Sprintf("fetch instance: %v", err))
	}

	tags, err := e.decode(data)
	if err != nil {
		return fail(ReasonValidation, fmt.Sprintf("decode instance: %v", err))
	}

	outcome := e.ReconcileUpload(ctx, archiveID, tags)
	result := PatientResult{
		ArchivePatientID: archiveID,
		Success:          outcome.Success,
		Reason:           outcome.Reason,
		Error:            outcome.Error,
	}
	if outcome.Mapping != nil {
		result.MappingID = outcome.Mapping.ID
	}
	return result
}
