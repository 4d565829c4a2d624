package reconcile

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/dicommeta"
	"github.com/medbridge/go-pix/internal/registry"
)

// MatchKind classifies a resolution result.
type MatchKind string

const (
	MatchUnique    MatchKind = "unique"
	MatchAmbiguous MatchKind = "ambiguous"
	MatchNone      MatchKind = "none"
)

// MatchResult is the outcome of resolving a match key against the
// registry. Candidates is populated for ambiguous results.
type MatchResult struct {
	Kind       MatchKind
	Patient    *registry.Patient
	Candidates []registry.Patient
}

// Matcher resolves extracted DICOM demographics to registry patients.
//
// Resolution is strictly ordered: an identifier match is authoritative
// and short-circuits; demographics are consulted only when the
// identifier yields nothing. More than one hit at either step is
// ambiguous, never silently picked from.
type Matcher struct {
	directory PatientDirectory
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewMatcher creates a matcher backed by the given registry.
func NewMatcher(directory PatientDirectory, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		directory: directory,
		logger:    logger,
		tracer:    otel.Tracer("identity-matcher"),
	}
}

// Resolve matches a key against the registry. A returned error means the
// registry could not be consulted; it never means "no match".
func (m *Matcher) Resolve(ctx context.Context, key dicommeta.MatchKey) (*MatchResult, error) {
	ctx, span := m.tracer.Start(ctx, "matcher_resolve")
	defer span.End()

	if key.HasIdentifier() {
		patients, err := m.directory.FindByIdentifier(ctx, *key.Identifier)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("identifier lookup: %w", err)
		}
		switch len(patients) {
		case 0:
			// Fall through to demographics.
		case 1:
			span.SetAttributes(attribute.String("match", "identifier"))
			return &MatchResult{Kind: MatchUnique, Patient: &patients[0]}, nil
		default:
			m.logger.Warn("identifier matched multiple registry patients",
				zap.String("identifier", *key.Identifier),
				zap.Int("count", len(patients)))
			span.SetAttributes(attribute.String("match", "identifier_ambiguous"))
			return &MatchResult{Kind: MatchAmbiguous, Candidates: patients}, nil
		}
	}

	if !key.HasDemographics() {
		span.SetAttributes(attribute.String("match", "none"))
		return &MatchResult{Kind: MatchNone}, nil
	}

	patients, err := m.directory.FindByDemographics(ctx, *key.FamilyName, *key.GivenName, *key.BirthDate)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("demographic lookup: %w", err)
	}
	switch len(patients) {
	case 0:
		span.SetAttributes(attribute.String("match", "none"))
		return &MatchResult{Kind: MatchNone}, nil
	case 1:
		span.SetAttributes(attribute.String("match", "demographics"))
		return &MatchResult{Kind: MatchUnique, Patient: &patients[0]}, nil
	default:
		span.SetAttributes(attribute.String("match", "demographics_ambiguous"))
		return &MatchResult{Kind: MatchAmbiguous, Candidates: patients}, nil
	}
}
