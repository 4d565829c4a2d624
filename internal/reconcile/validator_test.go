package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/medbridge/go-pix/internal/domain/mapping"
	"github.com/medbridge/go-pix/internal/registry"
)

func TestValidateBothEndpointsResolve(t *testing.T) {
	dir := &fakeDirectory{patients: []registry.Patient{{UUID: "reg-1"}}}
	arch := newFakeArchive()
	arch.patients = []string{"pat-1"}
	v := NewValidator(dir, arch, nil)

	failures := v.Validate(context.Background(), &mapping.PatientMapping{
		ID: "m1", ArchivePatientID: "pat-1", RegistryPatientID: "reg-1",
	})
	if len(failures) != 0 {
		t.Errorf("failures = %v, want none", failures)
	}
}

func TestValidateReportsBothSides(t *testing.T) {
	// Neither endpoint knows the patient; both failures must be
	// reported, not just the first.
	v := NewValidator(&fakeDirectory{}, newFakeArchive(), nil)

	failures := v.Validate(context.Background(), &mapping.PatientMapping{
		ID: "m1", ArchivePatientID: "pat-x", RegistryPatientID: "reg-x",
	})
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want 2", failures)
	}
	if !strings.Contains(failures[0], "reg-x") {
		t.Errorf("first failure %q should name the registry patient", failures[0])
	}
	if !strings.Contains(failures[1], "pat-x") {
		t.Errorf("second failure %q should name the archive patient", failures[1])
	}
}

func TestValidateTransportErrorCountsAsFailure(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("dial tcp: connection refused")}
	arch := newFakeArchive()
	arch.patients = []string{"pat-1"}
	v := NewValidator(dir, arch, nil)

	failures := v.Validate(context.Background(), &mapping.PatientMapping{
		ID: "m1", ArchivePatientID: "pat-1", RegistryPatientID: "reg-1",
	})
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want 1", failures)
	}
	if !strings.Contains(failures[0], "registry check failed") {
		t.Errorf("failure = %q, want registry transport failure", failures[0])
	}
}
