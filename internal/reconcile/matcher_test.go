package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/medbridge/go-pix/internal/dicommeta"
	"github.com/medbridge/go-pix/internal/registry"
)

func strptr(s string) *string { return &s }

func keyFrom(identifier, family, given, birthDate string) dicommeta.MatchKey {
	key := dicommeta.MatchKey{Sex: dicommeta.SexUnknown}
	if identifier != "" {
		key.Identifier = strptr(identifier)
	}
	if family != "" {
		key.FamilyName = strptr(family)
	}
	if given != "" {
		key.GivenName = strptr(given)
	}
	if birthDate != "" {
		key.BirthDate = strptr(birthDate)
	}
	return key
}

func TestResolveIdentifierBeatsDemographics(t *testing.T) {
	// Identifier P100 belongs to one patient; a different patient shares
	// the demographics exactly. The identifier must win.
	dir := &fakeDirectory{patients: []registry.Patient{
		{UUID: "uuid-identifier", Identifiers: []string{"P100"}, FamilyName: "KIM", GivenName: "SOO", BirthDate: "1970-01-01"},
		{UUID: "uuid-demographic", Identifiers: []string{"P999"}, FamilyName: "KIM", GivenName: "MIN", BirthDate: "1990-03-03"},
	}}
	matcher := NewMatcher(dir, nil)

	result, err := matcher.Resolve(context.Background(), keyFrom("P100", "KIM", "MIN", "1990-03-03"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != MatchUnique {
		t.Fatalf("kind = %s, want unique", result.Kind)
	}
	if result.Patient.UUID != "uuid-identifier" {
		t.Errorf("matched %s, want uuid-identifier", result.Patient.UUID)
	}
}

func TestResolveDemographicFallback(t *testing.T) {
	dir := &fakeDirectory{patients: []registry.Patient{
		{UUID: "uuid-1", Identifiers: []string{"P200"}, FamilyName: "Smith", GivenName: "John", BirthDate: "1980-02-15"},
	}}
	matcher := NewMatcher(dir, nil)

	// Unknown identifier falls back to demographics, case-insensitively.
	result, err := matcher.Resolve(context.Background(), keyFrom("UNKNOWN", "SMITH", "JOHN", "1980-02-15"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != MatchUnique || result.Patient.UUID != "uuid-1" {
		t.Errorf("result = %+v, want unique uuid-1", result)
	}
}

func TestResolveIdentifierAmbiguous(t *testing.T) {
	dir := &fakeDirectory{patients: []registry.Patient{
		{UUID: "uuid-1", Identifiers: []string{"P300"}},
		{UUID: "uuid-2", Identifiers: []string{"P300"}},
	}}
	matcher := NewMatcher(dir, nil)

	result, err := matcher.Resolve(context.Background(), keyFrom("P300", "", "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != MatchAmbiguous {
		t.Fatalf("kind = %s, want ambiguous", result.Kind)
	}
	if len(result.Candidates) != 2 {
		t.Errorf("candidates = %d, want 2", len(result.Candidates))
	}
}

func TestResolveDemographicAmbiguous(t *testing.T) {
	dir := &fakeDirectory{patients: []registry.Patient{
		{UUID: "uuid-1", FamilyName: "LEE", GivenName: "ARA", BirthDate: "1992-09-09"},
		{UUID: "uuid-2", FamilyName: "LEE", GivenName: "ARA", BirthDate: "1992-09-09"},
	}}
	matcher := NewMatcher(dir, nil)

	result, err := matcher.Resolve(context.Background(), keyFrom("", "LEE", "ARA", "1992-09-09"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != MatchAmbiguous || len(result.Candidates) != 2 {
		t.Errorf("result = %+v, want ambiguous with 2 candidates", result)
	}
}

func TestResolveMissingDemographicsIsNoMatch(t *testing.T) {
	dir := &fakeDirectory{patients: []registry.Patient{
		{UUID: "uuid-1", FamilyName: "LEE", GivenName: "ARA", BirthDate: "1992-09-09"},
	}}
	matcher := NewMatcher(dir, nil)

	// No identifier and no birth date: partial demographics never match.
	result, err := matcher.Resolve(context.Background(), keyFrom("", "LEE", "ARA", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != MatchNone {
		t.Errorf("kind = %s, want none", result.Kind)
	}
}

func TestResolveNoMatch(t *testing.T) {
	matcher := NewMatcher(&fakeDirectory{}, nil)

	result, err := matcher.Resolve(context.Background(), keyFrom("P1", "X", "Y", "2000-01-01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != MatchNone {
		t.Errorf("kind = %s, want none", result.Kind)
	}
}

func TestResolveDirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("connection refused")}
	matcher := NewMatcher(dir, nil)

	_, err := matcher.Resolve(context.Background(), keyFrom("P1", "", "", ""))
	if err == nil {
		t.Fatal("expected error when registry is unreachable")
	}
}
