package dicommeta

import (
	"strings"
	"time"
)

// Sex is the normalized patient sex drawn from tag PatientSex.
type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexOther   Sex = "O"
	SexUnknown Sex = "unknown"
)

// MatchKey carries the demographics used to resolve an uploaded instance
// against the patient registry. Absent or unparseable tags leave the
// corresponding field nil; extraction itself never fails.
type MatchKey struct {
	Identifier *string `json:"identifier"`
	FamilyName *string `json:"family_name"`
	GivenName  *string `json:"given_name"`
	BirthDate  *string `json:"birth_date"`
	Sex        Sex     `json:"sex"`
}

// HasIdentifier reports whether an authoritative identifier is present.
func (k MatchKey) HasIdentifier() bool {
	return k.Identifier != nil && *k.Identifier != ""
}

// HasDemographics reports whether all fields needed for a demographic
// fallback match are present.
func (k MatchKey) HasDemographics() bool {
	return k.FamilyName != nil && *k.FamilyName != "" &&
		k.GivenName != nil && *k.GivenName != "" &&
		k.BirthDate != nil && *k.BirthDate != ""
}

// ExtractMatchKey builds a MatchKey from decoded DICOM tags.
//
// PatientName follows the PN convention "FAMILY^GIVEN^MIDDLE"; only the
// first two components are used. PatientBirthDate ("YYYYMMDD") is
// normalized to ISO "YYYY-MM-DD". PatientSex maps M/F/O, anything else
// (including absence) is unknown.
func ExtractMatchKey(tags map[string]string) MatchKey {
	key := MatchKey{Sex: SexUnknown}

	if id := strings.TrimSpace(tags["PatientID"]); id != "" {
		key.Identifier = &id
	}

	if name := strings.TrimSpace(tags["PatientName"]); name != "" {
		parts := strings.Split(name, "^")
		if family := strings.TrimSpace(parts[0]); family != "" {
			key.FamilyName = &family
		}
		if len(parts) > 1 {
			if given := strings.TrimSpace(parts[1]); given != "" {
				key.GivenName = &given
			}
		}
	}

	if raw := strings.TrimSpace(tags["PatientBirthDate"]); raw != "" {
		if t, err := time.Parse("20060102", raw); err == nil {
			iso := t.Format("2006-01-02")
			key.BirthDate = &iso
		}
	}

	switch s := strings.TrimSpace(strings.ToUpper(tags["PatientSex"])); {
	case strings.HasPrefix(s, "M"):
		key.Sex = SexMale
	case strings.HasPrefix(s, "F"):
		key.Sex = SexFemale
	case strings.HasPrefix(s, "O"):
		key.Sex = SexOther
	}

	return key
}
