// Package registry is the client for the patient registry REST API
// (OpenMRS-compatible). The registry is authoritative for patient
// identity; the reconciliation engine resolves DICOM demographics
// against it.
package registry

// Patient is a registry patient in the shape the engine consumes.
type Patient struct {
	UUID        string   `json:"uuid"`
	Display     string   `json:"display"`
	Identifiers []string `json:"identifiers"`
	FamilyName  string   `json:"family_name"`
	GivenName   string   `json:"given_name"`
	BirthDate   string   `json:"birth_date"`
	Gender      string   `json:"gender"`
}

// PrimaryIdentifier returns the first identifier, or "".
func (p Patient) PrimaryIdentifier() string {
	if len(p.Identifiers) == 0 {
		return ""
	}
	return p.Identifiers[0]
}

// restPatient mirrors the registry's wire representation.
type restPatient struct {
	UUID        string `json:"uuid"`
	Display     string `json:"display"`
	Identifiers []struct {
		Identifier string `json:"identifier"`
	} `json:"identifiers"`
	Person struct {
		Gender        string `json:"gender"`
		Birthdate     string `json:"birthdate"`
		PreferredName struct {
			GivenName  string `json:"givenName"`
			FamilyName string `json:"familyName"`
		} `json:"preferredName"`
	} `json:"person"`
}

type searchResponse struct {
	Results []restPatient `json:"results"`
}

func (rp restPatient) toPatient() Patient {
	p := Patient{
		UUID:       rp.UUID,
		Display:    rp.Display,
		FamilyName: rp.Person.PreferredName.FamilyName,
		GivenName:  rp.Person.PreferredName.GivenName,
		BirthDate:  rp.Person.Birthdate,
		Gender:     rp.Person.Gender,
	}
	for _, id := range rp.Identifiers {
		p.Identifiers = append(p.Identifiers, id.Identifier)
	}
	return p
}

// NewPatient is the payload for creating a registry patient.
type NewPatient struct {
	Identifier string `json:"identifier"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Gender     string `json:"gender"`
	BirthDate  string `json:"birth_date"`
}
