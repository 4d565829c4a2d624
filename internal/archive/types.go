// Package archive is the client for the DICOM archive REST API
// (Orthanc-compatible). Field names match the JSON keys the archive
// returns.
package archive

// PatientDetails describes an archive patient resource.
type PatientDetails struct {
	ID       string `json:"ID"`
	MainTags struct {
		PatientID        string `json:"PatientID,omitempty"`
		PatientName      string `json:"PatientName,omitempty"`
		PatientBirthDate string `json:"PatientBirthDate,omitempty"`
		PatientSex       string `json:"PatientSex,omitempty"`
	} `json:"MainDicomTags"`
	Studies    []string `json:"Studies"`
	IsStable   bool     `json:"IsStable"`
	LastUpdate string   `json:"LastUpdate"`
	Type       string   `json:"Type"`
}

// StudyDetails describes an archive study resource.
type StudyDetails struct {
	ID       string `json:"ID"`
	MainTags struct {
		StudyInstanceUID string `json:"StudyInstanceUID,omitempty"`
		StudyDate        string `json:"StudyDate,omitempty"`
		StudyDescription string `json:"StudyDescription,omitempty"`
		AccessionNumber  string `json:"AccessionNumber,omitempty"`
	} `json:"MainDicomTags"`
	Series     []string `json:"Series"`
	IsStable   bool     `json:"IsStable"`
	LastUpdate string   `json:"LastUpdate"`
	Type       string   `json:"Type"`
}

// SeriesDetails describes an archive series resource.
type SeriesDetails struct {
	ID       string `json:"ID"`
	MainTags struct {
		SeriesInstanceUID string `json:"SeriesInstanceUID,omitempty"`
		Modality          string `json:"Modality,omitempty"`
		SeriesDescription string `json:"SeriesDescription,omitempty"`
	} `json:"MainDicomTags"`
	Instances []string `json:"Instances"`
	Type      string   `json:"Type"`
}

// UploadResult is the archive's response to storing an instance.
type UploadResult struct {
	ID            string `json:"ID"`
	ParentPatient string `json:"ParentPatient"`
	ParentStudy   string `json:"ParentStudy"`
	ParentSeries  string `json:"ParentSeries"`
	Status        string `json:"Status"`
}

// SystemInfo is the archive's identity endpoint payload.
type SystemInfo struct {
	Name    string `json:"Name"`
	Version string `json:"Version"`
}
