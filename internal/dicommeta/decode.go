// Package dicommeta extracts patient matching metadata from DICOM
// instances. Decoding never touches pixel data; only string-typed header
// elements are surfaced.
package dicommeta

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Decode parses a DICOM instance and returns its string-valued header
// elements keyed by keyword (e.g. "PatientID", "PatientName"). Elements
// without a dictionary entry or a string value type are skipped.
func Decode(data []byte) (map[string]string, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}

	tags := make(map[string]string)
	for _, e := range ds.Elements {
		info, err := tag.Find(e.Tag)
		if err != nil || info.Name == "" {
			continue
		}
		if e.Value == nil || e.Value.ValueType() != dicom.Strings {
			continue
		}
		values := dicom.MustGetStrings(e.Value)
		if len(values) == 0 {
			continue
		}
		tags[info.Name] = strings.TrimSpace(values[0])
	}
	return tags, nil
}
