package database

import (
	"encoding/gob"
	"fmt"
	"io"
	"time"
)

// WriteExport serializes a gallery backup (students plus encodings) to w.
func WriteExport(w io.Writer, students []Student, encodings []StoredEncoding) error {
	data := ExportData{
		Version:    currentExportVersion,
		ExportedAt: time.Now().UTC(),
		Students:   students,
		Encodings:  encodings,
	}

	if err := gob.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// ReadExport deserializes a gallery backup produced by WriteExport.
func ReadExport(r io.Reader) (*ExportData, error) {
	var data ExportData
	if err := gob.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode export: %w", err)
	}

	if data.Version > currentExportVersion {
		return nil, fmt.Errorf("unsupported export version %d (newest supported: %d)",
			data.Version, currentExportVersion)
	}

	return &data, nil
}
