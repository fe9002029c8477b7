// Package facematch implements the attendance decision core: matching probe
// encodings against the enrolled gallery and deciding whether a recognized
// student should produce a new attendance record. All functions here are pure
// computation; storage lookups are injected and writes are left to callers.
package facematch

import (
	"errors"
	"time"
)

// FeatureVector is a fixed-length face encoding produced by the external
// encoder service. It is opaque except for distance computation; the
// dimensionality is set by the encoder model (128 for the default model).
type FeatureVector []float64

// GalleryEntry pairs an enrolled student with one of their face encodings.
type GalleryEntry struct {
	StudentID string
	Encoding  FeatureVector
}

// Result is the outcome of matching one probe against the gallery.
// When Matched is false, Distance still carries the closest miss so callers
// can report how near an unknown face came to a known one.
type Result struct {
	Matched    bool    `json:"matched"`
	StudentID  string  `json:"student_id,omitempty"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
}

// Status is the attendance status recorded for a student on a given day.
type Status string

// Attendance statuses. The guard only ever derives Present or Late; the
// remaining values are set by manual marking, closeout and leave approval.
const (
	StatusPresent Status = "Present"
	StatusLate    Status = "Late"
	StatusAbsent  Status = "Absent"
	StatusExcused Status = "Excused"
	StatusOnLeave Status = "On Leave"
)

// ValidStatus reports whether s is one of the known attendance statuses.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused, StatusOnLeave:
		return true
	}
	return false
}

// Decision is the guard's verdict for one recognized student. Mark false
// means an attendance record already exists for the day (duplicate, skip);
// that is an expected outcome, never an error. The caller executes the write.
type Decision struct {
	Mark       bool
	StudentID  string
	Timestamp  time.Time
	Status     Status
	Confidence float64
}

// ErrDimensionMismatch is returned when a probe vector's dimensionality does
// not match the gallery. Wrapped errors carry the expected and actual sizes;
// check with errors.Is.
var ErrDimensionMismatch = errors.New("feature vector dimension mismatch")
