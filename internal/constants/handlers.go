// Package constants provides shared constants used across the codebase.
package constants

// Handler pagination constants
const (
	// DefaultStudentsPerPage is the page size for student list endpoints
	DefaultStudentsPerPage = 50

	// DefaultAttendancePerPage is the page size for attendance list endpoints
	DefaultAttendancePerPage = 100

	// DefaultLeavesPerPage is the page size for leave request list endpoints
	DefaultLeavesPerPage = 50

	// MaxPerPage caps the page size a client may request
	MaxPerPage = 500
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// File upload constants
const (
	// MaxUploadSize is the maximum file upload size in bytes (16MB)
	MaxUploadSize = 16 << 20
)
