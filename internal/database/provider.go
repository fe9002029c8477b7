package database

import (
	"context"
	"fmt"
)

// IndexRebuilder is implemented by repositories that maintain the in-memory
// registration index alongside the persistent store.
type IndexRebuilder interface {
	// RebuildIndex rebuilds the in-memory registration index
	RebuildIndex(ctx context.Context) error
	// IndexCount returns the number of encodings in the index
	IndexCount() int
	// IsIndexEnabled returns whether the index is active
	IsIndexEnabled() bool
	// SaveIndex saves the current index to disk (if path configured)
	SaveIndex() error
}

var (
	postgresStudentWriter    func() StudentWriter
	postgresEncodingWriter   func() EncodingWriter
	postgresAttendanceWriter func() AttendanceWriter
	postgresSessionWriter    func() SessionWriter
	postgresLeaveWriter      func() LeaveWriter
	postgresIndexRebuilder   IndexRebuilder
	postgresInitialized      bool
)

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(
	students func() StudentWriter,
	encodings func() EncodingWriter,
	attendance func() AttendanceWriter,
	sessions func() SessionWriter,
	leaves func() LeaveWriter,
) {
	postgresStudentWriter = students
	postgresEncodingWriter = encodings
	postgresAttendanceWriter = attendance
	postgresSessionWriter = sessions
	postgresLeaveWriter = leaves
	postgresInitialized = true
}

// RegisterIndexRebuilder registers the registration index rebuilder so
// handlers can trigger rebuilds without knowing the concrete type.
func RegisterIndexRebuilder(rebuilder IndexRebuilder) {
	postgresIndexRebuilder = rebuilder
}

// GetIndexRebuilder returns the registered index rebuilder, or nil if not registered.
func GetIndexRebuilder() IndexRebuilder {
	return postgresIndexRebuilder
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	return postgresInitialized
}

// ResetForTesting clears all registered backends. Test helper only.
func ResetForTesting() {
	postgresStudentWriter = nil
	postgresEncodingWriter = nil
	postgresAttendanceWriter = nil
	postgresSessionWriter = nil
	postgresLeaveWriter = nil
	postgresIndexRebuilder = nil
	postgresInitialized = false
}

// GetStudentReader returns a StudentReader from the PostgreSQL backend
func GetStudentReader(ctx context.Context) (StudentReader, error) {
	return GetStudentWriter(ctx)
}

// GetStudentWriter returns a StudentWriter from the PostgreSQL backend
func GetStudentWriter(ctx context.Context) (StudentWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresStudentWriter == nil {
		return nil, fmt.Errorf("PostgreSQL student writer not registered")
	}
	return postgresStudentWriter(), nil
}

// GetEncodingReader returns an EncodingReader from the PostgreSQL backend
func GetEncodingReader(ctx context.Context) (EncodingReader, error) {
	return GetEncodingWriter(ctx)
}

// GetEncodingWriter returns an EncodingWriter from the PostgreSQL backend
func GetEncodingWriter(ctx context.Context) (EncodingWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresEncodingWriter == nil {
		return nil, fmt.Errorf("PostgreSQL encoding writer not registered")
	}
	return postgresEncodingWriter(), nil
}

// GetAttendanceReader returns an AttendanceReader from the PostgreSQL backend
func GetAttendanceReader(ctx context.Context) (AttendanceReader, error) {
	return GetAttendanceWriter(ctx)
}

// GetAttendanceWriter returns an AttendanceWriter from the PostgreSQL backend
func GetAttendanceWriter(ctx context.Context) (AttendanceWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresAttendanceWriter == nil {
		return nil, fmt.Errorf("PostgreSQL attendance writer not registered")
	}
	return postgresAttendanceWriter(), nil
}

// GetSessionWriter returns a SessionWriter from the PostgreSQL backend
func GetSessionWriter(ctx context.Context) (SessionWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresSessionWriter == nil {
		return nil, fmt.Errorf("PostgreSQL session writer not registered")
	}
	return postgresSessionWriter(), nil
}

// GetLeaveWriter returns a LeaveWriter from the PostgreSQL backend
func GetLeaveWriter(ctx context.Context) (LeaveWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresLeaveWriter == nil {
		return nil, fmt.Errorf("PostgreSQL leave writer not registered")
	}
	return postgresLeaveWriter(), nil
}
