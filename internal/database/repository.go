package database

import (
	"context"
	"time"
)

// StudentReader provides read-only access to the roster
type StudentReader interface {
	// Get retrieves a student by roll number, returns nil if not found
	Get(ctx context.Context, studentID string) (*Student, error)
	// List returns students matching the filter plus the unpaged total
	List(ctx context.Context, filter StudentFilter) ([]Student, int, error)
	// ListActiveIDs returns the roll numbers of all active students
	ListActiveIDs(ctx context.Context) ([]string, error)
	// Count returns the total number of active students
	Count(ctx context.Context) (int, error)
}

// StudentWriter provides write access to the roster
type StudentWriter interface {
	StudentReader

	// Save upserts a student keyed by roll number
	Save(ctx context.Context, student *Student) error
	// SetActive toggles the soft-delete flag
	SetActive(ctx context.Context, studentID string, active bool) error
	// UpdatePortrait records a new portrait path and hash
	UpdatePortrait(ctx context.Context, studentID, path string, hash uint64) error
	// Purge hard-deletes a student and their encodings and attendance
	Purge(ctx context.Context, studentID string) error
}

// EncodingReader provides read-only access to stored face encodings
type EncodingReader interface {
	// All returns every encoding of active students in stable id order.
	// Gallery construction filters out rows whose dim does not match the
	// configured encoder, so this deliberately does not filter by dim.
	All(ctx context.Context) ([]StoredEncoding, error)
	// GetByStudent returns all encodings for one student
	GetByStudent(ctx context.Context, studentID string) ([]StoredEncoding, error)
	// Count returns the total number of encodings stored
	Count(ctx context.Context) (int, error)
	// FindNearest returns the closest encodings by L2 distance
	FindNearest(ctx context.Context, encoding []float32, limit int) ([]StoredEncoding, []float64, error)
}

// EncodingWriter provides write access to stored face encodings
type EncodingWriter interface {
	EncodingReader

	// Save inserts an encoding and returns its id
	Save(ctx context.Context, enc *StoredEncoding) (int64, error)
	// ReplaceForStudent swaps all encodings of one student for a new set.
	// Returns the deleted ids so the registration index can evict them.
	ReplaceForStudent(ctx context.Context, studentID string, encs []StoredEncoding) ([]int64, error)
	// DeleteByStudent removes all encodings of one student, returning ids
	DeleteByStudent(ctx context.Context, studentID string) ([]int64, error)
}

// AttendanceReader provides read-only access to attendance records
type AttendanceReader interface {
	// ExistsForDate reports whether the student already has a record on
	// the given day. Called fresh on every guard decision.
	ExistsForDate(ctx context.Context, studentID string, day time.Time) (bool, error)
	// Get retrieves a record by id, returns nil if not found
	Get(ctx context.Context, id int64) (*AttendanceRecord, error)
	// GetForDate retrieves the student's record on the given day, nil if none
	GetForDate(ctx context.Context, studentID string, day time.Time) (*AttendanceRecord, error)
	// List returns records matching the filter plus the unpaged total
	List(ctx context.Context, filter AttendanceFilter) ([]AttendanceRecord, int, error)
	// CountByStatus returns per-status counts for one day
	CountByStatus(ctx context.Context, day time.Time) (map[string]int, error)
}

// AttendanceWriter provides write access to attendance records
type AttendanceWriter interface {
	AttendanceReader

	// Insert adds a record. Returns false without error when the UNIQUE
	// (student_id, date) constraint already holds a record for that day.
	Insert(ctx context.Context, rec *AttendanceRecord) (bool, error)
	// Upsert adds a record or overwrites status/confidence/marked_by of the
	// existing one for that (student, date). Used by leave approval.
	Upsert(ctx context.Context, rec *AttendanceRecord) error
	// SetStatus updates the status of a record
	SetStatus(ctx context.Context, id int64, status, markedBy string) error
	// SetTimeOut stamps the checkout time of a record
	SetTimeOut(ctx context.Context, id int64, at time.Time) error
	// Delete removes a record
	Delete(ctx context.Context, id int64) error
}

// SessionReader provides read-only access to class sessions
type SessionReader interface {
	// GetSession retrieves a session by id, returns nil if not found
	GetSession(ctx context.Context, id int64) (*ClassSession, error)
	// ActiveSession returns the currently active session, nil if none
	ActiveSession(ctx context.Context) (*ClassSession, error)
	// ListSessions returns all sessions in creation order
	ListSessions(ctx context.Context) ([]ClassSession, error)
}

// SessionWriter provides write access to class sessions
type SessionWriter interface {
	SessionReader

	// SaveSession inserts a session and returns its id
	SaveSession(ctx context.Context, session *ClassSession) (int64, error)
	// Activate marks one session active and deactivates all others
	Activate(ctx context.Context, id int64) error
}

// LeaveReader provides read-only access to leave requests
type LeaveReader interface {
	// GetLeave retrieves a leave request by id, returns nil if not found
	GetLeave(ctx context.Context, id int64) (*LeaveRequest, error)
	// ListLeaves returns leave requests matching the filter plus the total
	ListLeaves(ctx context.Context, filter LeaveFilter) ([]LeaveRequest, int, error)
}

// LeaveWriter provides write access to leave requests
type LeaveWriter interface {
	LeaveReader

	// SaveLeave inserts a pending leave request and returns its id
	SaveLeave(ctx context.Context, leave *LeaveRequest) (int64, error)
	// Review sets the review outcome on a pending request
	Review(ctx context.Context, id int64, status, reviewedBy, notes string) error
}
