package database

import (
	"time"
)

// Student is a roster entry. StudentID is the human-facing roll number and
// is unique; ID is the surrogate key.
type Student struct {
	ID         int64
	StudentID  string
	Name       string
	Email      string
	Phone      string
	Department string
	Year       string
	Section    string

	// Portrait used for enrollment. Hash is the portrait's difference hash,
	// stored so imports can skip re-encoding unchanged images.
	PortraitPath string
	PortraitHash uint64

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredEncoding is a persisted face encoding for one student. A student may
// have several rows (multiple enrollment angles); Dim and Model travel with
// every row because the encoder model can change over time and leave rows
// with a different dimensionality behind.
type StoredEncoding struct {
	ID        int64
	StudentID string
	Encoding  []float32
	Dim       int
	Model     string
	BBox      []float64 // [x1, y1, x2, y2] in source image pixels
	DetScore  float64
	Source    string // enrollment source: portrait path, "legacy", "sis"
	CreatedAt time.Time
}

// AttendanceRecord is one student's attendance for one date. The store
// enforces UNIQUE (student_id, date).
type AttendanceRecord struct {
	ID          int64
	StudentID   string
	StudentName string // joined from students on read
	Department  string // joined from students on read
	Year        string // joined from students on read
	Section     string // joined from students on read
	Date        time.Time
	TimeIn      time.Time
	TimeOut     *time.Time
	Status      string
	Confidence  float64
	MarkedBy    string
	SessionID   *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClassSession is a scheduled lecture. The active session anchors the
// Present/Late grace window during recognition.
type ClassSession struct {
	ID           int64
	Name         string
	Subject      string
	Teacher      string
	Department   string
	Year         string
	Section      string
	StartsAt     string // time of day, "15:04"
	EndsAt       string
	GraceMinutes int
	IsActive     bool
	CreatedAt    time.Time
}

// Leave request review states.
const (
	LeavePending  = "Pending"
	LeaveApproved = "Approved"
	LeaveRejected = "Rejected"
)

// LeaveRequest is a student's absence request for a date range. Approval
// marks the covered days as On Leave.
type LeaveRequest struct {
	ID          int64
	StudentID   string
	StudentName string // joined from students on read
	LeaveType   string
	StartDate   time.Time
	EndDate     time.Time
	Reason      string
	Status      string
	ReviewedBy  string
	ReviewedAt  *time.Time
	ReviewNotes string
	CreatedAt   time.Time
}

// StudentFilter narrows student listings.
type StudentFilter struct {
	Department      string
	Year            string
	Section         string
	Query           string // matches student_id or name, diacritic-insensitive
	IncludeInactive bool
	Page            int
	PerPage         int
}

// AttendanceFilter narrows attendance listings and exports.
type AttendanceFilter struct {
	StudentID  string
	Department string
	Status     string
	DateFrom   time.Time
	DateTo     time.Time
	Page       int
	PerPage    int
}

// LeaveFilter narrows leave request listings.
type LeaveFilter struct {
	StudentID string
	Status    string
	Page      int
	PerPage   int
}

// ExportData is the gallery backup envelope (students plus encodings),
// serialized with gob by the gallery backup/restore commands.
type ExportData struct {
	Version    int
	ExportedAt time.Time
	Students   []Student
	Encodings  []StoredEncoding
}

const currentExportVersion = 1
