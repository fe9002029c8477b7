package attendance

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

// marked_by values for records not written by a human reviewer by name.
const (
	markedBySystem   = "system"
	markedByManual   = "manual"
	markedByCloseout = "closeout"
)

// Sentinel errors for callers that map outcomes to API responses.
var (
	ErrStudentNotFound      = errors.New("student not found")
	ErrLeaveNotFound        = errors.New("leave request not found")
	ErrLeaveAlreadyReviewed = errors.New("leave request already reviewed")
)

// exportHeader is the fixed column order of attendance CSV exports.
var exportHeader = []string{
	"Date", "Student ID", "Student Name", "Time In", "Status",
	"Department", "Year", "Section", "Marked By",
}

// Service implements the attendance operations that do not go through face
// recognition: manual marking, record maintenance, the daily absent
// closeout, leave review side effects and CSV export.
type Service struct {
	students   database.StudentReader
	attendance database.AttendanceWriter
	leaves     database.LeaveWriter
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates the attendance service.
func NewService(
	students database.StudentReader,
	attendance database.AttendanceWriter,
	leaves database.LeaveWriter,
	logger *zap.Logger,
) *Service {
	return &Service{
		students:   students,
		attendance: attendance,
		leaves:     leaves,
		logger:     logger,
		now:        time.Now,
	}
}

// MarkManual records attendance for one student by roll number. Manual
// marks are always Present with full confidence, regardless of the session
// clock. If the student already has a record for today the existing record
// is returned with inserted false.
func (s *Service) MarkManual(ctx context.Context, studentID, markedBy string) (*database.AttendanceRecord, bool, error) {
	student, err := s.students.Get(ctx, studentID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load student %s: %w", studentID, err)
	}
	if student == nil {
		return nil, false, fmt.Errorf("student %s: %w", studentID, ErrStudentNotFound)
	}

	if markedBy == "" {
		markedBy = markedByManual
	}
	now := s.now()
	rec := &database.AttendanceRecord{
		StudentID:  studentID,
		Date:       now,
		TimeIn:     now,
		Status:     string(facematch.StatusPresent),
		Confidence: 1.0,
		MarkedBy:   markedBy,
	}
	inserted, err := s.attendance.Insert(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark attendance for student %s: %w", studentID, err)
	}
	if !inserted {
		existing, err := s.attendance.GetForDate(ctx, studentID, now)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load attendance for student %s: %w", studentID, err)
		}
		return existing, false, nil
	}

	s.logger.Info("attendance marked manually",
		zap.String("student_id", studentID),
		zap.String("marked_by", markedBy))

	full, err := s.attendance.Get(ctx, rec.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load attendance record %d: %w", rec.ID, err)
	}
	return full, true, nil
}

// SetStatus corrects the status of an attendance record. Returns the
// updated record, nil when the record does not exist.
func (s *Service) SetStatus(ctx context.Context, id int64, status, markedBy string) (*database.AttendanceRecord, error) {
	if !facematch.ValidStatus(status) {
		return nil, fmt.Errorf("invalid attendance status %q", status)
	}
	if markedBy == "" {
		markedBy = markedByManual
	}
	if err := s.attendance.SetStatus(ctx, id, status, markedBy); err != nil {
		return nil, err
	}
	return s.attendance.Get(ctx, id)
}

// SetTimeOut stamps the checkout time on a record. A zero time means now.
// Returns the updated record, nil when the record does not exist.
func (s *Service) SetTimeOut(ctx context.Context, id int64, at time.Time) (*database.AttendanceRecord, error) {
	if at.IsZero() {
		at = s.now()
	}
	if err := s.attendance.SetTimeOut(ctx, id, at); err != nil {
		return nil, err
	}
	return s.attendance.Get(ctx, id)
}

// Delete removes an attendance record.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.attendance.Delete(ctx, id)
}

// CloseoutAbsent marks every active student without an attendance record on
// the given day as Absent. It is idempotent: the insert skips students who
// already have a record, so running it twice changes nothing. Returns how
// many students were newly marked absent.
func (s *Service) CloseoutAbsent(ctx context.Context, day time.Time) (int, error) {
	ids, err := s.students.ListActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active students: %w", err)
	}

	marked := 0
	for _, studentID := range ids {
		rec := &database.AttendanceRecord{
			StudentID: studentID,
			Date:      day,
			TimeIn:    day,
			Status:    string(facematch.StatusAbsent),
			MarkedBy:  markedByCloseout,
		}
		inserted, err := s.attendance.Insert(ctx, rec)
		if err != nil {
			return marked, fmt.Errorf("failed to mark student %s absent: %w", studentID, err)
		}
		if inserted {
			marked++
		}
	}

	s.logger.Info("absent closeout finished",
		zap.String("day", day.Format("2006-01-02")),
		zap.Int("students", len(ids)),
		zap.Int("marked_absent", marked))
	return marked, nil
}

// ReviewLeave applies a review decision to a pending leave request.
// Approval additionally writes On Leave attendance for every day of the
// range, overwriting whatever status those days already carry; rejection
// touches no attendance. Returns the reviewed request.
func (s *Service) ReviewLeave(ctx context.Context, id int64, approve bool, reviewer, notes string) (*database.LeaveRequest, error) {
	leave, err := s.leaves.GetLeave(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load leave request %d: %w", id, err)
	}
	if leave == nil {
		return nil, fmt.Errorf("leave request %d: %w", id, ErrLeaveNotFound)
	}
	if leave.Status != database.LeavePending {
		return nil, fmt.Errorf("leave request %d (%s): %w", id, leave.Status, ErrLeaveAlreadyReviewed)
	}

	status := database.LeaveRejected
	if approve {
		status = database.LeaveApproved
	}
	if err := s.leaves.Review(ctx, id, status, reviewer, notes); err != nil {
		return nil, fmt.Errorf("failed to review leave request %d: %w", id, err)
	}

	if approve {
		for day := leave.StartDate; !day.After(leave.EndDate); day = day.AddDate(0, 0, 1) {
			rec := &database.AttendanceRecord{
				StudentID:  leave.StudentID,
				Date:       day,
				TimeIn:     day,
				Status:     string(facematch.StatusOnLeave),
				Confidence: 1.0,
				MarkedBy:   reviewer,
			}
			if err := s.attendance.Upsert(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to mark student %s on leave for %s: %w",
					leave.StudentID, day.Format("2006-01-02"), err)
			}
		}
	}

	s.logger.Info("leave request reviewed",
		zap.Int64("id", id),
		zap.String("student_id", leave.StudentID),
		zap.String("status", status))
	return s.leaves.GetLeave(ctx, id)
}

// ExportCSV writes the attendance records matching the filter as CSV.
// Pagination in the filter is ignored; exports always cover the full match
// set. Returns the number of exported rows.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter database.AttendanceFilter) (int, error) {
	filter.Page = 0
	filter.PerPage = 0
	records, _, err := s.attendance.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list attendance records: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.Date.Format("2006-01-02"),
			rec.StudentID,
			rec.StudentName,
			rec.TimeIn.Format("15:04:05"),
			rec.Status,
			rec.Department,
			rec.Year,
			rec.Section,
			rec.MarkedBy,
		}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return len(records), nil
}

// DaySummary is the per-status attendance breakdown for one day, measured
// against the active roster size.
type DaySummary struct {
	Date     string         `json:"date"`
	Students int            `json:"students"`
	Counts   map[string]int `json:"counts"`
	Unmarked int            `json:"unmarked"`
}

// Summarize counts attendance by status for one day. Used by the absent
// closeout command to report where the day landed.
func (s *Service) Summarize(ctx context.Context, day time.Time) (*DaySummary, error) {
	counts, err := s.attendance.CountByStatus(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to count attendance: %w", err)
	}
	total, err := s.students.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count students: %w", err)
	}

	marked := 0
	for _, n := range counts {
		marked += n
	}
	unmarked := total - marked
	if unmarked < 0 {
		unmarked = 0
	}
	return &DaySummary{
		Date:     day.Format("2006-01-02"),
		Students: total,
		Counts:   counts,
		Unmarked: unmarked,
	}, nil
}
