package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kozaktomas/rollcall/internal/database"
)

// AttendanceRepository provides PostgreSQL-backed attendance storage.
// The UNIQUE (student_id, date) constraint is the concurrency backstop for
// duplicate marks: the service layer serializes per student, the schema
// guarantees a single row per day even if that ever fails.
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository.
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

const attendanceColumns = `a.id, a.student_id, s.name, s.department, s.year, s.section,
       a.date, a.time_in, a.time_out, a.status, a.confidence, a.marked_by, a.session_id,
       a.created_at, a.updated_at`

const attendanceFrom = `FROM attendance_records a
		JOIN students s ON s.student_id = a.student_id`

// ExistsForDate reports whether the student already has a record on the
// given day.
func (r *AttendanceRepository) ExistsForDate(ctx context.Context, studentID string, day time.Time) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM attendance_records WHERE student_id = $1 AND date = $2)"
	err := r.pool.QueryRow(ctx, query, studentID, dateOnly(day)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check attendance exists: %w", err)
	}
	return exists, nil
}

// Get retrieves a record by id, returns nil if not found.
func (r *AttendanceRepository) Get(ctx context.Context, id int64) (*database.AttendanceRecord, error) {
	query := "SELECT " + attendanceColumns + " " + attendanceFrom + " WHERE a.id = $1"

	rec, err := scanAttendanceRecord(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetForDate retrieves the student's record on the given day, nil if none.
func (r *AttendanceRepository) GetForDate(ctx context.Context, studentID string, day time.Time) (*database.AttendanceRecord, error) {
	query := "SELECT " + attendanceColumns + " " + attendanceFrom + " WHERE a.student_id = $1 AND a.date = $2"

	rec, err := scanAttendanceRecord(r.pool.QueryRow(ctx, query, studentID, dateOnly(day)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records matching the filter plus the unpaged total.
func (r *AttendanceRepository) List(ctx context.Context, filter database.AttendanceFilter) ([]database.AttendanceRecord, int, error) {
	var conds []string
	var args []any

	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conds = append(conds, fmt.Sprintf("a.student_id = $%d", len(args)))
	}
	if filter.Department != "" {
		args = append(args, filter.Department)
		conds = append(conds, fmt.Sprintf("s.department = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("a.status = $%d", len(args)))
	}
	if !filter.DateFrom.IsZero() {
		args = append(args, dateOnly(filter.DateFrom))
		conds = append(conds, fmt.Sprintf("a.date >= $%d", len(args)))
	}
	if !filter.DateTo.IsZero() {
		args = append(args, dateOnly(filter.DateTo))
		conds = append(conds, fmt.Sprintf("a.date <= $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) " + attendanceFrom + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attendance records: %w", err)
	}

	query := "SELECT " + attendanceColumns + " " + attendanceFrom + where + " ORDER BY a.date, a.student_id"
	if filter.PerPage > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filter.PerPage)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, (page-1)*filter.PerPage)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query attendance records: %w", err)
	}
	defer rows.Close()

	var records []database.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendanceRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate attendance records: %w", err)
	}

	return records, total, nil
}

// CountByStatus returns per-status counts for one day.
func (r *AttendanceRepository) CountByStatus(ctx context.Context, day time.Time) (map[string]int, error) {
	query := "SELECT status, COUNT(*) FROM attendance_records WHERE date = $1 GROUP BY status"

	rows, err := r.pool.Query(ctx, query, dateOnly(day))
	if err != nil {
		return nil, fmt.Errorf("count attendance by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// Insert adds a record. Returns false without error when a record already
// exists for that (student, date), which is how concurrent duplicate marks
// resolve to a single row.
func (r *AttendanceRepository) Insert(ctx context.Context, rec *database.AttendanceRecord) (bool, error) {
	query := `
		INSERT INTO attendance_records (student_id, date, time_in, time_out, status, confidence, marked_by, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, date) DO NOTHING
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		rec.StudentID,
		dateOnly(rec.Date),
		rec.TimeIn,
		rec.TimeOut,
		rec.Status,
		rec.Confidence,
		markedByOrDefault(rec.MarkedBy),
		rec.SessionID,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict target hit, the existing row wins.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert attendance for %s: %w", rec.StudentID, err)
	}
	return true, nil
}

// Upsert adds a record or overwrites status, confidence and marked_by of the
// existing one for that (student, date).
func (r *AttendanceRepository) Upsert(ctx context.Context, rec *database.AttendanceRecord) error {
	query := `
		INSERT INTO attendance_records (student_id, date, time_in, time_out, status, confidence, marked_by, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, date) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = EXCLUDED.confidence,
			marked_by = EXCLUDED.marked_by,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		rec.StudentID,
		dateOnly(rec.Date),
		rec.TimeIn,
		rec.TimeOut,
		rec.Status,
		rec.Confidence,
		markedByOrDefault(rec.MarkedBy),
		rec.SessionID,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert attendance for %s: %w", rec.StudentID, err)
	}
	return nil
}

// SetStatus updates the status of a record.
func (r *AttendanceRepository) SetStatus(ctx context.Context, id int64, status, markedBy string) error {
	query := "UPDATE attendance_records SET status = $1, marked_by = $2, updated_at = NOW() WHERE id = $3"
	result, err := r.pool.Exec(ctx, query, status, markedByOrDefault(markedBy), id)
	if err != nil {
		return fmt.Errorf("update attendance status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("attendance record %d not found", id)
	}
	return nil
}

// SetTimeOut stamps the checkout time of a record.
func (r *AttendanceRepository) SetTimeOut(ctx context.Context, id int64, at time.Time) error {
	query := "UPDATE attendance_records SET time_out = $1, updated_at = NOW() WHERE id = $2"
	result, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("update attendance time out: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("attendance record %d not found", id)
	}
	return nil
}

// Delete removes a record.
func (r *AttendanceRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM attendance_records WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete attendance record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("attendance record %d not found", id)
	}
	return nil
}

// dateOnly formats the day for the DATE column so the session timezone can
// never shift a record across midnight.
func dateOnly(t time.Time) string {
	return t.Format("2006-01-02")
}

func markedByOrDefault(markedBy string) string {
	if markedBy == "" {
		return "system"
	}
	return markedBy
}

func scanAttendanceRecord(scanner interface{ Scan(...any) error }) (*database.AttendanceRecord, error) {
	var rec database.AttendanceRecord
	var department, year, section sql.NullString
	var timeOut sql.NullTime
	var sessionID sql.NullInt64

	err := scanner.Scan(
		&rec.ID,
		&rec.StudentID,
		&rec.StudentName,
		&department,
		&year,
		&section,
		&rec.Date,
		&rec.TimeIn,
		&timeOut,
		&rec.Status,
		&rec.Confidence,
		&rec.MarkedBy,
		&sessionID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attendance record: %w", err)
	}

	rec.Department = department.String
	rec.Year = year.String
	rec.Section = section.String
	if timeOut.Valid {
		t := timeOut.Time
		rec.TimeOut = &t
	}
	if sessionID.Valid {
		id := sessionID.Int64
		rec.SessionID = &id
	}

	return &rec, nil
}

// Verify interface compliance.
var _ database.AttendanceReader = (*AttendanceRepository)(nil)
var _ database.AttendanceWriter = (*AttendanceRepository)(nil)
