package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/rollcall/internal/database"
)

// LeaveRepository provides PostgreSQL-backed leave request storage.
type LeaveRepository struct {
	pool *Pool
}

// NewLeaveRepository creates a new PostgreSQL leave repository.
func NewLeaveRepository(pool *Pool) *LeaveRepository {
	return &LeaveRepository{pool: pool}
}

const leaveColumns = `l.id, l.student_id, s.name, l.leave_type, l.start_date, l.end_date,
       l.reason, l.status, l.reviewed_by, l.reviewed_at, l.review_notes, l.created_at`

const leaveFrom = `FROM leave_requests l
		JOIN students s ON s.student_id = l.student_id`

// GetLeave retrieves a leave request by id, returns nil if not found.
func (r *LeaveRepository) GetLeave(ctx context.Context, id int64) (*database.LeaveRequest, error) {
	query := "SELECT " + leaveColumns + " " + leaveFrom + " WHERE l.id = $1"

	leave, err := scanLeave(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return leave, nil
}

// ListLeaves returns leave requests matching the filter plus the total.
func (r *LeaveRepository) ListLeaves(ctx context.Context, filter database.LeaveFilter) ([]database.LeaveRequest, int, error) {
	var conds []string
	var args []any

	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conds = append(conds, fmt.Sprintf("l.student_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("l.status = $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) " + leaveFrom + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leave requests: %w", err)
	}

	query := "SELECT " + leaveColumns + " " + leaveFrom + where + " ORDER BY l.id DESC"
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
		return nil, 0, fmt.Errorf("query leave requests: %w", err)
	}
	defer rows.Close()

	var leaves []database.LeaveRequest
	for rows.Next() {
		leave, err := scanLeave(rows)
		if err != nil {
			return nil, 0, err
		}
		leaves = append(leaves, *leave)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate leave requests: %w", err)
	}

	return leaves, total, nil
}

// SaveLeave inserts a pending leave request and returns its id. The status
// is forced to Pending regardless of what the caller set.
func (r *LeaveRepository) SaveLeave(ctx context.Context, leave *database.LeaveRequest) (int64, error) {
	query := `
		INSERT INTO leave_requests (student_id, leave_type, start_date, end_date, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	leaveType := leave.LeaveType
	if leaveType == "" {
		leaveType = "Personal"
	}

	err := r.pool.QueryRow(ctx, query,
		leave.StudentID,
		leaveType,
		dateOnly(leave.StartDate),
		dateOnly(leave.EndDate),
		nullString(leave.Reason),
		database.LeavePending,
	).Scan(&leave.ID, &leave.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save leave request for %s: %w", leave.StudentID, err)
	}
	leave.Status = database.LeavePending
	return leave.ID, nil
}

// Review sets the review outcome on a pending request.
func (r *LeaveRepository) Review(ctx context.Context, id int64, status, reviewedBy, notes string) error {
	query := `
		UPDATE leave_requests
		SET status = $1, reviewed_by = $2, review_notes = $3, reviewed_at = NOW()
		WHERE id = $4
	`

	result, err := r.pool.Exec(ctx, query, status, reviewedBy, nullString(notes), id)
	if err != nil {
		return fmt.Errorf("review leave request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("leave request %d not found", id)
	}
	return nil
}

func scanLeave(scanner interface{ Scan(...any) error }) (*database.LeaveRequest, error) {
	var l database.LeaveRequest
	var reason, reviewedBy, reviewNotes sql.NullString
	var reviewedAt sql.NullTime

	err := scanner.Scan(
		&l.ID,
		&l.StudentID,
		&l.StudentName,
		&l.LeaveType,
		&l.StartDate,
		&l.EndDate,
		&reason,
		&l.Status,
		&reviewedBy,
		&reviewedAt,
		&reviewNotes,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan leave request: %w", err)
	}

	l.Reason = reason.String
	l.ReviewedBy = reviewedBy.String
	l.ReviewNotes = reviewNotes.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		l.ReviewedAt = &t
	}

	return &l, nil
}

// Verify interface compliance.
var _ database.LeaveReader = (*LeaveRepository)(nil)
var _ database.LeaveWriter = (*LeaveRepository)(nil)
