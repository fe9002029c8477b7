package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/database"
)

// SessionRepository provides PostgreSQL-backed class session storage.
// A partial unique index on is_active keeps at most one session active.
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, name, subject, teacher, department, year, section,
       starts_at, ends_at, grace_minutes, is_active, created_at`

// GetSession retrieves a session by id, returns nil if not found.
func (r *SessionRepository) GetSession(ctx context.Context, id int64) (*database.ClassSession, error) {
	query := "SELECT " + sessionColumns + " FROM class_sessions WHERE id = $1"

	session, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ActiveSession returns the currently active session, nil if none.
func (r *SessionRepository) ActiveSession(ctx context.Context) (*database.ClassSession, error) {
	query := "SELECT " + sessionColumns + " FROM class_sessions WHERE is_active"

	session, err := scanSession(r.pool.QueryRow(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions in creation order.
func (r *SessionRepository) ListSessions(ctx context.Context) ([]database.ClassSession, error) {
	query := "SELECT " + sessionColumns + " FROM class_sessions ORDER BY id"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []database.ClassSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveSession inserts a session and returns its id. New sessions start
// inactive, Activate switches them on.
func (r *SessionRepository) SaveSession(ctx context.Context, session *database.ClassSession) (int64, error) {
	query := `
		INSERT INTO class_sessions (name, subject, teacher, department, year, section,
		                            starts_at, ends_at, grace_minutes, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		session.Name,
		nullString(session.Subject),
		nullString(session.Teacher),
		nullString(session.Department),
		nullString(session.Year),
		nullString(session.Section),
		session.StartsAt,
		nullString(session.EndsAt),
		session.GraceMinutes,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save session: %w", err)
	}
	session.IsActive = false
	return session.ID, nil
}

// Activate marks one session active and deactivates all others in a single
// transaction, so the partial unique index never trips.
func (r *SessionRepository) Activate(ctx context.Context, id int64) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE class_sessions SET is_active = FALSE WHERE is_active"); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}

	result, err := tx.ExecContext(ctx, "UPDATE class_sessions SET is_active = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d not found", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scanSession(scanner interface{ Scan(...any) error }) (*database.ClassSession, error) {
	var s database.ClassSession
	var subject, teacher, department, year, section, endsAt sql.NullString

	err := scanner.Scan(
		&s.ID,
		&s.Name,
		&subject,
		&teacher,
		&department,
		&year,
		&section,
		&s.StartsAt,
		&endsAt,
		&s.GraceMinutes,
		&s.IsActive,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Subject = subject.String
	s.Teacher = teacher.String
	s.Department = department.String
	s.Year = year.String
	s.Section = section.String
	s.EndsAt = endsAt.String

	return &s, nil
}

// Verify interface compliance.
var _ database.SessionReader = (*SessionRepository)(nil)
var _ database.SessionWriter = (*SessionRepository)(nil)
