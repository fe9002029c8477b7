package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

// StudentRepository provides PostgreSQL-backed roster storage.
type StudentRepository struct {
	pool *Pool
}

// NewStudentRepository creates a new PostgreSQL student repository.
func NewStudentRepository(pool *Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

const studentColumns = `id, student_id, name, email, phone, department, year, section,
       portrait_path, portrait_hash, is_active, created_at, updated_at`

// Get retrieves a student by roll number, returns nil if not found.
func (r *StudentRepository) Get(ctx context.Context, studentID string) (*database.Student, error) {
	query := `
		SELECT ` + studentColumns + `
		FROM students
		WHERE student_id = $1
	`

	student, err := scanStudent(r.pool.QueryRow(ctx, query, studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return student, nil
}

// List returns students matching the filter plus the unpaged total.
func (r *StudentRepository) List(ctx context.Context, filter database.StudentFilter) ([]database.Student, int, error) {
	var conds []string
	var args []any

	if !filter.IncludeInactive {
		conds = append(conds, "is_active")
	}
	if filter.Department != "" {
		args = append(args, filter.Department)
		conds = append(conds, fmt.Sprintf("department = $%d", len(args)))
	}
	if filter.Year != "" {
		args = append(args, filter.Year)
		conds = append(conds, fmt.Sprintf("year = $%d", len(args)))
	}
	if filter.Section != "" {
		args = append(args, filter.Section)
		conds = append(conds, fmt.Sprintf("section = $%d", len(args)))
	}
	if filter.Query != "" {
		// Diacritic-insensitive name search plus raw roll number match.
		args = append(args, "%"+facematch.NormalizePersonName(filter.Query)+"%")
		nameArg := len(args)
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
		idArg := len(args)
		conds = append(conds, fmt.Sprintf(
			"(LOWER(REPLACE(unaccent(name), '-', ' ')) LIKE $%d OR LOWER(student_id) LIKE $%d)",
			nameArg, idArg))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM students " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}

	query := "SELECT " + studentColumns + " FROM students " + where + " ORDER BY student_id"
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
		return nil, 0, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	students, err := scanStudents(rows)
	if err != nil {
		return nil, 0, err
	}
	return students, total, nil
}

// ListActiveIDs returns the roll numbers of all active students.
func (r *StudentRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT student_id FROM students WHERE is_active ORDER BY student_id")
	if err != nil {
		return nil, fmt.Errorf("query active student ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan student id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate student ids: %w", err)
	}
	return ids, nil
}

// Count returns the total number of active students.
func (r *StudentRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM students WHERE is_active").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count students: %w", err)
	}
	return count, nil
}

// Save upserts a student keyed by roll number.
func (r *StudentRepository) Save(ctx context.Context, student *database.Student) error {
	query := `
		INSERT INTO students (student_id, name, email, phone, department, year, section,
		                      portrait_path, portrait_hash, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (student_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			department = EXCLUDED.department,
			year = EXCLUDED.year,
			section = EXCLUDED.section,
			portrait_path = EXCLUDED.portrait_path,
			portrait_hash = EXCLUDED.portrait_hash,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		student.StudentID,
		student.Name,
		nullString(student.Email),
		nullString(student.Phone),
		nullString(student.Department),
		nullString(student.Year),
		nullString(student.Section),
		nullString(student.PortraitPath),
		int64(student.PortraitHash),
		student.IsActive,
	).Scan(&student.ID, &student.CreatedAt, &student.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save student %s: %w", student.StudentID, err)
	}
	return nil
}

// SetActive toggles the soft-delete flag.
func (r *StudentRepository) SetActive(ctx context.Context, studentID string, active bool) error {
	query := "UPDATE students SET is_active = $1, updated_at = NOW() WHERE student_id = $2"
	result, err := r.pool.Exec(ctx, query, active, studentID)
	if err != nil {
		return fmt.Errorf("set student active: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("student %s not found", studentID)
	}
	return nil
}

// UpdatePortrait records a new portrait path and hash.
func (r *StudentRepository) UpdatePortrait(ctx context.Context, studentID, path string, hash uint64) error {
	query := "UPDATE students SET portrait_path = $1, portrait_hash = $2, updated_at = NOW() WHERE student_id = $3"
	if _, err := r.pool.Exec(ctx, query, path, int64(hash), studentID); err != nil {
		return fmt.Errorf("update portrait: %w", err)
	}
	return nil
}

// Purge hard-deletes a student. Encodings, attendance and leave requests go
// with the row via ON DELETE CASCADE.
func (r *StudentRepository) Purge(ctx context.Context, studentID string) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM students WHERE student_id = $1", studentID)
	if err != nil {
		return fmt.Errorf("purge student: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("student %s not found", studentID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// scanStudent scans a single row into a Student.
func scanStudent(scanner interface{ Scan(...any) error }) (*database.Student, error) {
	var s database.Student
	var email, phone, department, year, section, portraitPath sql.NullString
	var portraitHash int64

	err := scanner.Scan(
		&s.ID,
		&s.StudentID,
		&s.Name,
		&email,
		&phone,
		&department,
		&year,
		&section,
		&portraitPath,
		&portraitHash,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan student: %w", err)
	}

	s.Email = email.String
	s.Phone = phone.String
	s.Department = department.String
	s.Year = year.String
	s.Section = section.String
	s.PortraitPath = portraitPath.String
	s.PortraitHash = uint64(portraitHash)

	return &s, nil
}

func scanStudents(rows *sql.Rows) ([]database.Student, error) {
	var students []database.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return students, nil
}

// Verify interface compliance.
var _ database.StudentReader = (*StudentRepository)(nil)
var _ database.StudentWriter = (*StudentRepository)(nil)
