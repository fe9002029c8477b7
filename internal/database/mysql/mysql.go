// Package mysql reads the old attendance system's MySQL database during
// one-shot legacy imports. It is strictly read-only; the importer decides
// what to keep.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Pool manages a MySQL connection pool.
type Pool struct {
	db *sql.DB
}

// NewPool creates a new MySQL connection pool.
func NewPool(dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("MySQL DSN is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &Pool{db: db}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

// LegacyStudent is one row of the old system's students table. Encoding is
// the raw JSON text the PHP app stored; the importer parses and validates it
// per record so one corrupt row never aborts the batch.
type LegacyStudent struct {
	StudentID  string
	Name       string
	Email      string
	Phone      string
	Department string
	Year       string
	Section    string
	Encoding   []byte
	CreatedAt  time.Time
}

// CountStudents returns the number of legacy student rows, used to size the
// import progress bar.
func (p *Pool) CountStudents(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM students").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count legacy students: %w", err)
	}
	return count, nil
}

// ForEachStudent streams legacy student rows in roll number order, calling fn
// for each. Returning an error from fn stops the scan.
func (p *Pool) ForEachStudent(ctx context.Context, fn func(LegacyStudent) error) error {
	query := `
		SELECT student_id, name, email, phone, department, year, section, face_encoding, created_at
		FROM students
		ORDER BY student_id
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query legacy students: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s LegacyStudent
		var email, phone, department, year, section sql.NullString
		var encoding []byte
		var createdAt sql.NullTime

		err := rows.Scan(
			&s.StudentID,
			&s.Name,
			&email,
			&phone,
			&department,
			&year,
			&section,
			&encoding,
			&createdAt,
		)
		if err != nil {
			return fmt.Errorf("scan legacy student: %w", err)
		}

		s.Email = email.String
		s.Phone = phone.String
		s.Department = department.String
		s.Year = year.String
		s.Section = section.String
		s.Encoding = encoding
		if createdAt.Valid {
			s.CreatedAt = createdAt.Time
		}

		if err := fn(s); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate legacy students: %w", err)
	}
	return nil
}
