package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/rollcall/internal/database"
)

// EncodingRepository provides PostgreSQL-backed face encoding storage with an
// optional in-memory registration index for near-duplicate lookups.
type EncodingRepository struct {
	pool *Pool

	index        *database.RegistrationIndex
	indexEnabled bool
	indexPath    string
	indexDim     int
	indexMeta    database.IndexMetadata
	indexMu      sync.RWMutex
}

// NewEncodingRepository creates a new PostgreSQL encoding repository.
func NewEncodingRepository(pool *Pool) *EncodingRepository {
	return &EncodingRepository{pool: pool}
}

const encodingColumns = "id, student_id, encoding, dim, model, bbox, det_score, source, created_at"

// All returns every encoding of active students ordered by id. The
// recognizer loads its gallery snapshot through this, so deactivated
// students drop out of recognition on the next refresh.
func (r *EncodingRepository) All(ctx context.Context) ([]database.StoredEncoding, error) {
	query := `
		SELECT e.id, e.student_id, e.encoding, e.dim, e.model, e.bbox, e.det_score, e.source, e.created_at
		FROM face_encodings e
		JOIN students s ON s.student_id = e.student_id
		WHERE s.is_active
		ORDER BY e.id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query encodings: %w", err)
	}
	defer rows.Close()

	return scanEncodings(rows)
}

// GetByStudent returns all encodings stored for one student.
func (r *EncodingRepository) GetByStudent(ctx context.Context, studentID string) ([]database.StoredEncoding, error) {
	query := "SELECT " + encodingColumns + " FROM face_encodings WHERE student_id = $1 ORDER BY id"

	rows, err := r.pool.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("query encodings for %s: %w", studentID, err)
	}
	defer rows.Close()

	return scanEncodings(rows)
}

// Count returns the total number of stored encodings.
func (r *EncodingRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM face_encodings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count encodings: %w", err)
	}
	return count, nil
}

// FindNearest returns the encodings closest to the query vector by L2
// distance, along with the distances. Served from the registration index
// when it is enabled and matches the query dimension, otherwise from an
// exact pgvector scan.
func (r *EncodingRepository) FindNearest(
	ctx context.Context, encoding []float32, limit int,
) ([]database.StoredEncoding, []float64, error) {
	if len(encoding) == 0 {
		return nil, nil, errors.New("empty query encoding")
	}

	r.indexMu.RLock()
	idx := r.index
	useIndex := r.indexEnabled && idx != nil && r.indexDim == len(encoding)
	r.indexMu.RUnlock()

	if useIndex {
		return findNearestIndexed(idx, encoding, limit)
	}

	query := `
		SELECT ` + encodingColumns + `, encoding <-> $1::vector AS distance
		FROM face_encodings
		WHERE dim = $2
		ORDER BY distance
		LIMIT $3
	`

	vec := pgvector.NewVector(encoding)
	rows, err := r.pool.Query(ctx, query, vec, len(encoding), limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query nearest encodings: %w", err)
	}
	defer rows.Close()

	var encodings []database.StoredEncoding
	var distances []float64
	for rows.Next() {
		var distance float64
		enc, err := scanEncodingRow(rows, &distance)
		if err != nil {
			return nil, nil, err
		}
		encodings = append(encodings, enc)
		distances = append(distances, distance)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate nearest encodings: %w", err)
	}

	return encodings, distances, nil
}

// findNearestIndexed answers FindNearest from the in-memory index.
func findNearestIndexed(
	idx *database.RegistrationIndex, encoding []float32, limit int,
) ([]database.StoredEncoding, []float64, error) {
	// Request extra candidates because deleted encodings are filtered out.
	ids, distances, err := idx.Search(encoding, limit*database.HNSWSearchMultiplier)
	if err != nil {
		return nil, nil, fmt.Errorf("search registration index: %w", err)
	}

	var encodings []database.StoredEncoding
	var dists []float64
	for i, id := range ids {
		enc := idx.Get(id)
		if enc == nil {
			continue
		}
		encodings = append(encodings, *enc)
		dists = append(dists, distances[i])
		if len(encodings) >= limit {
			break
		}
	}
	return encodings, dists, nil
}

// Save inserts a single encoding and returns its assigned id.
func (r *EncodingRepository) Save(ctx context.Context, enc *database.StoredEncoding) (int64, error) {
	id, err := insertEncoding(ctx, r.pool.DB(), enc)
	if err != nil {
		return 0, err
	}
	enc.ID = id
	r.indexAdd(enc)
	return id, nil
}

// ReplaceForStudent atomically swaps all encodings for a student. Returns
// the deleted ids so the registration index can evict them; the new ids are
// written back into encs.
func (r *EncodingRepository) ReplaceForStudent(
	ctx context.Context, studentID string, encs []database.StoredEncoding,
) ([]int64, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "DELETE FROM face_encodings WHERE student_id = $1 RETURNING id", studentID)
	if err != nil {
		return nil, fmt.Errorf("delete old encodings: %w", err)
	}
	oldIDs, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	for i := range encs {
		enc := &encs[i]
		enc.StudentID = studentID
		id, err := insertEncoding(ctx, tx, enc)
		if err != nil {
			return nil, err
		}
		enc.ID = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.indexEvict(oldIDs)
	for i := range encs {
		r.indexAdd(&encs[i])
	}
	return oldIDs, nil
}

// DeleteByStudent removes all encodings for a student and returns the deleted
// ids for index eviction.
func (r *EncodingRepository) DeleteByStudent(ctx context.Context, studentID string) ([]int64, error) {
	rows, err := r.pool.Query(ctx, "DELETE FROM face_encodings WHERE student_id = $1 RETURNING id", studentID)
	if err != nil {
		return nil, fmt.Errorf("delete encodings: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	r.indexEvict(ids)
	return ids, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted ids: %w", err)
	}
	return ids, nil
}

// execer covers both *sql.DB and *sql.Tx for single-row inserts.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEncoding(ctx context.Context, db execer, enc *database.StoredEncoding) (int64, error) {
	query := `
		INSERT INTO face_encodings (student_id, encoding, dim, model, bbox, det_score, source)
		VALUES ($1, $2::vector, $3, $4, $5, $6, $7)
		RETURNING id
	`

	vec := pgvector.NewVector(enc.Encoding)
	bbox := pq.Array(enc.BBox)

	var id int64
	err := db.QueryRowContext(ctx, query,
		enc.StudentID,
		vec,
		enc.Dim,
		enc.Model,
		bbox,
		enc.DetScore,
		nullString(enc.Source),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert encoding for %s: %w", enc.StudentID, err)
	}
	return id, nil
}

// scanEncodingRow scans a single row into a StoredEncoding, with optional
// extra scan destinations appended after the standard columns (e.g., a
// distance column).
func scanEncodingRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.StoredEncoding, error) {
	var enc database.StoredEncoding
	var vec pgvector.Vector
	var bbox pq.Float64Array
	var model, source sql.NullString

	dest := make([]any, 0, 9+len(extraDest))
	dest = append(dest,
		&enc.ID,
		&enc.StudentID,
		&vec,
		&enc.Dim,
		&model,
		&bbox,
		&enc.DetScore,
		&source,
		&enc.CreatedAt,
	)
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		return enc, fmt.Errorf("scan encoding: %w", err)
	}

	enc.Encoding = vec.Slice()
	enc.BBox = []float64(bbox)
	enc.Model = model.String
	enc.Source = source.String

	return enc, nil
}

func scanEncodings(rows *sql.Rows) ([]database.StoredEncoding, error) {
	var encodings []database.StoredEncoding
	for rows.Next() {
		enc, err := scanEncodingRow(rows)
		if err != nil {
			return nil, err
		}
		encodings = append(encodings, enc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encodings: %w", err)
	}
	return encodings, nil
}

// EnableIndex loads or builds the in-memory registration index over
// encodings of the given dimension. When indexPath is set, a cached index is
// loaded from disk if its metadata still matches the table, otherwise the
// index is rebuilt from PostgreSQL and saved. Call once at startup; the
// write methods keep the index in sync afterwards.
func (r *EncodingRepository) EnableIndex(ctx context.Context, indexPath string, dim int) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	r.indexPath = indexPath
	r.indexDim = dim

	var count int64
	var maxID sql.NullInt64
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*), MAX(id) FROM face_encodings WHERE dim = $1", dim,
	).Scan(&count, &maxID)
	if err != nil {
		return fmt.Errorf("count encodings: %w", err)
	}

	meta := database.IndexMetadata{EncodingCount: count, MaxEncodingID: maxID.Int64}

	if indexPath != "" && r.tryLoadIndex(indexPath, meta) {
		r.indexEnabled = true
		r.indexMeta = meta
		return nil
	}

	encodings, err := r.allForDim(ctx, dim)
	if err != nil {
		return fmt.Errorf("load encodings for index: %w", err)
	}

	idx := database.NewRegistrationIndex()
	if err := idx.Build(encodings); err != nil {
		return fmt.Errorf("build registration index: %w", err)
	}
	r.index = idx
	r.indexMeta = meta
	r.indexEnabled = true

	if indexPath != "" && len(encodings) > 0 {
		meta.BuildTime = time.Now()
		if err := idx.Save(indexPath, meta); err != nil {
			fmt.Printf("Warning: failed to save registration index: %v\n", err)
		}
	}
	return nil
}

// tryLoadIndex loads a cached index from disk, rejecting it when the
// metadata no longer matches the table.
func (r *EncodingRepository) tryLoadIndex(indexPath string, meta database.IndexMetadata) bool {
	cached, err := database.LoadIndexMetadata(indexPath)
	if err != nil {
		fmt.Printf("Registration index: metadata error: %v (will rebuild)\n", err)
		return false
	}
	if cached.EncodingCount != meta.EncodingCount || cached.MaxEncodingID != meta.MaxEncodingID {
		fmt.Printf("Registration index: stale (db count=%d, cached count=%d) (will rebuild)\n",
			meta.EncodingCount, cached.EncodingCount)
		return false
	}

	idx := database.NewRegistrationIndex()
	if err := idx.Load(indexPath); err != nil {
		fmt.Printf("Registration index: load failed: %v (will rebuild)\n", err)
		return false
	}
	if idx.IsEmpty() {
		return false
	}
	r.index = idx
	return true
}

// allForDim returns every encoding with the given dimension, including those
// of inactive students. Re-enrolling a removed student should still trip the
// duplicate warning.
func (r *EncodingRepository) allForDim(ctx context.Context, dim int) ([]database.StoredEncoding, error) {
	query := "SELECT " + encodingColumns + " FROM face_encodings WHERE dim = $1 ORDER BY id"

	rows, err := r.pool.Query(ctx, query, dim)
	if err != nil {
		return nil, fmt.Errorf("query encodings: %w", err)
	}
	defer rows.Close()

	return scanEncodings(rows)
}

// RebuildIndex rebuilds the registration index from PostgreSQL data.
func (r *EncodingRepository) RebuildIndex(ctx context.Context) error {
	r.indexMu.RLock()
	indexPath := r.indexPath
	dim := r.indexDim
	r.indexMu.RUnlock()
	return r.EnableIndex(ctx, indexPath, dim)
}

// DisableIndex drops the in-memory index, falling back to pgvector scans.
func (r *EncodingRepository) DisableIndex() {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	r.indexEnabled = false
	r.index = nil
}

// IsIndexEnabled returns whether the registration index is active.
func (r *EncodingRepository) IsIndexEnabled() bool {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	return r.indexEnabled && r.index != nil
}

// IndexCount returns the number of encodings in the registration index.
func (r *EncodingRepository) IndexCount() int {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	if r.index == nil {
		return 0
	}
	return r.index.Count()
}

// SaveIndex persists the registration index to disk, if a path is configured.
func (r *EncodingRepository) SaveIndex() error {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()

	if r.indexPath == "" || r.index == nil {
		return nil
	}

	meta := r.indexMeta
	meta.BuildTime = time.Now()
	if err := r.index.Save(r.indexPath, meta); err != nil {
		return fmt.Errorf("save registration index: %w", err)
	}
	return nil
}

// indexAdd inserts a freshly stored encoding into the index.
func (r *EncodingRepository) indexAdd(enc *database.StoredEncoding) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	if !r.indexEnabled || r.index == nil || enc.Dim != r.indexDim {
		return
	}
	copied := *enc
	r.index.Add(&copied)
	r.indexMeta.EncodingCount++
	if enc.ID > r.indexMeta.MaxEncodingID {
		r.indexMeta.MaxEncodingID = enc.ID
	}
}

// indexEvict removes deleted encodings from index lookups.
func (r *EncodingRepository) indexEvict(ids []int64) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	if !r.indexEnabled || r.index == nil {
		return
	}
	for _, id := range ids {
		if r.index.Get(id) == nil {
			continue
		}
		r.index.Delete(id)
		r.indexMeta.EncodingCount--
	}
}

// Verify interface compliance.
var _ database.EncodingReader = (*EncodingRepository)(nil)
var _ database.EncodingWriter = (*EncodingRepository)(nil)
var _ database.IndexRebuilder = (*EncodingRepository)(nil)
