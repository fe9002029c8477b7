// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// MockStudentWriter is a mock implementation of database.StudentWriter
type MockStudentWriter struct {
	mu       sync.RWMutex
	students map[string]*database.Student // keyed by StudentID
	nextID   int64

	// Error injection
	GetError    error
	ListError   error
	CountError  error
	SaveError   error
	ActiveError error
	PurgeError  error
}

// NewMockStudentWriter creates a new mock student writer
func NewMockStudentWriter() *MockStudentWriter {
	return &MockStudentWriter{
		students: make(map[string]*database.Student),
	}
}

// AddStudent seeds a student into the mock store
func (m *MockStudentWriter) AddStudent(s database.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	}
	m.students[s.StudentID] = &s
}

// Get retrieves a student by roll number
func (m *MockStudentWriter) Get(ctx context.Context, studentID string) (*database.Student, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[studentID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

// List returns students matching the filter
func (m *MockStudentWriter) List(ctx context.Context, filter database.StudentFilter) ([]database.Student, int, error) {
	if m.ListError != nil {
		return nil, 0, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []database.Student
	for _, s := range m.students {
		if !filter.IncludeInactive && !s.IsActive {
			continue
		}
		if filter.Department != "" && s.Department != filter.Department {
			continue
		}
		if filter.Year != "" && s.Year != filter.Year {
			continue
		}
		if filter.Section != "" && s.Section != filter.Section {
			continue
		}
		if filter.Query != "" {
			q := facematch.NormalizePersonName(filter.Query)
			name := facematch.NormalizePersonName(s.Name)
			id := strings.ToLower(s.StudentID)
			if !strings.Contains(name, q) && !strings.Contains(id, strings.ToLower(filter.Query)) {
				continue
			}
		}
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StudentID < all[j].StudentID })

	total := len(all)
	if filter.PerPage > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PerPage
		if start >= len(all) {
			return nil, total, nil
		}
		end := start + filter.PerPage
		if end > len(all) {
			end = len(all)
		}
		all = all[start:end]
	}
	return all, total, nil
}

// ListActiveIDs returns the roll numbers of all active students
func (m *MockStudentWriter) ListActiveIDs(ctx context.Context) ([]string, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, s := range m.students {
		if s.IsActive {
			ids = append(ids, s.StudentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of active students
func (m *MockStudentWriter) Count(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.students {
		if s.IsActive {
			count++
		}
	}
	return count, nil
}

// Save upserts a student keyed by roll number
func (m *MockStudentWriter) Save(ctx context.Context, student *database.Student) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.students[student.StudentID]; ok {
		student.ID = existing.ID
		student.CreatedAt = existing.CreatedAt
	} else {
		m.nextID++
		student.ID = m.nextID
		student.CreatedAt = time.Now()
	}
	student.UpdatedAt = time.Now()
	copied := *student
	m.students[student.StudentID] = &copied
	return nil
}

// SetActive toggles the soft-delete flag
func (m *MockStudentWriter) SetActive(ctx context.Context, studentID string, active bool) error {
	if m.ActiveError != nil {
		return m.ActiveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[studentID]; ok {
		s.IsActive = active
	}
	return nil
}

// UpdatePortrait records a new portrait path and hash
func (m *MockStudentWriter) UpdatePortrait(ctx context.Context, studentID, path string, hash uint64) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[studentID]; ok {
		s.PortraitPath = path
		s.PortraitHash = hash
	}
	return nil
}

// Purge hard-deletes a student
func (m *MockStudentWriter) Purge(ctx context.Context, studentID string) error {
	if m.PurgeError != nil {
		return m.PurgeError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.students, studentID)
	return nil
}

// MockEncodingWriter is a mock implementation of database.EncodingWriter
type MockEncodingWriter struct {
	mu        sync.RWMutex
	encodings map[int64]*database.StoredEncoding
	nextID    int64

	// Error injection
	AllError     error
	GetError     error
	CountError   error
	NearestError error
	SaveError    error
	DeleteError  error
}

// NewMockEncodingWriter creates a new mock encoding writer
func NewMockEncodingWriter() *MockEncodingWriter {
	return &MockEncodingWriter{
		encodings: make(map[int64]*database.StoredEncoding),
	}
}

// AddEncoding seeds an encoding into the mock store
func (m *MockEncodingWriter) AddEncoding(enc database.StoredEncoding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enc.ID == 0 {
		m.nextID++
		enc.ID = m.nextID
	} else if enc.ID > m.nextID {
		m.nextID = enc.ID
	}
	m.encodings[enc.ID] = &enc
}

func (m *MockEncodingWriter) sorted() []database.StoredEncoding {
	out := make([]database.StoredEncoding, 0, len(m.encodings))
	for _, enc := range m.encodings {
		out = append(out, *enc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every stored encoding in id order
func (m *MockEncodingWriter) All(ctx context.Context) ([]database.StoredEncoding, error) {
	if m.AllError != nil {
		return nil, m.AllError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(), nil
}

// GetByStudent returns all encodings for one student
func (m *MockEncodingWriter) GetByStudent(ctx context.Context, studentID string) ([]database.StoredEncoding, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.StoredEncoding
	for _, enc := range m.sorted() {
		if enc.StudentID == studentID {
			out = append(out, enc)
		}
	}
	return out, nil
}

// Count returns the total number of encodings
func (m *MockEncodingWriter) Count(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.encodings), nil
}

// FindNearest returns encodings ordered by L2 distance to the query
func (m *MockEncodingWriter) FindNearest(ctx context.Context, encoding []float32, limit int) ([]database.StoredEncoding, []float64, error) {
	if m.NearestError != nil {
		return nil, nil, m.NearestError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sorted()
	dists := make([]float64, len(all))
	for i := range all {
		dists[i] = database.EuclideanDistance(encoding, all[i].Encoding)
	}
	order := make([]int, len(all))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return dists[order[i]] < dists[order[j]] })

	var results []database.StoredEncoding
	var distances []float64
	for _, idx := range order {
		results = append(results, all[idx])
		distances = append(distances, dists[idx])
		if len(results) >= limit {
			break
		}
	}
	return results, distances, nil
}

// Save inserts an encoding and returns its id
func (m *MockEncodingWriter) Save(ctx context.Context, enc *database.StoredEncoding) (int64, error) {
	if m.SaveError != nil {
		return 0, m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	enc.ID = m.nextID
	enc.CreatedAt = time.Now()
	copied := *enc
	m.encodings[enc.ID] = &copied
	return enc.ID, nil
}

// ReplaceForStudent swaps all encodings of one student for a new set
func (m *MockEncodingWriter) ReplaceForStudent(ctx context.Context, studentID string, encs []database.StoredEncoding) ([]int64, error) {
	if m.SaveError != nil {
		return nil, m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []int64
	for id, enc := range m.encodings {
		if enc.StudentID == studentID {
			deleted = append(deleted, id)
			delete(m.encodings, id)
		}
	}
	for i := range encs {
		m.nextID++
		encs[i].ID = m.nextID
		encs[i].StudentID = studentID
		copied := encs[i]
		m.encodings[copied.ID] = &copied
	}
	return deleted, nil
}

// DeleteByStudent removes all encodings of one student
func (m *MockEncodingWriter) DeleteByStudent(ctx context.Context, studentID string) ([]int64, error) {
	if m.DeleteError != nil {
		return nil, m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []int64
	for id, enc := range m.encodings {
		if enc.StudentID == studentID {
			deleted = append(deleted, id)
			delete(m.encodings, id)
		}
	}
	return deleted, nil
}

// MockAttendanceWriter is a mock implementation of database.AttendanceWriter.
// Insert honors the UNIQUE (student_id, date) constraint the way the real
// store does: a second insert for the same day returns false, nil.
type MockAttendanceWriter struct {
	mu      sync.RWMutex
	records map[int64]*database.AttendanceRecord
	byDay   map[string]int64 // (studentID|day) -> record id
	nextID  int64

	// Track calls
	InsertCalls int
	UpsertCalls int

	// Error injection
	ExistsError error
	GetError    error
	ListError   error
	InsertError error
	UpsertError error
	StatusError error
	TimeError   error
	DeleteError error
}

// NewMockAttendanceWriter creates a new mock attendance writer
func NewMockAttendanceWriter() *MockAttendanceWriter {
	return &MockAttendanceWriter{
		records: make(map[int64]*database.AttendanceRecord),
		byDay:   make(map[string]int64),
	}
}

func attendanceKey(studentID string, day time.Time) string {
	return studentID + "|" + dayKey(day)
}

// AddRecord seeds an attendance record into the mock store
func (m *MockAttendanceWriter) AddRecord(rec database.AttendanceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == 0 {
		m.nextID++
		rec.ID = m.nextID
	} else if rec.ID > m.nextID {
		m.nextID = rec.ID
	}
	m.records[rec.ID] = &rec
	m.byDay[attendanceKey(rec.StudentID, rec.Date)] = rec.ID
}

// ExistsForDate reports whether the student has a record on the given day
func (m *MockAttendanceWriter) ExistsForDate(ctx context.Context, studentID string, day time.Time) (bool, error) {
	if m.ExistsError != nil {
		return false, m.ExistsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byDay[attendanceKey(studentID, day)]
	return ok, nil
}

// Get retrieves a record by id
func (m *MockAttendanceWriter) Get(ctx context.Context, id int64) (*database.AttendanceRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

// GetForDate retrieves the student's record on the given day
func (m *MockAttendanceWriter) GetForDate(ctx context.Context, studentID string, day time.Time) (*database.AttendanceRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDay[attendanceKey(studentID, day)]
	if !ok {
		return nil, nil
	}
	copied := *m.records[id]
	return &copied, nil
}

// List returns records matching the filter
func (m *MockAttendanceWriter) List(ctx context.Context, filter database.AttendanceFilter) ([]database.AttendanceRecord, int, error) {
	if m.ListError != nil {
		return nil, 0, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []database.AttendanceRecord
	for _, rec := range m.records {
		if filter.StudentID != "" && rec.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Department != "" && rec.Department != filter.Department {
			continue
		}
		if !filter.DateFrom.IsZero() && rec.Date.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && rec.Date.After(filter.DateTo) {
			continue
		}
		all = append(all, *rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.Before(all[j].Date)
		}
		return all[i].StudentID < all[j].StudentID
	})

	total := len(all)
	if filter.PerPage > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PerPage
		if start >= len(all) {
			return nil, total, nil
		}
		end := start + filter.PerPage
		if end > len(all) {
			end = len(all)
		}
		all = all[start:end]
	}
	return all, total, nil
}

// CountByStatus returns per-status counts for one day
func (m *MockAttendanceWriter) CountByStatus(ctx context.Context, day time.Time) (map[string]int, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	key := dayKey(day)
	for _, rec := range m.records {
		if dayKey(rec.Date) == key {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

// Insert adds a record unless one already exists for (student, date)
func (m *MockAttendanceWriter) Insert(ctx context.Context, rec *database.AttendanceRecord) (bool, error) {
	if m.InsertError != nil {
		return false, m.InsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++

	key := attendanceKey(rec.StudentID, rec.Date)
	if _, ok := m.byDay[key]; ok {
		return false, nil
	}

	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now()
	copied := *rec
	m.records[rec.ID] = &copied
	m.byDay[key] = rec.ID
	return true, nil
}

// Upsert adds a record or overwrites the existing one for (student, date)
func (m *MockAttendanceWriter) Upsert(ctx context.Context, rec *database.AttendanceRecord) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++

	key := attendanceKey(rec.StudentID, rec.Date)
	if id, ok := m.byDay[key]; ok {
		existing := m.records[id]
		existing.Status = rec.Status
		existing.Confidence = rec.Confidence
		existing.MarkedBy = rec.MarkedBy
		existing.UpdatedAt = time.Now()
		rec.ID = id
		return nil
	}

	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now()
	copied := *rec
	m.records[rec.ID] = &copied
	m.byDay[key] = rec.ID
	return nil
}

// SetStatus updates the status of a record
func (m *MockAttendanceWriter) SetStatus(ctx context.Context, id int64, status, markedBy string) error {
	if m.StatusError != nil {
		return m.StatusError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.Status = status
		rec.MarkedBy = markedBy
		rec.UpdatedAt = time.Now()
	}
	return nil
}

// SetTimeOut stamps the checkout time of a record
func (m *MockAttendanceWriter) SetTimeOut(ctx context.Context, id int64, at time.Time) error {
	if m.TimeError != nil {
		return m.TimeError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.TimeOut = &at
		rec.UpdatedAt = time.Now()
	}
	return nil
}

// Delete removes a record
func (m *MockAttendanceWriter) Delete(ctx context.Context, id int64) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		delete(m.byDay, attendanceKey(rec.StudentID, rec.Date))
		delete(m.records, id)
	}
	return nil
}

// MockSessionWriter is a mock implementation of database.SessionWriter
type MockSessionWriter struct {
	mu       sync.RWMutex
	sessions map[int64]*database.ClassSession
	nextID   int64

	// Error injection
	GetError      error
	ListError     error
	SaveError     error
	ActivateError error
}

// NewMockSessionWriter creates a new mock session writer
func NewMockSessionWriter() *MockSessionWriter {
	return &MockSessionWriter{
		sessions: make(map[int64]*database.ClassSession),
	}
}

// AddSession seeds a class session into the mock store
func (m *MockSessionWriter) AddSession(s database.ClassSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	m.sessions[s.ID] = &s
}

// GetSession retrieves a session by id
func (m *MockSessionWriter) GetSession(ctx context.Context, id int64) (*database.ClassSession, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

// ActiveSession returns the active session, nil if none
func (m *MockSessionWriter) ActiveSession(ctx context.Context) (*database.ClassSession, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.IsActive {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

// ListSessions returns all sessions
func (m *MockSessionWriter) ListSessions(ctx context.Context) ([]database.ClassSession, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.ClassSession
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSession inserts a session
func (m *MockSessionWriter) SaveSession(ctx context.Context, session *database.ClassSession) (int64, error) {
	if m.SaveError != nil {
		return 0, m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	session.ID = m.nextID
	session.CreatedAt = time.Now()
	copied := *session
	m.sessions[session.ID] = &copied
	return session.ID, nil
}

// Activate marks one session active and deactivates all others
func (m *MockSessionWriter) Activate(ctx context.Context, id int64) error {
	if m.ActivateError != nil {
		return m.ActivateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.IsActive = s.ID == id
	}
	return nil
}

// MockLeaveWriter is a mock implementation of database.LeaveWriter
type MockLeaveWriter struct {
	mu     sync.RWMutex
	leaves map[int64]*database.LeaveRequest
	nextID int64

	// Error injection
	GetError    error
	ListError   error
	SaveError   error
	ReviewError error
}

// NewMockLeaveWriter creates a new mock leave writer
func NewMockLeaveWriter() *MockLeaveWriter {
	return &MockLeaveWriter{
		leaves: make(map[int64]*database.LeaveRequest),
	}
}

// AddLeave seeds a leave request into the mock store
func (m *MockLeaveWriter) AddLeave(l database.LeaveRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		m.nextID++
		l.ID = m.nextID
	} else if l.ID > m.nextID {
		m.nextID = l.ID
	}
	m.leaves[l.ID] = &l
}

// GetLeave retrieves a leave request by id
func (m *MockLeaveWriter) GetLeave(ctx context.Context, id int64) (*database.LeaveRequest, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leaves[id]
	if !ok {
		return nil, nil
	}
	copied := *l
	return &copied, nil
}

// ListLeaves returns leave requests matching the filter
func (m *MockLeaveWriter) ListLeaves(ctx context.Context, filter database.LeaveFilter) ([]database.LeaveRequest, int, error) {
	if m.ListError != nil {
		return nil, 0, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []database.LeaveRequest
	for _, l := range m.leaves {
		if filter.StudentID != "" && l.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		all = append(all, *l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	if filter.PerPage > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PerPage
		if start >= len(all) {
			return nil, total, nil
		}
		end := start + filter.PerPage
		if end > len(all) {
			end = len(all)
		}
		all = all[start:end]
	}
	return all, total, nil
}

// SaveLeave inserts a pending leave request
func (m *MockLeaveWriter) SaveLeave(ctx context.Context, leave *database.LeaveRequest) (int64, error) {
	if m.SaveError != nil {
		return 0, m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	leave.ID = m.nextID
	leave.Status = database.LeavePending
	leave.CreatedAt = time.Now()
	copied := *leave
	m.leaves[leave.ID] = &copied
	return leave.ID, nil
}

// Review sets the review outcome on a request
func (m *MockLeaveWriter) Review(ctx context.Context, id int64, status, reviewedBy, notes string) error {
	if m.ReviewError != nil {
		return m.ReviewError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leaves[id]; ok {
		now := time.Now()
		l.Status = status
		l.ReviewedBy = reviewedBy
		l.ReviewNotes = notes
		l.ReviewedAt = &now
	}
	return nil
}

// Verify interface compliance
var _ database.StudentWriter = (*MockStudentWriter)(nil)
var _ database.EncodingWriter = (*MockEncodingWriter)(nil)
var _ database.AttendanceWriter = (*MockAttendanceWriter)(nil)
var _ database.SessionWriter = (*MockSessionWriter)(nil)
var _ database.LeaveWriter = (*MockLeaveWriter)(nil)
