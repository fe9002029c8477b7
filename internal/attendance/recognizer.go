// Package attendance is the service layer between the decision core and the
// outside world. The Recognizer owns the live recognition session: it holds
// the immutable gallery snapshot, anchors the Present/Late guard at the
// active class session and serializes marking per student. The Service
// covers everything that does not go through a camera: manual marking,
// record maintenance, the daily absent closeout, leave review side effects
// and CSV export.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

// Per-face outcome reasons.
const (
	ReasonMarked        = "marked"
	ReasonAlreadyMarked = "already_marked"
	ReasonUnknownFace   = "unknown_face"
	ReasonLowQuality    = "low_quality"
)

// ErrNotRunning is returned by ProcessFrame when no recognition session has
// been started.
var ErrNotRunning = errors.New("no recognition session running")

// FaceResult is the outcome for one detected face in a processed frame.
// BBox coordinates are relative (0..1) so clients can draw overlays at any
// display resolution. Distance is always reported, even for unknown faces,
// so operators can see how close a miss came.
type FaceResult struct {
	FaceIndex   int       `json:"face_index"`
	BBox        []float64 `json:"bbox,omitempty"`
	Matched     bool      `json:"matched"`
	StudentID   string    `json:"student_id,omitempty"`
	StudentName string    `json:"student_name,omitempty"`
	Distance    float64   `json:"distance"`
	Confidence  float64   `json:"confidence"`
	Marked      bool      `json:"marked"`
	Status      string    `json:"status,omitempty"`
	Reason      string    `json:"reason"`
}

// FrameResult is the outcome of processing one camera frame.
type FrameResult struct {
	FacesCount int          `json:"faces_count"`
	Faces      []FaceResult `json:"faces"`
}

// SkippedRow reports one encoding rejected during gallery load.
type SkippedRow struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason"`
}

// GalleryInfo describes the current snapshot for diagnostics.
type GalleryInfo struct {
	Running      bool         `json:"running"`
	Size         int          `json:"size"`
	Students     int          `json:"students"`
	Dim          int          `json:"dim"`
	SkippedCount int          `json:"skipped_count"`
	Skipped      []SkippedRow `json:"skipped,omitempty"`
	Session      string       `json:"session,omitempty"`
}

// RecognizerConfig carries the tunables of a recognition session runtime.
type RecognizerConfig struct {
	Dim            int           // expected encoding dimensionality
	MatchThreshold float64       // maximum match distance
	Grace          time.Duration // fallback grace window when no class session sets one
	SessionStart   string        // fallback "HH:MM" anchor when no class session is active
}

// Recognizer runs the live recognition session. The gallery is an immutable
// snapshot swapped as a whole by Refresh; marking decisions for one student
// are serialized by a per-student mutex so two near-simultaneous detections
// cannot both pass the duplicate check.
type Recognizer struct {
	EventBroadcaster

	encoder    *encoder.Client
	students   database.StudentReader
	encodings  database.EncodingReader
	attendance database.AttendanceWriter
	sessions   database.SessionReader
	matcher    *facematch.Matcher
	logger     *zap.Logger

	dim           int
	fallbackStart string
	fallbackGrace time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	running  bool
	gallery  *facematch.Gallery
	names    map[string]string // student_id -> display name
	skipped  []facematch.SkippedEncoding
	guard    *facematch.Guard
	guardDay string
	session  *database.ClassSession

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewRecognizer creates a recognition session runtime. Call Start before
// processing frames.
func NewRecognizer(
	enc *encoder.Client,
	students database.StudentReader,
	encodings database.EncodingReader,
	attendance database.AttendanceWriter,
	sessions database.SessionReader,
	cfg RecognizerConfig,
	logger *zap.Logger,
) *Recognizer {
	dim := cfg.Dim
	if dim <= 0 {
		dim = constants.DefaultEncodingDim
	}
	start := cfg.SessionStart
	if start == "" {
		start = "08:00"
	}
	return &Recognizer{
		encoder:       enc,
		students:      students,
		encodings:     encodings,
		attendance:    attendance,
		sessions:      sessions,
		matcher:       facematch.NewMatcher(cfg.MatchThreshold),
		logger:        logger,
		dim:           dim,
		fallbackStart: start,
		fallbackGrace: cfg.Grace,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
	}
}

// Start loads the gallery snapshot, anchors the guard at the active class
// session and begins accepting frames. Starting an already running
// recognizer reloads the snapshot.
func (r *Recognizer) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	r.logger.Info("recognition session started")
	return nil
}

// Stop stops accepting frames. The loaded snapshot stays available for
// Preview and Info.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.logger.Info("recognition session stopped")
}

// Running reports whether ProcessFrame currently accepts frames.
func (r *Recognizer) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Refresh builds a fresh gallery snapshot from storage and swaps it in.
// Enrollment changes do not reach a running session any other way. The
// active class session is re-resolved as well, so handlers call Refresh
// after activating a different session.
func (r *Recognizer) Refresh(ctx context.Context) error {
	gallery, skipped, names, err := r.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.gallery = gallery
	r.skipped = skipped
	r.names = names
	r.guardDay = "" // force session re-resolution on the next frame
	r.mu.Unlock()

	if _, _, err := r.currentGuard(ctx, r.now()); err != nil {
		return err
	}

	r.logger.Info("gallery snapshot loaded",
		zap.Int("encodings", gallery.Len()),
		zap.Int("students", len(gallery.Students())),
		zap.Int("skipped", len(skipped)))
	r.SendEvent(RecognitionEvent{
		Type:        EventRefreshed,
		GallerySize: gallery.Len(),
		Timestamp:   r.now(),
	})
	return nil
}

// Info returns snapshot statistics and the skip diagnostics of the last load.
func (r *Recognizer) Info() GalleryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := GalleryInfo{
		Running:      r.running,
		Size:         r.gallery.Len(),
		Students:     len(r.gallery.Students()),
		Dim:          r.dim,
		SkippedCount: len(r.skipped),
	}
	for _, skip := range r.skipped {
		info.Skipped = append(info.Skipped, SkippedRow{StudentID: skip.StudentID, Reason: skip.Reason})
	}
	if r.session != nil {
		info.Session = r.session.Name
	}
	return info
}

// ProcessFrame runs the full pipeline for one camera frame: detect and
// encode, match each face against the gallery, and record attendance for
// matched students that have no record today. It returns one result per
// detected face; writing failures abort the frame.
func (r *Recognizer) ProcessFrame(ctx context.Context, imageData []byte) (*FrameResult, error) {
	r.mu.RLock()
	running := r.running
	gallery := r.gallery
	names := r.names
	r.mu.RUnlock()

	if !running {
		return nil, ErrNotRunning
	}

	resp, width, height, err := r.encodeFrame(ctx, imageData)
	if err != nil {
		return nil, err
	}

	guard, session, err := r.currentGuard(ctx, r.now())
	if err != nil {
		return nil, err
	}

	result := &FrameResult{
		FacesCount: resp.FacesCount,
		Faces:      make([]FaceResult, 0, len(resp.Faces)),
	}
	for _, face := range resp.Faces {
		fr, err := r.processFace(ctx, face, width, height, gallery, names, guard, session)
		if err != nil {
			return nil, err
		}
		result.Faces = append(result.Faces, fr)
	}
	return result, nil
}

// Preview matches faces without writing attendance, for camera placement
// and threshold tuning. It works against the latest loaded snapshot even
// when no session is running.
func (r *Recognizer) Preview(ctx context.Context, imageData []byte) (*FrameResult, error) {
	r.mu.RLock()
	gallery := r.gallery
	names := r.names
	r.mu.RUnlock()

	resp, width, height, err := r.encodeFrame(ctx, imageData)
	if err != nil {
		return nil, err
	}

	result := &FrameResult{
		FacesCount: resp.FacesCount,
		Faces:      make([]FaceResult, 0, len(resp.Faces)),
	}
	for _, face := range resp.Faces {
		out := FaceResult{
			FaceIndex: face.FaceIndex,
			BBox:      facematch.RelativeBBox(face.BBox, width, height),
		}
		if face.DetScore < constants.MinDetectionScore {
			out.Reason = ReasonLowQuality
			result.Faces = append(result.Faces, out)
			continue
		}

		match, err := r.matcher.Match(probeVector(face), gallery)
		if err != nil {
			return nil, fmt.Errorf("failed to match face %d: %w", face.FaceIndex, err)
		}
		out.Distance = match.Distance
		if match.Matched {
			out.Matched = true
			out.StudentID = match.StudentID
			out.StudentName = names[match.StudentID]
			out.Confidence = match.Confidence
		} else {
			out.Reason = ReasonUnknownFace
		}
		result.Faces = append(result.Faces, out)
	}
	return result, nil
}

// processFace matches one face and executes the guard decision for it. The
// per-student lock spans lookup, decision and write so a concurrent frame
// with the same student waits instead of double-marking.
func (r *Recognizer) processFace(
	ctx context.Context,
	face encoder.Face,
	width, height int,
	gallery *facematch.Gallery,
	names map[string]string,
	guard *facematch.Guard,
	session *database.ClassSession,
) (FaceResult, error) {
	out := FaceResult{
		FaceIndex: face.FaceIndex,
		BBox:      facematch.RelativeBBox(face.BBox, width, height),
	}

	if face.DetScore < constants.MinDetectionScore {
		out.Reason = ReasonLowQuality
		return out, nil
	}

	match, err := r.matcher.Match(probeVector(face), gallery)
	if err != nil {
		return out, fmt.Errorf("failed to match face %d: %w", face.FaceIndex, err)
	}
	out.Distance = match.Distance
	if !match.Matched {
		out.Reason = ReasonUnknownFace
		return out, nil
	}

	out.Matched = true
	out.StudentID = match.StudentID
	out.StudentName = names[match.StudentID]
	out.Confidence = match.Confidence

	lock := r.studentLock(match.StudentID)
	lock.Lock()
	defer lock.Unlock()

	decision, err := guard.Decide(ctx, match.StudentID, match.Confidence, r.now())
	if err != nil {
		return out, err
	}
	if !decision.Mark {
		out.Reason = ReasonAlreadyMarked
		return out, nil
	}

	rec := &database.AttendanceRecord{
		StudentID:  decision.StudentID,
		Date:       decision.Timestamp,
		TimeIn:     decision.Timestamp,
		Status:     string(decision.Status),
		Confidence: decision.Confidence,
		MarkedBy:   markedBySystem,
	}
	if session != nil {
		sessionID := session.ID
		rec.SessionID = &sessionID
	}
	inserted, err := r.attendance.Insert(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("failed to record attendance for student %s: %w", decision.StudentID, err)
	}
	if !inserted {
		// Lost the insert race to another writer; the existing record wins.
		out.Reason = ReasonAlreadyMarked
		return out, nil
	}

	out.Marked = true
	out.Status = string(decision.Status)
	out.Reason = ReasonMarked

	r.logger.Info("attendance marked",
		zap.String("student_id", decision.StudentID),
		zap.String("status", out.Status),
		zap.Float64("confidence", decision.Confidence))
	r.SendEvent(RecognitionEvent{
		Type:        EventMarked,
		StudentID:   decision.StudentID,
		StudentName: out.StudentName,
		Status:      out.Status,
		Confidence:  decision.Confidence,
		Timestamp:   decision.Timestamp,
	})
	return out, nil
}

// encodeFrame prepares the frame for upload and runs face detection on it.
// The returned dimensions are those of the prepared image, which the
// encoder's pixel bounding boxes refer to.
func (r *Recognizer) encodeFrame(ctx context.Context, imageData []byte) (*encoder.FaceResponse, int, int, error) {
	prepared, width, height, err := encoder.PrepareFrame(imageData)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to prepare frame: %w", err)
	}

	resp, err := r.encoder.Encode(ctx, prepared)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode frame: %w", err)
	}
	return resp, width, height, nil
}

// loadSnapshot reads all enrolled encodings and materializes the gallery
// together with the id -> name map used in results.
func (r *Recognizer) loadSnapshot(ctx context.Context) (*facematch.Gallery, []facematch.SkippedEncoding, map[string]string, error) {
	stored, err := r.encodings.All(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load encodings: %w", err)
	}

	records := make([]facematch.EncodingRecord, len(stored))
	for i, enc := range stored {
		records[i] = facematch.EncodingRecord{StudentID: enc.StudentID, Encoding: enc.Encoding}
	}
	gallery, skipped := facematch.BuildGallery(r.dim, records)
	for _, skip := range skipped {
		r.logger.Warn("skipped encoding during gallery load",
			zap.String("student_id", skip.StudentID),
			zap.String("reason", skip.Reason))
	}

	students, _, err := r.students.List(ctx, database.StudentFilter{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load student names: %w", err)
	}
	names := make(map[string]string, len(students))
	for _, s := range students {
		names[s.StudentID] = s.Name
	}
	return gallery, skipped, names, nil
}

// currentGuard returns the guard for today, rebuilding it when the server
// crosses midnight so the Present/Late anchor follows the calendar day.
func (r *Recognizer) currentGuard(ctx context.Context, now time.Time) (*facematch.Guard, *database.ClassSession, error) {
	day := now.Format("2006-01-02")

	r.mu.RLock()
	guard, session, guardDay := r.guard, r.session, r.guardDay
	r.mu.RUnlock()
	if guard != nil && guardDay == day {
		return guard, session, nil
	}

	session, err := r.sessions.ActiveSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve active session: %w", err)
	}

	start := r.fallbackStart
	grace := r.fallbackGrace
	sessionName := ""
	if session != nil {
		start = session.StartsAt
		sessionName = session.Name
		if session.GraceMinutes > 0 {
			grace = time.Duration(session.GraceMinutes) * time.Minute
		}
	}

	anchor, err := anchorForDay(now, start)
	if err != nil {
		return nil, nil, err
	}
	guard = facematch.NewGuard(r.attendance.ExistsForDate, anchor, grace)

	r.mu.Lock()
	r.guard = guard
	r.session = session
	r.guardDay = day
	r.mu.Unlock()

	r.logger.Info("attendance guard anchored",
		zap.String("session", sessionName),
		zap.Time("session_start", anchor),
		zap.Duration("grace", grace))
	return guard, session, nil
}

// studentLock returns the mutex serializing marking decisions for one
// student. Two faces of the same student in flight at once must not both
// pass the duplicate check.
func (r *Recognizer) studentLock(studentID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	lock, ok := r.locks[studentID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[studentID] = lock
	}
	return lock
}

// anchorForDay places an "HH:MM" time of day onto the given day in its
// location.
func anchorForDay(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid session start time %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

// probeVector converts an encoder face embedding into a probe vector.
func probeVector(face encoder.Face) facematch.FeatureVector {
	probe := make(facematch.FeatureVector, len(face.Embedding))
	for i, v := range face.Embedding {
		probe[i] = float64(v)
	}
	return probe
}
