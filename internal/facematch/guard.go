package facematch

import (
	"context"
	"fmt"
	"time"
)

// DefaultGraceWindow is how long after session start an arrival still counts
// as Present rather than Late.
const DefaultGraceWindow = 15 * time.Minute

// AttendanceLookup reports whether an attendance record already exists for
// the student on the given day. It is delegated to the persistence layer and
// must hit storage fresh on every call; the guard never caches its answer.
type AttendanceLookup func(ctx context.Context, studentID string, day time.Time) (bool, error)

// Guard enforces the one-record-per-student-per-day invariant and derives
// the Present/Late status for new marks. It decides, it does not write;
// executing the decision (and serializing decisions per student) belongs to
// the caller.
type Guard struct {
	lookup       AttendanceLookup
	sessionStart time.Time
	grace        time.Duration
}

// NewGuard creates a guard anchored at the session start time. Arrivals
// within the grace window of that anchor are Present, later ones Late.
// A non-positive grace falls back to DefaultGraceWindow.
func NewGuard(lookup AttendanceLookup, sessionStart time.Time, grace time.Duration) *Guard {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Guard{
		lookup:       lookup,
		sessionStart: sessionStart,
		grace:        grace,
	}
}

// Decide returns the marking decision for one recognized student.
//
// An existing record for the day yields Mark false (duplicate, skip) with a
// nil error; duplicates are a frequent, expected outcome. A missing record
// yields Mark true with status Present when now falls within the grace
// window of session start, Late otherwise. The only error path is the
// lookup itself failing.
func (g *Guard) Decide(ctx context.Context, studentID string, confidence float64, now time.Time) (Decision, error) {
	exists, err := g.lookup(ctx, studentID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("attendance lookup for student %s: %w", studentID, err)
	}

	decision := Decision{
		StudentID:  studentID,
		Timestamp:  now,
		Confidence: confidence,
	}
	if exists {
		return decision, nil
	}

	decision.Mark = true
	decision.Status = StatusPresent
	if now.After(g.sessionStart.Add(g.grace)) {
		decision.Status = StatusLate
	}
	return decision, nil
}
