package facematch

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultThreshold is the maximum Euclidean distance at which a probe is
// still considered a match. 0.6 is the conventional tolerance for 128-d
// face encodings.
const DefaultThreshold = 0.6

// Matcher maps one probe encoding to the best gallery candidate, subject to
// a rejection threshold. It holds no mutable state and is safe for
// concurrent use.
type Matcher struct {
	threshold float64
}

// NewMatcher creates a matcher with the given distance threshold.
// Non-positive thresholds fall back to DefaultThreshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Threshold returns the configured distance threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match compares the probe against every gallery entry and returns the best
// candidate if its Euclidean distance clears the threshold.
//
// An empty gallery always yields a no-match result, never an error. Ties on
// minimum distance resolve to the first entry in gallery order, so repeated
// calls with identical inputs return identical results. The only error is a
// probe whose dimensionality differs from the gallery's (ErrDimensionMismatch).
func (m *Matcher) Match(probe FeatureVector, gallery *Gallery) (Result, error) {
	if gallery == nil || gallery.Len() == 0 {
		return Result{}, nil
	}
	if len(probe) != gallery.Dim() {
		return Result{}, fmt.Errorf("probe has %d dimensions, gallery expects %d: %w",
			len(probe), gallery.Dim(), ErrDimensionMismatch)
	}

	best := -1
	bestDistance := 0.0
	for i := range gallery.entries {
		d := floats.Distance(probe, gallery.entries[i].Encoding, 2)
		if best == -1 || d < bestDistance {
			best = i
			bestDistance = d
		}
	}

	result := Result{Distance: bestDistance}
	if bestDistance < m.threshold {
		result.Matched = true
		result.StudentID = gallery.entries[best].StudentID
		result.Confidence = confidenceFromDistance(bestDistance)
	}
	return result, nil
}

// confidenceFromDistance maps a match distance to the 1 - distance display
// heuristic, clamped to [0, 1]. It is not a calibrated probability; the
// threshold always applies to the raw distance.
func confidenceFromDistance(distance float64) float64 {
	c := 1 - distance
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
