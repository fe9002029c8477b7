package facematch

import (
	"errors"
	"math"
	"testing"
)

// testVector builds a dim-length vector with the given sparse overrides.
func testVector(dim int, overrides map[int]float64) FeatureVector {
	v := make(FeatureVector, dim)
	for i, val := range overrides {
		v[i] = val
	}
	return v
}

func testGallery(t *testing.T, dim int, entries ...GalleryEntry) *Gallery {
	t.Helper()
	records := make([]EncodingRecord, 0, len(entries))
	for _, e := range entries {
		enc := make([]float32, len(e.Encoding))
		for i, val := range e.Encoding {
			enc[i] = float32(val)
		}
		records = append(records, EncodingRecord{StudentID: e.StudentID, Encoding: enc})
	}
	g, skipped := BuildGallery(dim, records)
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped records: %v", skipped)
	}
	return g
}

func TestMatchEmptyGallery(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	probe := testVector(128, nil)

	empty, _ := BuildGallery(128, nil)
	for name, g := range map[string]*Gallery{"empty": empty, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			result, err := m.Match(probe, g)
			if err != nil {
				t.Fatalf("Match() error = %v, want nil", err)
			}
			if result.Matched {
				t.Errorf("Match() matched = true, want no match for %s gallery", name)
			}
		})
	}
}

func TestMatchIdenticalEncoding(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	v := testVector(128, map[int]float64{0: 0.25, 5: -0.5, 100: 1.0})
	g := testGallery(t, 128,
		GalleryEntry{StudentID: "S1", Encoding: testVector(128, map[int]float64{0: 3.0})},
		GalleryEntry{StudentID: "S2", Encoding: v},
	)

	result, err := m.Match(v, g)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !result.Matched || result.StudentID != "S2" {
		t.Fatalf("Match() = %+v, want match for S2", result)
	}
	if result.Confidence != 1.0 {
		t.Errorf("Match() confidence = %v, want 1.0 for identical encoding", result.Confidence)
	}
	if result.Distance != 0 {
		t.Errorf("Match() distance = %v, want 0", result.Distance)
	}
}

func TestMatchThreshold(t *testing.T) {
	tests := []struct {
		name        string
		threshold   float64
		offset      float64
		wantMatched bool
	}{
		{name: "below threshold matches", threshold: 0.6, offset: 0.59, wantMatched: true},
		{name: "at threshold rejected", threshold: 0.6, offset: 0.6, wantMatched: false},
		{name: "above threshold rejected", threshold: 0.6, offset: 0.75, wantMatched: false},
		{name: "custom threshold", threshold: 0.3, offset: 0.4, wantMatched: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.threshold)
			// Several entries all at the same close-but-not-matching distance.
			g := testGallery(t, 128,
				GalleryEntry{StudentID: "S1", Encoding: testVector(128, map[int]float64{0: tt.offset})},
				GalleryEntry{StudentID: "S2", Encoding: testVector(128, map[int]float64{1: tt.offset})},
				GalleryEntry{StudentID: "S3", Encoding: testVector(128, map[int]float64{2: tt.offset})},
			)

			result, err := m.Match(testVector(128, nil), g)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if result.Matched != tt.wantMatched {
				t.Errorf("Match() matched = %v, want %v", result.Matched, tt.wantMatched)
			}
			if math.Abs(result.Distance-tt.offset) > 0.0001 {
				t.Errorf("Match() distance = %v, want %v", result.Distance, tt.offset)
			}
		})
	}
}

func TestMatchPicksMinimumDistance(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	g := testGallery(t, 128,
		GalleryEntry{StudentID: "far", Encoding: testVector(128, map[int]float64{0: 0.5})},
		GalleryEntry{StudentID: "near", Encoding: testVector(128, map[int]float64{0: 0.1})},
		GalleryEntry{StudentID: "mid", Encoding: testVector(128, map[int]float64{0: 0.3})},
	)

	result, err := m.Match(testVector(128, nil), g)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result.StudentID != "near" {
		t.Errorf("Match() student = %q, want %q", result.StudentID, "near")
	}
	if math.Abs(result.Distance-0.1) > 0.0001 {
		t.Errorf("Match() distance = %v, want 0.1", result.Distance)
	}
}

func TestMatchTieBreaksFirstOccurrence(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	// Two entries at the exact same distance from the probe.
	g := testGallery(t, 128,
		GalleryEntry{StudentID: "first", Encoding: testVector(128, map[int]float64{0: 0.2})},
		GalleryEntry{StudentID: "second", Encoding: testVector(128, map[int]float64{1: 0.2})},
	)

	for i := 0; i < 10; i++ {
		result, err := m.Match(testVector(128, nil), g)
		if err != nil {
			t.Fatalf("Match() error = %v", err)
		}
		if result.StudentID != "first" {
			t.Fatalf("Match() student = %q on call %d, want %q", result.StudentID, i, "first")
		}
	}
}

func TestMatchDeterministic(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	g := testGallery(t, 128,
		GalleryEntry{StudentID: "S1", Encoding: testVector(128, map[int]float64{0: 0.31, 7: -0.12})},
		GalleryEntry{StudentID: "S2", Encoding: testVector(128, map[int]float64{3: 0.27})},
		GalleryEntry{StudentID: "S3", Encoding: testVector(128, map[int]float64{9: 0.44, 2: 0.05})},
	)
	probe := testVector(128, map[int]float64{0: 0.3, 7: -0.1})

	first, err := m.Match(probe, g)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		got, err := m.Match(probe, g)
		if err != nil {
			t.Fatalf("Match() error = %v", err)
		}
		if got != first {
			t.Fatalf("Match() call %d = %+v, want identical %+v", i, got, first)
		}
	}
}

func TestMatchDimensionMismatch(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	g := testGallery(t, 128, GalleryEntry{StudentID: "S1", Encoding: testVector(128, nil)})

	_, err := m.Match(testVector(64, nil), g)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Match() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestConfidenceClamped(t *testing.T) {
	tests := []struct {
		distance float64
		expected float64
	}{
		{0.0, 1.0},
		{0.05, 0.95},
		{0.6, 0.4},
		{1.0, 0.0},
		{1.5, 0.0},
		{-0.1, 1.0},
	}

	for _, tt := range tests {
		result := confidenceFromDistance(tt.distance)
		if math.Abs(result-tt.expected) > 0.0001 {
			t.Errorf("confidenceFromDistance(%v) = %v, want %v", tt.distance, result, tt.expected)
		}
	}
}

func TestNewMatcherDefaultThreshold(t *testing.T) {
	for _, threshold := range []float64{0, -1} {
		m := NewMatcher(threshold)
		if m.Threshold() != DefaultThreshold {
			t.Errorf("NewMatcher(%v).Threshold() = %v, want %v", threshold, m.Threshold(), DefaultThreshold)
		}
	}
}
