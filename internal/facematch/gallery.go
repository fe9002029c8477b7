package facematch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// EncodingRecord is one persisted encoding row handed to BuildGallery,
// in the float32 form the vector store returns.
type EncodingRecord struct {
	StudentID string
	Encoding  []float32
}

// SkippedEncoding describes a persisted record rejected during gallery load.
type SkippedEncoding struct {
	StudentID string
	Reason    string
}

// Gallery is the immutable in-memory snapshot of enrolled encodings used for
// one recognition session. It is built once before the session starts and
// never mutated; roster changes require building a fresh snapshot.
type Gallery struct {
	entries []GalleryEntry
	dim     int
}

// BuildGallery materializes a session gallery from persisted encoding rows.
// Records with a missing encoding, wrong dimensionality or non-finite values
// are skipped and reported instead of aborting the load; one corrupt student
// row must not take the whole session down. Entry order follows record order.
func BuildGallery(dim int, records []EncodingRecord) (*Gallery, []SkippedEncoding) {
	g := &Gallery{
		entries: make([]GalleryEntry, 0, len(records)),
		dim:     dim,
	}

	var skipped []SkippedEncoding
	for _, rec := range records {
		if len(rec.Encoding) == 0 {
			skipped = append(skipped, SkippedEncoding{
				StudentID: rec.StudentID,
				Reason:    "empty encoding",
			})
			continue
		}
		if len(rec.Encoding) != dim {
			skipped = append(skipped, SkippedEncoding{
				StudentID: rec.StudentID,
				Reason:    fmt.Sprintf("expected %d dimensions, got %d", dim, len(rec.Encoding)),
			})
			continue
		}

		vec, err := toFeatureVector(rec.Encoding)
		if err != nil {
			skipped = append(skipped, SkippedEncoding{
				StudentID: rec.StudentID,
				Reason:    err.Error(),
			})
			continue
		}
		g.entries = append(g.entries, GalleryEntry{
			StudentID: rec.StudentID,
			Encoding:  vec,
		})
	}

	return g, skipped
}

// Len returns the number of loaded gallery entries.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Dim returns the expected encoding dimensionality.
func (g *Gallery) Dim() int {
	return g.dim
}

// Entries returns the loaded entries in load order. The slice is shared with
// the gallery and must be treated as read-only.
func (g *Gallery) Entries() []GalleryEntry {
	if g == nil {
		return nil
	}
	return g.entries
}

// Students returns the distinct student IDs present in the gallery,
// preserving first-occurrence order.
func (g *Gallery) Students() []string {
	if g == nil {
		return nil
	}
	seen := make(map[string]bool, len(g.entries))
	var ids []string
	for _, e := range g.entries {
		if !seen[e.StudentID] {
			seen[e.StudentID] = true
			ids = append(ids, e.StudentID)
		}
	}
	return ids
}

// DecodeFeatureVector parses the JSON array form used by legacy encodings
// and SIS payloads. Import paths call this per record and skip failures with
// a warning rather than aborting the batch.
func DecodeFeatureVector(data []byte) (FeatureVector, error) {
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("decode encoding: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("decode encoding: empty vector")
	}
	return vec, nil
}

func toFeatureVector(values []float32) (FeatureVector, error) {
	vec := make(FeatureVector, len(values))
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.New("non-finite value in encoding")
		}
		vec[i] = f
	}
	return vec, nil
}
