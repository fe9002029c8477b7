// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Recognition constants
const (
	// DefaultMatchThreshold is the default maximum Euclidean distance for a
	// probe encoding to match an enrolled student. Lower values = stricter.
	DefaultMatchThreshold = 0.6

	// DefaultEncodingDim is the encoding dimensionality of the default
	// encoder model.
	DefaultEncodingDim = 128

	// DefaultGraceMinutes is how long after session start an arrival still
	// counts as Present rather than Late.
	DefaultGraceMinutes = 15

	// MinDetectionScore is the minimum detector confidence for a face to be
	// considered at all; weaker detections are ignored.
	MinDetectionScore = 0.5
)

// Enrollment constants
const (
	// DuplicateFaceThreshold is the maximum Euclidean distance at which a
	// newly enrolled face is flagged as a possible duplicate of an already
	// enrolled student.
	DuplicateFaceThreshold = 0.35

	// PortraitHashThreshold is the maximum Hamming distance between portrait
	// difference hashes at which the portrait counts as unchanged.
	PortraitHashThreshold = 6

	// MaxPortraitSize is the maximum dimension (width or height) a portrait
	// is resized to before encoding.
	MaxPortraitSize = 1024

	// MaxFrameSize is the maximum dimension for camera frames sent to the
	// encoder service.
	MaxFrameSize = 1280
)

// Processing constants
const (
	// DefaultImportConcurrency is the default number of parallel workers for
	// batch portrait encoding.
	DefaultImportConcurrency = 4

	// DefaultSimilarLimit is the default number of results for similar
	// student lookups.
	DefaultSimilarLimit = 10
)
