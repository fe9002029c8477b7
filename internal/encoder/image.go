package encoder

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/rollcall/internal/constants"
)

// PrepareFrame downscales a camera frame so it fits within the maximum
// frame size and re-encodes it as JPEG. It returns the prepared image
// together with its pixel dimensions, which callers need to convert the
// encoding service's bounding boxes into relative coordinates.
func PrepareFrame(data []byte) ([]byte, int, int, error) {
	return prepare(data, constants.MaxFrameSize)
}

// PreparePortrait downscales a registration portrait. Portraits are stored
// on disk, so they get a tighter size cap than live frames.
func PreparePortrait(data []byte) ([]byte, int, int, error) {
	return prepare(data, constants.MaxPortraitSize)
}

func prepare(data []byte, maxSize int) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxSize && height <= maxSize {
		// Re-encode as JPEG to ensure consistent format.
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to encode image: %w", err)
		}
		return buf.Bytes(), width, height, nil
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = int(float64(height) * float64(maxSize) / float64(width))
	} else {
		newHeight = maxSize
		newWidth = int(float64(width) * float64(maxSize) / float64(height))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode resized image: %w", err)
	}

	return buf.Bytes(), newWidth, newHeight, nil
}
