package encoder

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

const (
	hashWidth  = 9
	hashHeight = 8
)

// DifferenceHash computes a 64-bit perceptual hash of an image. The image
// is shrunk to a 9x8 grayscale grid and each bit records whether a pixel
// is brighter than its right neighbor. Hashes of visually similar images
// differ in only a few bits, which makes the hash useful for spotting
// re-uploaded portraits without re-encoding faces.
func DifferenceHash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to decode image: %w", err)
	}

	small := image.NewGray(image.Rect(0, 0, hashWidth, hashHeight))
	draw.CatmullRom.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var hash uint64
	for y := 0; y < hashHeight; y++ {
		for x := 0; x < hashWidth-1; x++ {
			left := small.GrayAt(x, y).Y
			right := small.GrayAt(x+1, y).Y
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}

	return hash, nil
}

// HammingDistance counts the bits in which two hashes differ.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
