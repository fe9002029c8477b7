package encoder

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		name     string
		hash1    uint64
		hash2    uint64
		expected int
	}{
		{"identical", 0x0, 0x0, 0},
		{"completely different", 0xFFFFFFFFFFFFFFFF, 0x0, 64},
		{"one bit different", 0x1, 0x0, 1},
		{"four bits different", 0xF, 0x0, 4},
		{"half different", 0xFFFFFFFF00000000, 0x0, 32},
		{"alternating", 0xAAAAAAAAAAAAAAAA, 0x5555555555555555, 64},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := HammingDistance(tc.hash1, tc.hash2)
			if result != tc.expected {
				t.Errorf("HammingDistance(%x, %x) = %d; want %d",
					tc.hash1, tc.hash2, result, tc.expected)
			}
		})
	}
}

func TestDifferenceHashConsistency(t *testing.T) {
	img := createGradientImage(100, 100, false)
	imgData := encodeJPEG(img)

	hash1, err := DifferenceHash(imgData)
	if err != nil {
		t.Fatalf("first DifferenceHash failed: %v", err)
	}

	hash2, err := DifferenceHash(imgData)
	if err != nil {
		t.Fatalf("second DifferenceHash failed: %v", err)
	}

	if hash1 != hash2 {
		t.Errorf("hash should be consistent: %016x vs %016x", hash1, hash2)
	}
}

func TestDifferenceHashGradient(t *testing.T) {
	// Brightness falls left to right, so every pixel is brighter than
	// its right neighbor and the hash should be mostly ones.
	img := createGradientImage(100, 100, true)
	imgData := encodeJPEG(img)

	hash, err := DifferenceHash(imgData)
	if err != nil {
		t.Fatalf("DifferenceHash failed: %v", err)
	}

	if hash == 0 {
		t.Error("falling gradient should produce a non-zero hash")
	}
}

func TestDifferenceHashDistinguishesOrientation(t *testing.T) {
	rising := encodeJPEG(createGradientImage(100, 100, false))
	falling := encodeJPEG(createGradientImage(100, 100, true))

	risingHash, err := DifferenceHash(rising)
	if err != nil {
		t.Fatalf("DifferenceHash for rising gradient failed: %v", err)
	}
	fallingHash, err := DifferenceHash(falling)
	if err != nil {
		t.Fatalf("DifferenceHash for falling gradient failed: %v", err)
	}

	dist := HammingDistance(risingHash, fallingHash)
	if dist < 32 {
		t.Errorf("opposite gradients should differ in most bits, got distance %d", dist)
	}
}

func TestDifferenceHashIdenticalImages(t *testing.T) {
	data := encodeJPEG(createTestImage(80, 80, color.RGBA{120, 130, 140, 255}))

	hash1, err := DifferenceHash(data)
	if err != nil {
		t.Fatalf("DifferenceHash failed: %v", err)
	}
	hash2, err := DifferenceHash(data)
	if err != nil {
		t.Fatalf("DifferenceHash failed: %v", err)
	}

	if dist := HammingDistance(hash1, hash2); dist != 0 {
		t.Errorf("identical images should have distance 0, got %d", dist)
	}
}

func TestDifferenceHashInvalidImage(t *testing.T) {
	if _, err := DifferenceHash([]byte("not an image")); err == nil {
		t.Error("DifferenceHash should fail for invalid image data")
	}
}

// Helper functions

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func createGradientImage(width, height int, falling bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			gray := uint8(x * 255 / width)
			if falling {
				gray = 255 - gray
			}
			img.Set(x, y, color.RGBA{gray, gray, gray, 255})
		}
	}
	return img
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}
