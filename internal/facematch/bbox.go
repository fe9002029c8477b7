package facematch

// RelativeBBox converts a pixel bounding box [x1, y1, x2, y2] to relative
// (0-1) coordinates so kiosk overlays render independently of frame size.
// Invalid input is returned unchanged.
func RelativeBBox(bbox []float64, width, height int) []float64 {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return bbox
	}
	return []float64{
		bbox[0] / float64(width),
		bbox[1] / float64(height),
		bbox[2] / float64(width),
		bbox[3] / float64(height),
	}
}
