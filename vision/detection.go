// Package vision defines the boundary types produced by the external
// detection model and the most-recent-frame buffer that decouples capture
// rate from the control loop.
package vision

import "time"

// BBox is an axis-aligned bounding box in image pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Centroid returns the center point of the box.
func (b BBox) Centroid() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Detection is one detected object: a class label, model confidence, and
// bounding box. The sorter only needs the centroid and the class name.
type Detection struct {
	Class      string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Frame is one detection cycle's worth of output from the vision node.
type Frame struct {
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// Best returns the detection with the highest confidence, or false when the
// slice is empty.
func Best(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}
