// Package transform converts detected image coordinates into the robot
// arm's physical coordinate frame via a planar homography.
package transform

import (
	"fmt"
	"sync"
)

// Point is a 2D coordinate, either image pixels or robot millimeters
// depending on context.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is the rectangular workspace envelope in robot coordinates.
type Bounds struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// Contains reports whether (x, y) lies inside the bounds.
func (b Bounds) Contains(x, y float64) bool {
	return b.XMin <= x && x <= b.XMax && b.YMin <= y && y <= b.YMax
}

// DefaultBounds is the stock workspace envelope for the bench arm.
func DefaultBounds() Bounds {
	return Bounds{XMin: 0, XMax: 300, YMin: -150, YMax: 150}
}

// Transform maps image-plane points into the robot plane. Conversion is a
// pure function of the current homography; UpdateCalibration swaps the
// matrix atomically so concurrent readers never see a partial update.
type Transform struct {
	mu          sync.RWMutex
	h           [9]float64
	imagePoints []Point
	robotPoints []Point
	bounds      Bounds
}

// New derives a homography from four or more point correspondences.
// Degenerate configurations (collinear or duplicate points) are rejected.
func New(imagePoints, robotPoints []Point, bounds Bounds) (*Transform, error) {
	h, err := computeHomography(imagePoints, robotPoints)
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	return &Transform{
		h:           h,
		imagePoints: clonePoints(imagePoints),
		robotPoints: clonePoints(robotPoints),
		bounds:      bounds,
	}, nil
}

// Convert maps a single image point into robot coordinates.
func (t *Transform) Convert(x, y float64) (float64, float64) {
	t.mu.RLock()
	h := t.h
	t.mu.RUnlock()
	rx, ry, _ := applyHomography(h, x, y)
	return rx, ry
}

// ConvertBatch maps image points into robot coordinates, order-preserving.
func (t *Transform) ConvertBatch(points []Point) []Point {
	t.mu.RLock()
	h := t.h
	t.mu.RUnlock()

	out := make([]Point, len(points))
	for i, p := range points {
		rx, ry, _ := applyHomography(h, p.X, p.Y)
		out[i] = Point{X: rx, Y: ry}
	}
	return out
}

// SafeConvert converts and validates against the workspace envelope. It is
// the only sanctioned path from vision space to motion commands: points
// mapping outside the reachable bounds return ok=false and must not be
// forwarded to the arm.
func (t *Transform) SafeConvert(x, y float64) (Point, bool) {
	t.mu.RLock()
	h := t.h
	bounds := t.bounds
	t.mu.RUnlock()

	rx, ry, ok := applyHomography(h, x, y)
	if !ok || !bounds.Contains(rx, ry) {
		return Point{}, false
	}
	return Point{X: rx, Y: ry}, true
}

// InWorkspace reports whether a robot coordinate lies inside the configured
// workspace envelope.
func (t *Transform) InWorkspace(robotX, robotY float64) bool {
	t.mu.RLock()
	bounds := t.bounds
	t.mu.RUnlock()
	return bounds.Contains(robotX, robotY)
}

// UpdateCalibration recomputes the homography from a new point set. On any
// failure the previous matrix stays in effect; the swap is all-or-nothing.
func (t *Transform) UpdateCalibration(imagePoints, robotPoints []Point) error {
	h, err := computeHomography(imagePoints, robotPoints)
	if err != nil {
		return fmt.Errorf("recalibrate: %w", err)
	}

	t.mu.Lock()
	t.h = h
	t.imagePoints = clonePoints(imagePoints)
	t.robotPoints = clonePoints(robotPoints)
	t.mu.Unlock()
	return nil
}

// SetBounds replaces the workspace envelope.
func (t *Transform) SetBounds(b Bounds) {
	t.mu.Lock()
	t.bounds = b
	t.mu.Unlock()
}

// WorkspaceBounds returns the current workspace envelope.
func (t *Transform) WorkspaceBounds() Bounds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bounds
}

// Matrix returns a copy of the current homography in row-major order.
func (t *Transform) Matrix() [3][3]float64 {
	t.mu.RLock()
	h := t.h
	t.mu.RUnlock()
	return [3][3]float64{
		{h[0], h[1], h[2]},
		{h[3], h[4], h[5]},
		{h[6], h[7], h[8]},
	}
}

// CalibrationPoints returns copies of the current correspondence sets.
func (t *Transform) CalibrationPoints() (imagePoints, robotPoints []Point) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return clonePoints(t.imagePoints), clonePoints(t.robotPoints)
}

func clonePoints(pts []Point) []Point {
	out := make([]Point, len(pts))
	copy(out, pts)
	return out
}
