// Package arm defines the driver interface for robotic sorting arms and the
// concrete drivers behind it. Drivers share a common state machine and
// position model; capability interfaces expose driver-specific extras.
package arm

import (
	"errors"
	"math"
	"time"
)

// Arm states
const (
	StateDisconnected = "disconnected"
	StateIdle         = "idle"
	StateMoving       = "moving"
	StateGrabbing     = "grabbing"
	StateReleasing    = "releasing"
	StateHoming       = "homing"
	StateError        = "error"
)

// Busy reports whether a state represents an in-flight operation. A busy
// arm rejects new commands until the current operation finishes.
func Busy(state string) bool {
	switch state {
	case StateMoving, StateGrabbing, StateReleasing, StateHoming:
		return true
	}
	return false
}

// Sentinel errors returned by drivers and the controller.
var (
	ErrNotConnected    = errors.New("arm not connected")
	ErrBusy            = errors.New("arm busy")
	ErrFaulted         = errors.New("arm in error state, reset required")
	ErrUnknownCategory = errors.New("unknown garbage category")
	ErrSpeedRange      = errors.New("speed out of range")
	ErrNoDriver        = errors.New("no arm driver configured")
	ErrUnsupported     = errors.New("operation not supported by driver")
)

// Position is a cartesian point in the robot base frame, millimeters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the euclidean distance to other.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// JointAngles holds one angle per joint, degrees.
type JointAngles [6]float64

// GrabParameters tune a single grab attempt.
type GrabParameters struct {
	Force             float64       `json:"force"`
	Speed             float64       `json:"speed"`
	PositionTolerance float64       `json:"position_tolerance"`
	Timeout           time.Duration `json:"timeout"`
}

// DefaultGrabParameters returns the parameters used when a caller passes nil.
func DefaultGrabParameters() GrabParameters {
	return GrabParameters{
		Force:             50,
		Speed:             50,
		PositionTolerance: 1.0,
		Timeout:           5 * time.Second,
	}
}

// Configuration describes an arm's physical characteristics.
type Configuration struct {
	MaxReach        float64 `json:"max_reach"`
	MaxPayload      float64 `json:"max_payload"`
	DegreesOfFreedom int    `json:"degrees_of_freedom"`
	MaxSpeed        float64 `json:"max_speed"`
	Acceleration    float64 `json:"acceleration"`
	RepeatPrecision float64 `json:"repeat_precision"`
}

// Status is a point-in-time snapshot of a driver.
type Status struct {
	Connected     bool        `json:"connected"`
	State         string      `json:"state"`
	Position      Position    `json:"position"`
	Joints        JointAngles `json:"joints"`
	Moving        bool        `json:"moving"`
	HoldingObject bool        `json:"holding_object"`
	Speed         float64     `json:"speed"`
	Errors        []string    `json:"errors,omitempty"`
}

// Bin is a drop-off location for one garbage category.
type Bin struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Color    string   `json:"color,omitempty"`
}

// Statistics accumulates sort outcomes per driver.
type Statistics struct {
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	ByCategory map[string]int `json:"by_category"`
}

// SuccessRate returns succeeded/total, or 0 when nothing has been sorted.
func (s Statistics) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// OperationRecord is one completed (or failed) sort operation.
type OperationRecord struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Pickup    Position  `json:"pickup"`
	Bin       string    `json:"bin"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
