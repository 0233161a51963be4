package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Arm events
	EventArmConnected EventType = iota + 1
	EventArmDisconnected
	EventArmSwitched
	EventArmError

	// Sorter events
	EventObjectStabilized
	EventSortStarted
	EventSortCompleted
	EventSortFailed
	EventSortRejected

	// Calibration events
	EventCalibrationUpdated
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// ArmEvent is emitted on connect, disconnect, and error.
type ArmEvent struct {
	ArmType string `json:"arm_type"`
	Detail  string `json:"detail,omitempty"`
}

// ArmSwitchedEvent is emitted when the active driver type changes.
type ArmSwitchedEvent struct {
	OldType string `json:"old_type"`
	NewType string `json:"new_type"`
}

// ObjectStabilizedEvent is emitted when a detection passes the debounce
// threshold. Coordinates are robot-frame millimeters.
type ObjectStabilizedEvent struct {
	Category string  `json:"category"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// SortEvent is emitted at the start and successful end of a sort.
type SortEvent struct {
	Category string  `json:"category"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// SortFailedEvent is emitted when a dispatched sort fails.
type SortFailedEvent struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

// SortRejectedEvent is emitted when a stable sighting cannot be dispatched.
type SortRejectedEvent struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// CalibrationUpdatedEvent is emitted when a new homography takes effect.
type CalibrationUpdatedEvent struct {
	CalibrationID int64  `json:"calibration_id"`
	Name          string `json:"name"`
	Points        int    `json:"points"`
}
