package arm

import (
	"fmt"
	"math"
	"sort"

	"sortarm/config"
)

// Driver is the contract every arm implementation satisfies. Blocking
// operations return when the motion completes or fails; callers serialize
// through the state machine, so a busy driver rejects overlapping commands
// with ErrBusy rather than queueing them.
type Driver interface {
	// Lifecycle
	Connect() error
	Disconnect() error
	Connected() bool

	// Recovery
	Home() error
	EmergencyStop() error
	ResetErrors() error

	// Motion
	MoveToPosition(p Position, speed float64) error
	MoveToJoints(j JointAngles, speed float64) error
	CurrentPosition() (Position, bool)
	CurrentJoints() (JointAngles, bool)

	// Gripper
	Grab(params *GrabParameters) error
	Release() error
	Holding() bool

	// Introspection
	Status() Status
	Configuration() Configuration
	SetSpeed(speed float64) error
	Calibrate() error
}

// GarbageSorter is implemented by drivers that can run the full
// pick-and-place cycle for a labeled object.
type GarbageSorter interface {
	SortGarbage(category string, pickup Position) error
	Bins() map[string]Bin
}

// StatsProvider is implemented by drivers that track sort outcomes.
type StatsProvider interface {
	Statistics() Statistics
	OperationHistory(limit int) []OperationRecord
	ResetStatistics()
}

// Factory builds a driver from configuration.
type Factory func(cfg *config.Config) (Driver, error)

var factories = map[string]Factory{}

// Register makes a driver type available to New. Drivers call this from
// their init functions.
func Register(typ string, f Factory) {
	factories[typ] = f
}

// New builds the driver named by typ.
func New(typ string, cfg *config.Config) (Driver, error) {
	f, ok := factories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown arm type %q (available: %v)", typ, Types())
	}
	return f(cfg)
}

// Types returns the registered driver type names, sorted.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidSpeed reports whether speed is in the accepted 0-100 percent range.
func ValidSpeed(speed float64) bool {
	return speed > 0 && speed <= 100
}

// MoveLinear moves through evenly spaced waypoints from the driver's
// current position to target. Any driver gets linear interpolation for
// free; drivers with native linear moves can ignore this helper.
func MoveLinear(d Driver, target Position, speed float64, steps int) error {
	if steps < 1 {
		steps = 1
	}
	start, ok := d.CurrentPosition()
	if !ok {
		return ErrNotConnected
	}
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		wp := Position{
			X: start.X + (target.X-start.X)*t,
			Y: start.Y + (target.Y-start.Y)*t,
			Z: start.Z + (target.Z-start.Z)*t,
		}
		if err := d.MoveToPosition(wp, speed); err != nil {
			return fmt.Errorf("waypoint %d/%d: %w", i, steps, err)
		}
	}
	return nil
}

// MoveCircular traces an arc of the given radius around center in the XY
// plane at height z, from startDeg through sweepDeg degrees.
func MoveCircular(d Driver, center Position, radius, startDeg, sweepDeg, speed float64, steps int) error {
	if steps < 2 {
		steps = 2
	}
	for i := 0; i <= steps; i++ {
		ang := (startDeg + sweepDeg*float64(i)/float64(steps)) * math.Pi / 180
		wp := Position{
			X: center.X + radius*math.Cos(ang),
			Y: center.Y + radius*math.Sin(ang),
			Z: center.Z,
		}
		if err := d.MoveToPosition(wp, speed); err != nil {
			return fmt.Errorf("arc point %d/%d: %w", i, steps, err)
		}
	}
	return nil
}

// binsFromConfig converts configured bins into the runtime bin table.
func binsFromConfig(cfg *config.Config) map[string]Bin {
	out := make(map[string]Bin, len(cfg.Bins))
	for category, bc := range cfg.Bins {
		out[category] = Bin{
			ID:       bc.ID,
			Name:     bc.Name,
			Position: Position{X: bc.X, Y: bc.Y, Z: bc.Z},
			Color:    bc.Color,
		}
	}
	return out
}
