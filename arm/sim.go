package arm

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"sortarm/config"
)

func init() {
	Register("sim", func(cfg *config.Config) (Driver, error) {
		return NewSim(cfg), nil
	})
}

// simHoverHeight is the approach height above a pickup point, millimeters.
const simHoverHeight = 60

var simHome = Position{X: 150, Y: 0, Z: 120}

// Sim is a fully software-simulated arm. Motion takes time proportional to
// distance and speed (scaled by TimeScale so tests can run instantly), and
// grabs fail at a configurable rate to exercise error paths.
type Sim struct {
	mu sync.Mutex

	connected bool
	state     string
	holding   bool
	pos       Position
	joints    JointAngles
	speed     float64
	errs      []string

	bins         map[string]Bin
	stats        Statistics
	history      []OperationRecord
	historyLimit int

	rng       *rand.Rand
	timeScale float64
	grabRate  float64

	// stop is closed by EmergencyStop to interrupt the in-flight motion.
	stop chan struct{}
}

// NewSim builds a simulated driver from configuration.
func NewSim(cfg *config.Config) *Sim {
	seed := cfg.Arm.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	limit := cfg.Arm.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	speed := cfg.Arm.DefaultSpeed
	if !ValidSpeed(speed) {
		speed = 50
	}
	return &Sim{
		state:        StateDisconnected,
		speed:        speed,
		bins:         binsFromConfig(cfg),
		stats:        Statistics{ByCategory: map[string]int{}},
		historyLimit: limit,
		rng:          rand.New(rand.NewSource(seed)),
		timeScale:    cfg.Arm.TimeScale,
		grabRate:     cfg.Arm.GrabSuccessRate,
	}
}

// Connect is idempotent: connecting an already connected arm is a no-op.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	s.connected = true
	s.state = StateIdle
	s.pos = simHome
	s.joints = JointAngles{}
	return nil
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.connected = false
	s.state = StateDisconnected
	s.holding = false
	return nil
}

func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// begin claims the state machine for one operation. It fails when the arm
// is disconnected, faulted, or already busy.
func (s *Sim) begin(state string) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.state == StateError {
		return nil, ErrFaulted
	}
	if Busy(s.state) {
		return nil, ErrBusy
	}
	s.state = state
	s.stop = make(chan struct{})
	return s.stop, nil
}

// errInterrupted marks motion cut short by an emergency stop. It is not a
// fault: the arm settles at idle.
var errInterrupted = errors.New("motion interrupted")

// finish releases the state machine. A nil or interrupted err returns the
// arm to idle; any other err latches the error state until ResetErrors.
func (s *Sim) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = nil
	if err != nil && !errors.Is(err, errInterrupted) {
		s.state = StateError
		s.errs = append(s.errs, err.Error())
		return
	}
	if s.state != StateError && s.state != StateDisconnected {
		s.state = StateIdle
	}
}

func (s *Sim) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// sleep waits for d unless the operation is interrupted.
func (s *Sim) sleep(d time.Duration, stop chan struct{}) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-stop:
		return errInterrupted
	}
}

// travel simulates a blocking move, then updates the tracked position.
func (s *Sim) travel(target Position, speed float64, stop chan struct{}) error {
	s.mu.Lock()
	dist := s.pos.DistanceTo(target)
	s.mu.Unlock()

	mmPerSec := simConfig.MaxSpeed * speed / 100
	d := time.Duration(dist / mmPerSec * s.timeScale * float64(time.Second))
	if err := s.sleep(d, stop); err != nil {
		return err
	}

	s.mu.Lock()
	s.pos = target
	s.joints[0] = math.Atan2(target.Y, target.X) * 180 / math.Pi
	s.joints[1] = target.Z / 10
	s.mu.Unlock()
	return nil
}

func (s *Sim) MoveToPosition(p Position, speed float64) error {
	if !ValidSpeed(speed) {
		return fmt.Errorf("%w: %v", ErrSpeedRange, speed)
	}
	stop, err := s.begin(StateMoving)
	if err != nil {
		return err
	}
	err = s.travel(p, speed, stop)
	s.finish(err)
	return err
}

func (s *Sim) MoveToJoints(j JointAngles, speed float64) error {
	if !ValidSpeed(speed) {
		return fmt.Errorf("%w: %v", ErrSpeedRange, speed)
	}
	stop, err := s.begin(StateMoving)
	if err != nil {
		return err
	}
	var maxDelta float64
	s.mu.Lock()
	for i := range j {
		if d := math.Abs(j[i] - s.joints[i]); d > maxDelta {
			maxDelta = d
		}
	}
	s.mu.Unlock()

	degPerSec := 90 * speed / 100
	err = s.sleep(time.Duration(maxDelta/degPerSec*s.timeScale*float64(time.Second)), stop)
	if err == nil {
		s.mu.Lock()
		s.joints = j
		s.mu.Unlock()
	}
	s.finish(err)
	return err
}

func (s *Sim) CurrentPosition() (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.connected
}

func (s *Sim) CurrentJoints() (JointAngles, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joints, s.connected
}

// Grab attempts to close the gripper on whatever is under it. A miss leaves
// the arm idle; the caller decides whether a miss is fatal.
func (s *Sim) Grab(params *GrabParameters) error {
	p := DefaultGrabParameters()
	if params != nil {
		p = *params
	}
	stop, err := s.begin(StateGrabbing)
	if err != nil {
		return err
	}
	err = s.doGrab(p, stop)
	if err != nil && !errors.Is(err, errInterrupted) {
		// A plain miss is recoverable, do not latch the error state.
		s.finish(nil)
		return err
	}
	s.finish(err)
	return err
}

// doGrab simulates closing the gripper. The grab takes a fixed scaled
// duration; when that exceeds the caller's timeout the grab fails after
// the allowance instead. Force has no physical analogue here.
func (s *Sim) doGrab(p GrabParameters, stop chan struct{}) error {
	d := time.Duration(0.5 * s.timeScale * float64(time.Second))
	if p.Timeout > 0 && d > p.Timeout {
		if err := s.sleep(p.Timeout, stop); err != nil {
			return err
		}
		return fmt.Errorf("grab timed out after %v", p.Timeout)
	}
	if err := s.sleep(d, stop); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() >= s.grabRate {
		return fmt.Errorf("grab missed at (%.1f, %.1f, %.1f)", s.pos.X, s.pos.Y, s.pos.Z)
	}
	s.holding = true
	return nil
}

func (s *Sim) Release() error {
	stop, err := s.begin(StateReleasing)
	if err != nil {
		return err
	}
	err = s.sleep(time.Duration(0.3*s.timeScale*float64(time.Second)), stop)
	if err == nil {
		s.mu.Lock()
		s.holding = false
		s.mu.Unlock()
	}
	s.finish(err)
	return err
}

func (s *Sim) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding
}

func (s *Sim) Home() error {
	stop, err := s.begin(StateHoming)
	if err != nil {
		return err
	}
	err = s.travel(simHome, s.currentSpeed(), stop)
	if err == nil {
		s.mu.Lock()
		s.joints = JointAngles{}
		s.mu.Unlock()
	}
	s.finish(err)
	return err
}

// EmergencyStop cuts any in-flight motion short. The arm settles at idle
// and accepts commands immediately; nothing latches.
func (s *Sim) EmergencyStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.state = StateIdle
	return nil
}

func (s *Sim) ResetErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.state == StateError {
		s.state = StateIdle
	}
	s.errs = nil
	return nil
}

func (s *Sim) SetSpeed(speed float64) error {
	if !ValidSpeed(speed) {
		return fmt.Errorf("%w: %v", ErrSpeedRange, speed)
	}
	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
	return nil
}

func (s *Sim) currentSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

func (s *Sim) Calibrate() error {
	stop, err := s.begin(StateHoming)
	if err != nil {
		return err
	}
	err = s.sleep(time.Duration(1*s.timeScale*float64(time.Second)), stop)
	if err == nil {
		s.mu.Lock()
		s.pos = simHome
		s.joints = JointAngles{}
		s.mu.Unlock()
	}
	s.finish(err)
	return err
}

var simConfig = Configuration{
	MaxReach:         350,
	MaxPayload:       0.5,
	DegreesOfFreedom: 6,
	MaxSpeed:         200,
	Acceleration:     400,
	RepeatPrecision:  0.2,
}

func (s *Sim) Configuration() Configuration {
	return simConfig
}

func (s *Sim) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:     s.connected,
		State:         s.state,
		Position:      s.pos,
		Joints:        s.joints,
		Moving:        Busy(s.state),
		HoldingObject: s.holding,
		Speed:         s.speed,
		Errors:        append([]string(nil), s.errs...),
	}
}

// SortGarbage runs the full pick-and-place cycle: approach, descend, grab,
// lift, carry to the category's bin, release, and return home. Any step
// failure latches the error state and records a failed operation.
func (s *Sim) SortGarbage(category string, pickup Position) error {
	s.mu.Lock()
	bin, ok := s.bins[category]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.state == StateError {
		s.mu.Unlock()
		return ErrFaulted
	}
	if Busy(s.state) {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateMoving
	s.stop = make(chan struct{})
	stop := s.stop
	speed := s.speed
	s.mu.Unlock()

	rec := OperationRecord{
		ID:        uuid.NewString(),
		Category:  category,
		Pickup:    pickup,
		Bin:       bin.Name,
		StartedAt: time.Now(),
	}
	err := s.runSort(pickup, bin, speed, stop)
	rec.Duration = time.Since(rec.StartedAt)
	rec.Success = err == nil
	if err != nil {
		rec.Detail = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = nil
	s.stats.Total++
	s.stats.ByCategory[category]++
	switch {
	case err == nil:
		s.stats.Succeeded++
		if s.state != StateDisconnected {
			s.state = StateIdle
		}
	case errors.Is(err, errInterrupted):
		// An emergency stop aborts the sort but does not fault the arm.
		s.stats.Failed++
		if s.state != StateDisconnected {
			s.state = StateIdle
		}
	default:
		s.stats.Failed++
		if s.state != StateDisconnected {
			s.state = StateError
			s.errs = append(s.errs, fmt.Sprintf("sort %s: %v", category, err))
		}
	}
	s.pushHistory(rec)
	return err
}

func (s *Sim) runSort(pickup Position, bin Bin, speed float64, stop chan struct{}) error {
	hover := Position{X: pickup.X, Y: pickup.Y, Z: pickup.Z + simHoverHeight}
	if err := s.travel(hover, speed, stop); err != nil {
		return fmt.Errorf("approach: %w", err)
	}
	if err := s.travel(pickup, speed/2, stop); err != nil {
		return fmt.Errorf("descend: %w", err)
	}

	s.setState(StateGrabbing)
	if err := s.doGrab(DefaultGrabParameters(), stop); err != nil {
		return err
	}

	s.setState(StateMoving)
	if err := s.travel(hover, speed/2, stop); err != nil {
		return fmt.Errorf("lift: %w", err)
	}
	drop := Position{X: bin.Position.X, Y: bin.Position.Y, Z: bin.Position.Z + simHoverHeight}
	if err := s.travel(drop, speed, stop); err != nil {
		return fmt.Errorf("carry: %w", err)
	}

	s.setState(StateReleasing)
	if err := s.sleep(time.Duration(0.3*s.timeScale*float64(time.Second)), stop); err != nil {
		return err
	}
	s.mu.Lock()
	s.holding = false
	s.mu.Unlock()

	s.setState(StateMoving)
	if err := s.travel(simHome, speed, stop); err != nil {
		return fmt.Errorf("return home: %w", err)
	}
	return nil
}

func (s *Sim) Bins() map[string]Bin {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Bin, len(s.bins))
	for k, v := range s.bins {
		out[k] = v
	}
	return out
}

func (s *Sim) pushHistory(rec OperationRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

func (s *Sim) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByCategory = make(map[string]int, len(s.stats.ByCategory))
	for k, v := range s.stats.ByCategory {
		out.ByCategory[k] = v
	}
	return out
}

// OperationHistory returns the most recent operations, newest first.
func (s *Sim) OperationHistory(limit int) []OperationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]OperationRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func (s *Sim) ResetStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Statistics{ByCategory: map[string]int{}}
	s.history = nil
}
