package arm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"sortarm/config"
)

func init() {
	Register("gcode", func(cfg *config.Config) (Driver, error) {
		return NewGCode(cfg), nil
	})
}

// GCode drives an arm controller that speaks marlin-style G-code over a
// serial line. The controller does not report position reliably, so the
// driver tracks the last commanded position as ground truth and falls back
// to it when an M114 probe fails.
type GCode struct {
	mu sync.Mutex

	portName string
	baudRate int
	feedRate int
	settle   time.Duration

	port      serial.Port
	rd        *lineReader
	connected bool
	state     string
	holding   bool
	pos       Position
	speed     float64
	errs      []string

	bins map[string]Bin

	// Test hooks. Production uses the go.bug.st/serial implementations.
	openPort  func(name string, baud int) (serial.Port, error)
	listPorts func() ([]string, error)
}

// NewGCode builds a serial G-code driver from configuration. The port is
// not opened until Connect.
func NewGCode(cfg *config.Config) *GCode {
	speed := cfg.Arm.DefaultSpeed
	if !ValidSpeed(speed) {
		speed = 50
	}
	settle := cfg.Arm.SettleDelay
	if settle <= 0 {
		settle = 2 * time.Second
	}
	feed := cfg.Arm.FeedRate
	if feed <= 0 {
		feed = 1000
	}
	return &GCode{
		portName: cfg.Arm.Port,
		baudRate: cfg.Arm.BaudRate,
		feedRate: feed,
		settle:   settle,
		state:    StateDisconnected,
		speed:    speed,
		bins:     binsFromConfig(cfg),
		openPort: func(name string, baud int) (serial.Port, error) {
			return serial.Open(name, &serial.Mode{BaudRate: baud})
		},
		listPorts: serial.GetPortsList,
	}
}

// discoverPort returns the first serial port that looks like a USB arm
// controller.
func (g *GCode) discoverPort() (string, error) {
	ports, err := g.listPorts()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	for _, p := range ports {
		if strings.Contains(p, "USB") || strings.Contains(p, "ACM") || strings.Contains(p, "usbserial") {
			return p, nil
		}
	}
	if len(ports) > 0 {
		return ports[0], nil
	}
	return "", fmt.Errorf("no serial ports found")
}

func (g *GCode) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}

	name := g.portName
	if name == "" {
		var err error
		name, err = g.discoverPort()
		if err != nil {
			return err
		}
	}

	port, err := g.openPort(name, g.baudRate)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	// A bounded read keeps the driver responsive on firmware that never
	// answers a query; readers degrade instead of hanging.
	if err := port.SetReadTimeout(gcodeReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	g.port = port
	g.rd = &lineReader{r: port}
	g.connected = true
	g.state = StateIdle

	// The controller resets on connect and chatters its banner; give it a
	// moment before the first command.
	time.Sleep(g.settle)
	g.drain()
	return nil
}

func (g *GCode) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil
	}
	err := g.port.Close()
	g.port = nil
	g.rd = nil
	g.connected = false
	g.state = StateDisconnected
	g.holding = false
	return err
}

func (g *GCode) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// send writes one command line and waits for the controller's "ok".
// Callers must hold g.mu.
func (g *GCode) send(cmd string) error {
	if _, err := g.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return g.awaitOK(cmd)
}

func (g *GCode) awaitOK(cmd string) error {
	for {
		line, err := g.readLine()
		if err != nil {
			return fmt.Errorf("await ok for %q: %w", cmd, err)
		}
		switch {
		case strings.HasPrefix(line, "ok"):
			return nil
		case strings.HasPrefix(line, "Error") || strings.HasPrefix(line, "error"):
			return fmt.Errorf("controller error for %q: %s", cmd, line)
		}
		// Skip banner and echo lines.
	}
}

// gcodeReadTimeout bounds a single serial read.
const gcodeReadTimeout = 2 * time.Second

// errReadTimeout marks a port read that returned no data within the
// timeout. Probes treat it as "firmware will not answer".
var errReadTimeout = errors.New("serial read timed out")

// lineReader accumulates port reads and hands back newline-terminated
// lines. The port's read timeout surfaces as errReadTimeout rather than
// blocking the caller.
type lineReader struct {
	r   io.Reader
	buf []byte
}

func (lr *lineReader) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(lr.buf, '\n'); i >= 0 {
			line := string(lr.buf[:i])
			lr.buf = lr.buf[i+1:]
			return strings.TrimSpace(line), nil
		}
		chunk := make([]byte, 256)
		n, err := lr.r.Read(chunk)
		if n > 0 {
			lr.buf = append(lr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return "", err
		}
		// A zero-byte read with no error is the timeout expiring.
		return "", errReadTimeout
	}
}

func (lr *lineReader) reset() {
	lr.buf = nil
}

func (g *GCode) readLine() (string, error) {
	return g.rd.ReadLine()
}

// drain discards any pending banner output.
func (g *GCode) drain() {
	g.port.ResetInputBuffer()
	g.rd.reset()
}

// begin claims the state machine, mirroring the sim driver's gate.
func (g *GCode) begin(state string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if g.state == StateError {
		return ErrFaulted
	}
	if Busy(g.state) {
		return ErrBusy
	}
	g.state = state
	return nil
}

func (g *GCode) finish(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.state = StateError
		g.errs = append(g.errs, err.Error())
		return
	}
	if g.state != StateError && g.state != StateDisconnected {
		g.state = StateIdle
	}
}

func (g *GCode) MoveToPosition(p Position, speed float64) error {
	if !ValidSpeed(speed) {
		return fmt.Errorf("%w: %v", ErrSpeedRange, speed)
	}
	if err := g.begin(StateMoving); err != nil {
		return err
	}
	err := g.moveTo(p, speed)
	g.finish(err)
	return err
}

func (g *GCode) moveTo(p Position, speed float64) error {
	feed := int(float64(g.feedRate) * speed / 100)
	if feed < 1 {
		feed = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.send(fmt.Sprintf("G0 X%.1f Y%.1f Z%.1f F%d", p.X, p.Y, p.Z, feed)); err != nil {
		return err
	}
	// M400 blocks until the planner queue empties, so the move is done
	// when the ok arrives.
	if err := g.send("M400"); err != nil {
		return err
	}
	g.pos = p
	return nil
}

// MoveToJoints is not supported: the controller only accepts cartesian
// targets and solves kinematics internally.
func (g *GCode) MoveToJoints(j JointAngles, speed float64) error {
	return fmt.Errorf("%w: joint-space moves", ErrUnsupported)
}

func (g *GCode) CurrentPosition() (Position, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return Position{}, false
	}
	if p, err := g.probePosition(); err == nil {
		g.pos = p
		return p, true
	}
	// Fall back to the last commanded position.
	return g.pos, true
}

// probePosition asks the controller where it is via M114. Callers must
// hold g.mu.
func (g *GCode) probePosition() (Position, error) {
	if _, err := g.port.Write([]byte("M114\n")); err != nil {
		return Position{}, err
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		line, err := g.readLine()
		if err != nil {
			// Timeout or transport failure: the caller degrades to the
			// last commanded position.
			return Position{}, err
		}
		var p Position
		if n, _ := fmt.Sscanf(line, "X:%f Y:%f Z:%f", &p.X, &p.Y, &p.Z); n == 3 {
			return p, nil
		}
		if strings.HasPrefix(line, "ok") {
			break
		}
	}
	return Position{}, fmt.Errorf("no position report")
}

func (g *GCode) CurrentJoints() (JointAngles, bool) {
	return JointAngles{}, false
}

// Grab closes the gripper. The command is a single acknowledged write, so
// the serial read timeout already bounds the wait well inside any grab
// timeout; force is fixed by the pump hardware.
func (g *GCode) Grab(params *GrabParameters) error {
	if err := g.begin(StateGrabbing); err != nil {
		return err
	}
	err := g.setGripper(true)
	if err == nil {
		g.mu.Lock()
		g.holding = true
		g.mu.Unlock()
	}
	g.finish(err)
	return err
}

func (g *GCode) Release() error {
	if err := g.begin(StateReleasing); err != nil {
		return err
	}
	err := g.setGripper(false)
	if err == nil {
		g.mu.Lock()
		g.holding = false
		g.mu.Unlock()
	}
	g.finish(err)
	return err
}

// setGripper toggles the vacuum pump / gripper output.
func (g *GCode) setGripper(closed bool) error {
	v := 0
	if closed {
		v = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.send(fmt.Sprintf("M2232 V%d", v))
}

func (g *GCode) Holding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holding
}

func (g *GCode) Home() error {
	if err := g.begin(StateHoming); err != nil {
		return err
	}
	g.mu.Lock()
	err := g.send("G28")
	if err == nil {
		err = g.send("M400")
	}
	if err == nil {
		g.pos = Position{}
	}
	g.mu.Unlock()
	g.finish(err)
	return err
}

// EmergencyStop issues M112 to kill any queued motion, then M999 so the
// controller comes back out of its halt. The arm settles at idle.
func (g *GCode) EmergencyStop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if _, err := g.port.Write([]byte("M112\n")); err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	// The halt discards pending acks; clear them before restarting.
	g.drain()
	if _, err := g.port.Write([]byte("M999\n")); err != nil {
		return fmt.Errorf("restart after stop: %w", err)
	}
	g.drain()
	g.state = StateIdle
	return nil
}

func (g *GCode) ResetErrors() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if err := g.send("M999"); err != nil {
		return err
	}
	if g.state == StateError {
		g.state = StateIdle
	}
	g.errs = nil
	return nil
}

func (g *GCode) SetSpeed(speed float64) error {
	if !ValidSpeed(speed) {
		return fmt.Errorf("%w: %v", ErrSpeedRange, speed)
	}
	g.mu.Lock()
	g.speed = speed
	g.mu.Unlock()
	return nil
}

func (g *GCode) Calibrate() error {
	return g.Home()
}

var gcodeConfig = Configuration{
	MaxReach:         320,
	MaxPayload:       0.3,
	DegreesOfFreedom: 4,
	MaxSpeed:         150,
	Acceleration:     300,
	RepeatPrecision:  0.5,
}

func (g *GCode) Configuration() Configuration {
	return gcodeConfig
}

func (g *GCode) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Connected:     g.connected,
		State:         g.state,
		Position:      g.pos,
		Moving:        Busy(g.state),
		HoldingObject: g.holding,
		Speed:         g.speed,
		Errors:        append([]string(nil), g.errs...),
	}
}

// gcodeHoverHeight is the approach height above pickups, millimeters.
const gcodeHoverHeight = 50

// SortGarbage runs the pick-and-place cycle on the physical arm.
func (g *GCode) SortGarbage(category string, pickup Position) error {
	g.mu.Lock()
	bin, ok := g.bins[category]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if err := g.begin(StateMoving); err != nil {
		return err
	}
	err := g.runSort(pickup, bin)
	g.finish(err)
	return err
}

func (g *GCode) runSort(pickup Position, bin Bin) error {
	g.mu.Lock()
	speed := g.speed
	g.mu.Unlock()

	hover := Position{X: pickup.X, Y: pickup.Y, Z: pickup.Z + gcodeHoverHeight}
	if err := g.moveTo(hover, speed); err != nil {
		return fmt.Errorf("approach: %w", err)
	}
	if err := g.moveTo(pickup, speed/2); err != nil {
		return fmt.Errorf("descend: %w", err)
	}
	if err := g.setGripper(true); err != nil {
		return fmt.Errorf("grab: %w", err)
	}
	g.mu.Lock()
	g.holding = true
	g.mu.Unlock()

	if err := g.moveTo(hover, speed/2); err != nil {
		return fmt.Errorf("lift: %w", err)
	}
	drop := Position{X: bin.Position.X, Y: bin.Position.Y, Z: bin.Position.Z + gcodeHoverHeight}
	if err := g.moveTo(drop, speed); err != nil {
		return fmt.Errorf("carry: %w", err)
	}
	if err := g.setGripper(false); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	g.mu.Lock()
	g.holding = false
	g.mu.Unlock()
	return nil
}

func (g *GCode) Bins() map[string]Bin {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Bin, len(g.bins))
	for k, v := range g.bins {
		out[k] = v
	}
	return out
}
