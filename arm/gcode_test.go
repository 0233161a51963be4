package arm

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"sortarm/config"
)

// fakePort scripts a G-code controller: every line written gets the
// responses from respond played back on the read side.
type fakePort struct {
	mu          sync.Mutex
	writes      []string
	respond     func(cmd string) []string
	pr          *io.PipeReader
	pw          *io.PipeWriter
	closed      bool
	readTimeout time.Duration
}

func newFakePort(respond func(cmd string) []string) *fakePort {
	pr, pw := io.Pipe()
	return &fakePort{respond: respond, pr: pr, pw: pw}
}

func (f *fakePort) Write(p []byte) (int, error) {
	cmd := strings.TrimSpace(string(p))
	f.mu.Lock()
	f.writes = append(f.writes, cmd)
	f.mu.Unlock()
	replies := f.respond(cmd)
	go func() {
		for _, r := range replies {
			io.WriteString(f.pw, r+"\n")
		}
	}()
	return len(p), nil
}

// Read honors the configured read timeout the way a real port does: a
// silent controller yields a zero-byte read with no error.
func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	timeout := f.readTimeout
	f.mu.Unlock()
	if timeout <= 0 {
		return f.pr.Read(p)
	}
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	buf := make([]byte, len(p))
	go func() {
		n, err := f.pr.Read(buf)
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		copy(p, buf[:r.n])
		return r.n, r.err
	case <-time.After(timeout):
		return 0, nil
	}
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.pw.Close()
		f.pr.Close()
	}
	return nil
}

func (f *fakePort) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakePort) SetMode(*serial.Mode) error                     { return nil }
func (f *fakePort) Drain() error                                   { return nil }
func (f *fakePort) ResetInputBuffer() error                        { return nil }
func (f *fakePort) ResetOutputBuffer() error                       { return nil }
func (f *fakePort) SetDTR(bool) error                              { return nil }
func (f *fakePort) SetRTS(bool) error                              { return nil }
func (f *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (f *fakePort) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	f.readTimeout = d
	f.mu.Unlock()
	return nil
}
func (f *fakePort) Break(time.Duration) error                      { return nil }

func okAll(cmd string) []string { return []string{"ok"} }

func gcodeTestDriver(t *testing.T, respond func(cmd string) []string) (*GCode, *fakePort) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Arm.Type = "gcode"
	cfg.Arm.Port = "/dev/ttyTEST"
	cfg.Arm.SettleDelay = time.Millisecond
	cfg.Arm.FeedRate = 1000

	port := newFakePort(respond)
	g := NewGCode(cfg)
	g.openPort = func(name string, baud int) (serial.Port, error) { return port, nil }
	if err := g.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { g.Disconnect() })
	return g, port
}

func TestGCodePortAutoDiscovery(t *testing.T) {
	cfg := config.Defaults()
	cfg.Arm.Port = ""
	cfg.Arm.SettleDelay = time.Millisecond

	g := NewGCode(cfg)
	var opened string
	g.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyS0", "/dev/ttyUSB3"}, nil
	}
	g.openPort = func(name string, baud int) (serial.Port, error) {
		opened = name
		return newFakePort(okAll), nil
	}

	if err := g.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer g.Disconnect()
	if opened != "/dev/ttyUSB3" {
		t.Fatalf("opened %q, want the USB port", opened)
	}
	if !g.Connected() {
		t.Fatal("not connected")
	}
}

func TestGCodeMoveFramesCommand(t *testing.T) {
	g, port := gcodeTestDriver(t, okAll)

	if err := g.MoveToPosition(Position{X: 100, Y: -50.25, Z: 20}, 50); err != nil {
		t.Fatalf("move: %v", err)
	}

	sent := port.sent()
	var found bool
	for _, cmd := range sent {
		if cmd == "G0 X100.0 Y-50.2 Z20.0 F500" {
			found = true
		}
	}
	if !found {
		t.Fatalf("move command not framed, sent: %v", sent)
	}
	if sent[len(sent)-1] != "M400" {
		t.Fatalf("move not followed by M400, sent: %v", sent)
	}
	if g.Status().State != StateIdle {
		t.Fatalf("state after move = %s", g.Status().State)
	}
}

func TestGCodePositionProbeAndFallback(t *testing.T) {
	g, _ := gcodeTestDriver(t, func(cmd string) []string {
		if cmd == "M114" {
			return []string{"X:123.4 Y:-56.7 Z:89.0", "ok"}
		}
		return []string{"ok"}
	})

	pos, ok := g.CurrentPosition()
	if !ok || pos != (Position{X: 123.4, Y: -56.7, Z: 89.0}) {
		t.Fatalf("probed position = %+v ok=%v", pos, ok)
	}

	// A controller that never reports position falls back to the last
	// commanded position.
	g2, _ := gcodeTestDriver(t, okAll)
	target := Position{X: 42, Y: 7, Z: 3}
	if err := g2.MoveToPosition(target, 50); err != nil {
		t.Fatalf("move: %v", err)
	}
	pos, ok = g2.CurrentPosition()
	if !ok || pos != target {
		t.Fatalf("fallback position = %+v ok=%v, want %+v", pos, ok, target)
	}
}

func TestGCodeGripperCommands(t *testing.T) {
	g, port := gcodeTestDriver(t, okAll)

	if err := g.Grab(nil); err != nil {
		t.Fatalf("grab: %v", err)
	}
	if !g.Holding() {
		t.Fatal("not holding after grab")
	}
	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if g.Holding() {
		t.Fatal("still holding after release")
	}

	sent := strings.Join(port.sent(), "\n")
	if !strings.Contains(sent, "M2232 V1") || !strings.Contains(sent, "M2232 V0") {
		t.Fatalf("gripper commands missing: %v", port.sent())
	}
}

func TestGCodeSilentFirmwareFallsBack(t *testing.T) {
	g, port := gcodeTestDriver(t, func(cmd string) []string {
		if cmd == "M114" {
			return nil // firmware without position reporting stays quiet
		}
		return []string{"ok"}
	})
	port.SetReadTimeout(10 * time.Millisecond)

	target := Position{X: 42, Y: 7, Z: 3}
	if err := g.MoveToPosition(target, 50); err != nil {
		t.Fatalf("move: %v", err)
	}

	done := make(chan struct{})
	var pos Position
	var ok bool
	go func() {
		pos, ok = g.CurrentPosition()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CurrentPosition hung on silent firmware")
	}
	if !ok || pos != target {
		t.Fatalf("fallback position = %+v ok=%v, want %+v", pos, ok, target)
	}
}

func TestGCodeEmergencyStopSettlesIdle(t *testing.T) {
	g, port := gcodeTestDriver(t, okAll)

	if err := g.EmergencyStop(); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}

	sent := strings.Join(port.sent(), "\n")
	if !strings.Contains(sent, "M112") || !strings.Contains(sent, "M999") {
		t.Fatalf("halt/restart commands missing: %v", port.sent())
	}
	if st := g.Status(); st.State != StateIdle || len(st.Errors) != 0 {
		t.Fatalf("status after e-stop = %+v, want idle with no errors", st)
	}

	// No reset required: the arm accepts motion straight away.
	if err := g.MoveToPosition(Position{X: 10, Y: 10, Z: 10}, 50); err != nil {
		t.Fatalf("move after e-stop: %v", err)
	}
}

func TestGCodeControllerErrorLatches(t *testing.T) {
	g, _ := gcodeTestDriver(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "G0") {
			return []string{"Error: limit hit"}
		}
		return []string{"ok"}
	})

	if err := g.MoveToPosition(Position{X: 500}, 50); err == nil {
		t.Fatal("controller error not surfaced")
	}
	if g.Status().State != StateError {
		t.Fatalf("state = %s, want error", g.Status().State)
	}
	if err := g.Home(); !errors.Is(err, ErrFaulted) {
		t.Fatalf("home while faulted = %v, want ErrFaulted", err)
	}

	if err := g.ResetErrors(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if g.Status().State != StateIdle {
		t.Fatalf("state after reset = %s", g.Status().State)
	}
}

func TestGCodeJointMovesUnsupported(t *testing.T) {
	g, _ := gcodeTestDriver(t, okAll)
	if err := g.MoveToJoints(JointAngles{10}, 50); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestGCodeSortSequence(t *testing.T) {
	g, port := gcodeTestDriver(t, okAll)

	if err := g.SortGarbage("plastic", Position{X: 100, Y: 50, Z: 0}); err != nil {
		t.Fatalf("sort: %v", err)
	}
	if g.Status().State != StateIdle || g.Holding() {
		t.Fatalf("status after sort = %+v", g.Status())
	}

	var grabIdx, releaseIdx = -1, -1
	for i, cmd := range port.sent() {
		switch cmd {
		case "M2232 V1":
			grabIdx = i
		case "M2232 V0":
			releaseIdx = i
		}
	}
	if grabIdx < 0 || releaseIdx < 0 || grabIdx >= releaseIdx {
		t.Fatalf("gripper sequence wrong: %v", port.sent())
	}

	if err := g.SortGarbage("styrofoam", Position{}); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("unknown category err = %v", err)
	}
}

func TestGCodeDisconnectResets(t *testing.T) {
	g, port := gcodeTestDriver(t, okAll)
	if err := g.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if g.Connected() || g.Status().State != StateDisconnected {
		t.Fatalf("status after disconnect = %+v", g.Status())
	}
	port.mu.Lock()
	closed := port.closed
	port.mu.Unlock()
	if !closed {
		t.Fatal("port not closed on disconnect")
	}
}
