package arm

import (
	"errors"
	"testing"
	"time"

	"sortarm/config"
)

func simTestConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Arm.Type = "sim"
	cfg.Arm.TimeScale = 0 // instant motion
	cfg.Arm.GrabSuccessRate = 1
	cfg.Arm.Seed = 42
	cfg.Arm.HistoryLimit = 5
	return cfg
}

func connectedSim(t *testing.T, cfg *config.Config) *Sim {
	t.Helper()
	s := NewSim(cfg)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func waitForState(t *testing.T, d Driver, state string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Status().State == state {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never reached state %s (stuck in %s)", state, d.Status().State)
}

func TestSimConnectIdempotent(t *testing.T) {
	s := NewSim(simTestConfig())

	if s.Status().State != StateDisconnected {
		t.Fatalf("fresh driver state = %s", s.Status().State)
	}
	if err := s.MoveToPosition(Position{X: 100}, 50); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("move while disconnected = %v, want ErrNotConnected", err)
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if st := s.Status(); !st.Connected || st.State != StateIdle {
		t.Fatalf("status after connect = %+v", st)
	}
}

func TestSimMoveUpdatesPosition(t *testing.T) {
	s := connectedSim(t, simTestConfig())

	target := Position{X: 200, Y: -50, Z: 30}
	if err := s.MoveToPosition(target, 80); err != nil {
		t.Fatalf("move: %v", err)
	}
	pos, ok := s.CurrentPosition()
	if !ok || pos != target {
		t.Fatalf("position = %+v ok=%v, want %+v", pos, ok, target)
	}
	if s.Status().State != StateIdle {
		t.Fatalf("state after move = %s, want idle", s.Status().State)
	}
}

func TestSimRejectsInvalidSpeed(t *testing.T) {
	s := connectedSim(t, simTestConfig())
	for _, speed := range []float64{0, -10, 101} {
		if err := s.MoveToPosition(Position{X: 100}, speed); !errors.Is(err, ErrSpeedRange) {
			t.Errorf("speed %v: err = %v, want ErrSpeedRange", speed, err)
		}
	}
}

func TestSimBusyRejection(t *testing.T) {
	cfg := simTestConfig()
	cfg.Arm.TimeScale = 0.1 // a cross-workspace move takes ~500ms
	s := connectedSim(t, cfg)

	done := make(chan error, 1)
	go func() { done <- s.MoveToPosition(Position{X: 300, Y: 150, Z: 100}, 20) }()
	waitForState(t, s, StateMoving)

	if err := s.Grab(nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("grab while moving = %v, want ErrBusy", err)
	}
	if err := s.Home(); !errors.Is(err, ErrBusy) {
		t.Fatalf("home while moving = %v, want ErrBusy", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("original move failed: %v", err)
	}
	if err := s.Grab(nil); err != nil {
		t.Fatalf("grab after move finished: %v", err)
	}
}

func TestSimEmergencyStopSettlesIdle(t *testing.T) {
	cfg := simTestConfig()
	cfg.Arm.TimeScale = 0.1
	s := connectedSim(t, cfg)

	done := make(chan error, 1)
	go func() { done <- s.MoveToPosition(Position{X: 300, Y: 150, Z: 100}, 20) }()
	waitForState(t, s, StateMoving)

	if err := s.EmergencyStop(); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatal("interrupted move returned nil error")
	}

	// An emergency stop is not a fault: the arm goes straight back to
	// idle and accepts commands without a reset.
	if st := s.Status(); st.State != StateIdle || len(st.Errors) != 0 {
		t.Fatalf("status after e-stop = %+v, want idle with no errors", st)
	}
	if err := s.Home(); err != nil {
		t.Fatalf("home after e-stop: %v", err)
	}

	// An idle e-stop is a no-op.
	if err := s.EmergencyStop(); err != nil {
		t.Fatalf("idle emergency stop: %v", err)
	}
	if st := s.Status(); st.State != StateIdle {
		t.Fatalf("state after idle e-stop = %s", st.State)
	}
}

func TestSimGrabTimeout(t *testing.T) {
	cfg := simTestConfig()
	cfg.Arm.TimeScale = 0.1 // grab takes ~50ms
	s := connectedSim(t, cfg)

	p := DefaultGrabParameters()
	p.Timeout = 5 * time.Millisecond
	err := s.Grab(&p)
	if err == nil {
		t.Fatal("grab shorter than its duration returned nil")
	}
	if st := s.Status(); st.State != StateIdle || st.HoldingObject {
		t.Fatalf("status after grab timeout = %+v, want idle and not holding", st)
	}

	p.Timeout = time.Second
	if err := s.Grab(&p); err != nil {
		t.Fatalf("grab with ample timeout: %v", err)
	}
}

func TestSimGrabMissLeavesIdle(t *testing.T) {
	cfg := simTestConfig()
	cfg.Arm.GrabSuccessRate = 0
	s := connectedSim(t, cfg)

	if err := s.Grab(nil); err == nil {
		t.Fatal("grab with zero success rate returned nil")
	}
	if st := s.Status(); st.State != StateIdle || st.HoldingObject {
		t.Fatalf("status after miss = %+v, want idle and not holding", st)
	}
}

func TestSimGrabAndRelease(t *testing.T) {
	s := connectedSim(t, simTestConfig())

	if err := s.Grab(nil); err != nil {
		t.Fatalf("grab: %v", err)
	}
	if !s.Holding() {
		t.Fatal("not holding after grab")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s.Holding() {
		t.Fatal("still holding after release")
	}
}

func TestSimSortGarbage(t *testing.T) {
	s := connectedSim(t, simTestConfig())

	if err := s.SortGarbage("banana", Position{X: 150, Y: 20, Z: 10}); err != nil {
		t.Fatalf("sort: %v", err)
	}
	if st := s.Status(); st.State != StateIdle || st.HoldingObject {
		t.Fatalf("status after sort = %+v", st)
	}

	stats := s.Statistics()
	if stats.Total != 1 || stats.Succeeded != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByCategory["banana"] != 1 {
		t.Fatalf("by-category stats = %+v", stats.ByCategory)
	}

	hist := s.OperationHistory(0)
	if len(hist) != 1 || !hist[0].Success || hist[0].Category != "banana" {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].ID == "" {
		t.Fatal("operation record missing ID")
	}
}

func TestSimSortUnknownCategory(t *testing.T) {
	s := connectedSim(t, simTestConfig())

	err := s.SortGarbage("styrofoam", Position{X: 150})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
	if stats := s.Statistics(); stats.Total != 0 {
		t.Fatalf("rejected sort counted in stats: %+v", stats)
	}
}

func TestSimSortFailureLatchesError(t *testing.T) {
	cfg := simTestConfig()
	cfg.Arm.GrabSuccessRate = 0
	s := connectedSim(t, cfg)

	if err := s.SortGarbage("plastic", Position{X: 150}); err == nil {
		t.Fatal("sort with zero grab rate returned nil")
	}
	if st := s.Status(); st.State != StateError {
		t.Fatalf("state after failed sort = %s, want error", st.State)
	}
	stats := s.Statistics()
	if stats.Total != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	hist := s.OperationHistory(0)
	if len(hist) != 1 || hist[0].Success || hist[0].Detail == "" {
		t.Fatalf("history = %+v", hist)
	}

	if err := s.SortGarbage("plastic", Position{X: 150}); !errors.Is(err, ErrFaulted) {
		t.Fatalf("sort while faulted = %v, want ErrFaulted", err)
	}
}

func TestSimHistoryBounded(t *testing.T) {
	cfg := simTestConfig()
	cfg.Arm.HistoryLimit = 3
	s := connectedSim(t, cfg)

	for i := 0; i < 5; i++ {
		if err := s.SortGarbage("chips", Position{X: 150, Y: float64(i)}); err != nil {
			t.Fatalf("sort %d: %v", i, err)
		}
	}
	hist := s.OperationHistory(0)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	// Newest first.
	if hist[0].Pickup.Y != 4 {
		t.Fatalf("newest record pickup = %+v, want Y=4", hist[0].Pickup)
	}

	s.ResetStatistics()
	if stats := s.Statistics(); stats.Total != 0 {
		t.Fatalf("stats after reset = %+v", stats)
	}
	if len(s.OperationHistory(0)) != 0 {
		t.Fatal("history survived reset")
	}
}

func TestSimSeededGrabSequence(t *testing.T) {
	// Two drivers with the same seed and partial success rate produce
	// identical outcome sequences.
	run := func() []bool {
		cfg := simTestConfig()
		cfg.Arm.GrabSuccessRate = 0.5
		cfg.Arm.Seed = 7
		s := connectedSim(t, cfg)
		var out []bool
		for i := 0; i < 10; i++ {
			err := s.Grab(nil)
			out = append(out, err == nil)
			if err == nil {
				if rerr := s.Release(); rerr != nil {
					t.Fatalf("release %d: %v", i, rerr)
				}
			}
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded sequences diverge at %d: %v vs %v", i, a, b)
		}
	}
}

func TestMoveLinearWaypoints(t *testing.T) {
	s := connectedSim(t, simTestConfig())

	if err := MoveLinear(s, Position{X: 250, Y: 100, Z: 120}, 60, 4); err != nil {
		t.Fatalf("linear move: %v", err)
	}
	pos, _ := s.CurrentPosition()
	if pos != (Position{X: 250, Y: 100, Z: 120}) {
		t.Fatalf("final position = %+v", pos)
	}
}

func TestRegistryNew(t *testing.T) {
	cfg := simTestConfig()

	d, err := New("sim", cfg)
	if err != nil {
		t.Fatalf("new sim: %v", err)
	}
	if _, ok := d.(*Sim); !ok {
		t.Fatalf("driver type = %T", d)
	}

	if _, err := New("hologram", cfg); err == nil {
		t.Fatal("unknown type accepted")
	}

	have := map[string]bool{}
	for _, typ := range Types() {
		have[typ] = true
	}
	if !have["sim"] || !have["gcode"] {
		t.Fatalf("registered types = %v", Types())
	}
}
