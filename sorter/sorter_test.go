package sorter

import (
	"errors"
	"sync"
	"testing"

	"sortarm/arm"
	"sortarm/config"
	"sortarm/transform"
	"sortarm/vision"
)

type sortCall struct {
	category string
	pickup   arm.Position
}

type fakeArm struct {
	mu      sync.Mutex
	status  arm.Status
	sorts   []sortCall
	sortErr error
	resets  int
}

func newFakeArm() *fakeArm {
	return &fakeArm{status: arm.Status{Connected: true, State: arm.StateIdle}}
}

func (f *fakeArm) SortGarbage(category string, pickup arm.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sorts = append(f.sorts, sortCall{category, pickup})
	return f.sortErr
}

func (f *fakeArm) Status() arm.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeArm) ResetErrors() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.status.State = arm.StateIdle
	return nil
}

func (f *fakeArm) setState(state string) {
	f.mu.Lock()
	f.status.State = state
	f.mu.Unlock()
}

func (f *fakeArm) sortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sorts)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) record(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recordingEmitter) EmitObjectStabilized(c string, x, y float64) { r.record("stabilized:" + c) }
func (r *recordingEmitter) EmitSortStarted(c string, x, y float64)      { r.record("started:" + c) }
func (r *recordingEmitter) EmitSortCompleted(c string, x, y float64)    { r.record("completed:" + c) }
func (r *recordingEmitter) EmitSortFailed(c, detail string)             { r.record("failed:" + c) }
func (r *recordingEmitter) EmitSortRejected(c, reason string)           { r.record("rejected:" + c + ":" + reason) }

func (r *recordingEmitter) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestTransform(t *testing.T, bounds transform.Bounds) *transform.Transform {
	t.Helper()
	cfg := config.Defaults()
	var img, rob []transform.Point
	for i := range cfg.Calibration.ImagePoints {
		img = append(img, transform.Point{X: cfg.Calibration.ImagePoints[i][0], Y: cfg.Calibration.ImagePoints[i][1]})
		rob = append(rob, transform.Point{X: cfg.Calibration.RobotPoints[i][0], Y: cfg.Calibration.RobotPoints[i][1]})
	}
	tf, err := transform.New(img, rob, bounds)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	return tf
}

func testSorter(t *testing.T, fa *fakeArm, em Emitter, bounds transform.Bounds) *Sorter {
	t.Helper()
	cfg := config.Defaults()
	cfg.Sorter.StableThreshold = 5
	cfg.Sorter.PositionTolerance = 1.0
	return New(cfg, fa, newTestTransform(t, bounds), &vision.LatestBuffer{}, em)
}

// det places a 20x20 box with its centroid at (x, y).
func det(class string, x, y, conf float64) vision.Detection {
	return vision.Detection{
		Class:      class,
		Confidence: conf,
		BBox:       vision.BBox{X1: x - 10, Y1: y - 10, X2: x + 10, Y2: y + 10},
	}
}

func feed(t *testing.T, s *Sorter, d vision.Detection, n int) bool {
	t.Helper()
	var fired bool
	for i := 0; i < n; i++ {
		f, err := s.Observe([]vision.Detection{d})
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		fired = fired || f
	}
	return fired
}

func TestObserveFiresAtThreshold(t *testing.T) {
	fa := newFakeArm()
	em := &recordingEmitter{}
	s := testSorter(t, fa, em, transform.DefaultBounds())

	d := det("banana", 320, 240, 0.9)
	if feed(t, s, d, 4) {
		t.Fatal("fired before threshold")
	}
	if fa.sortCount() != 0 {
		t.Fatalf("arm called %d times before threshold", fa.sortCount())
	}

	fired, err := s.Observe([]vision.Detection{d})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !fired || fa.sortCount() != 1 {
		t.Fatalf("fired=%v sorts=%d, want exactly one sort at threshold", fired, fa.sortCount())
	}

	call := fa.sorts[0]
	if call.category != "banana" {
		t.Fatalf("sorted category = %s", call.category)
	}
	// Image center maps into the middle of the workspace.
	if call.pickup.X < 100 || call.pickup.X > 200 || call.pickup.Y < -100 || call.pickup.Y > 50 {
		t.Fatalf("pickup out of expected range: %+v", call.pickup)
	}

	if !em.has("stabilized:banana") || !em.has("started:banana") || !em.has("completed:banana") {
		t.Fatalf("events = %v", em.events)
	}
}

func TestObserveMovementResetsCounter(t *testing.T) {
	fa := newFakeArm()
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	feed(t, s, det("plastic", 320, 240, 0.9), 4)
	// Jump farther than the tolerance: the counter starts over.
	feed(t, s, det("plastic", 340, 240, 0.9), 4)
	if fa.sortCount() != 0 {
		t.Fatalf("fired despite movement, sorts=%d", fa.sortCount())
	}

	if !feed(t, s, det("plastic", 340, 240, 0.9), 1) {
		t.Fatal("did not fire after re-stabilizing")
	}
}

func TestObserveJitterWithinTolerance(t *testing.T) {
	fa := newFakeArm()
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	// Sub-tolerance jitter still counts as the same stable sighting. A
	// few pixels of image jitter is well under a millimeter of robot
	// drift with the stock calibration.
	xs := []float64{320, 322.5, 319.6, 321.3, 319.9}
	for i, x := range xs {
		fired, err := s.Observe([]vision.Detection{det("chips", x, 240, 0.9)})
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		if i < len(xs)-1 && fired {
			t.Fatalf("fired early at frame %d", i)
		}
		if i == len(xs)-1 && !fired {
			t.Fatal("did not fire on final jittered frame")
		}
	}
}

func TestObserveSlowDriftStillFires(t *testing.T) {
	fa := newFakeArm()
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	// Drifting a few pixels per frame is sub-millimeter motion in robot
	// space, inside the frame-to-frame tolerance: the object counts as
	// standing still and fires exactly once.
	for i := 0; i < 10; i++ {
		if _, err := s.Observe([]vision.Detection{det("banana", 320+3*float64(i), 240, 0.9)}); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}
	if fa.sortCount() != 1 {
		t.Fatalf("sorts = %d, want 1 for slow drift", fa.sortCount())
	}
}

func TestObserveClassChangeResetsCounter(t *testing.T) {
	fa := newFakeArm()
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	feed(t, s, det("plastic", 320, 240, 0.9), 4)
	if feed(t, s, det("banana", 320, 240, 0.9), 4) {
		t.Fatal("fired after class change without re-stabilizing")
	}
	if fa.sortCount() != 0 {
		t.Fatal("arm dispatched across a class change")
	}
}

func TestObserveOneTriggerPerSighting(t *testing.T) {
	fa := newFakeArm()
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	d := det("milk_box_type1", 320, 240, 0.9)
	feed(t, s, d, 10)
	if fa.sortCount() != 1 {
		t.Fatalf("sorts = %d, want 1 for a continuous sighting", fa.sortCount())
	}

	// Object removed, then returns: fires once more.
	if _, err := s.Observe(nil); err != nil {
		t.Fatalf("empty frame: %v", err)
	}
	feed(t, s, d, 5)
	if fa.sortCount() != 2 {
		t.Fatalf("sorts = %d after object returned, want 2", fa.sortCount())
	}
}

func TestObserveBusyArmRetries(t *testing.T) {
	fa := newFakeArm()
	fa.setState(arm.StateMoving)
	em := &recordingEmitter{}
	s := testSorter(t, fa, em, transform.DefaultBounds())

	d := det("cardboard_box", 320, 240, 0.9)
	feed(t, s, d, 6)
	if fa.sortCount() != 0 {
		t.Fatal("dispatched to a busy arm")
	}
	if !em.has("rejected:cardboard_box:arm busy") {
		t.Fatalf("events = %v", em.events)
	}

	// Arm frees up: the pending sighting fires on the next frame.
	fa.setState(arm.StateIdle)
	if !feed(t, s, d, 1) {
		t.Fatal("did not fire once arm went idle")
	}
}

func TestObserveFaultedArmResetsThenFires(t *testing.T) {
	fa := newFakeArm()
	fa.setState(arm.StateError)
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	if !feed(t, s, det("beverages", 320, 240, 0.9), 5) {
		t.Fatal("did not fire after auto-reset")
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.resets != 1 || len(fa.sorts) != 1 {
		t.Fatalf("resets=%d sorts=%d", fa.resets, len(fa.sorts))
	}
}

func TestObserveOutOfWorkspaceResetsTracking(t *testing.T) {
	fa := newFakeArm()
	em := &recordingEmitter{}
	// Shrink the workspace so the bottom of the image maps outside it.
	s := testSorter(t, fa, em, transform.Bounds{XMin: 0, XMax: 160, YMin: -150, YMax: 150})

	// The image center is reachable; three frames build up a count.
	feed(t, s, det("fish_bones", 320, 240, 0.9), 3)
	if _, count, _ := s.Progress(); count != 3 {
		t.Fatalf("stable count = %d, want 3", count)
	}

	// The object slides to a point the calibration maps outside the
	// workspace: tracking resets on that cycle, nothing dispatches.
	feed(t, s, det("fish_bones", 320, 460, 0.9), 3)
	if fa.sortCount() != 0 {
		t.Fatal("dispatched an unreachable target")
	}
	if !em.has("rejected:fish_bones:outside workspace") {
		t.Fatalf("events = %v", em.events)
	}
	if _, count, _ := s.Progress(); count != 0 {
		t.Fatalf("stable count after rejection = %d", count)
	}
}

func TestObserveSortFailureSurfaces(t *testing.T) {
	fa := newFakeArm()
	fa.sortErr = errors.New("grab missed")
	em := &recordingEmitter{}
	s := testSorter(t, fa, em, transform.DefaultBounds())

	d := det("instant_noodles", 320, 240, 0.9)
	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = s.Observe([]vision.Detection{d})
	}
	if lastErr == nil {
		t.Fatal("sort failure not surfaced")
	}
	if !em.has("failed:instant_noodles") {
		t.Fatalf("events = %v", em.events)
	}
	// The sighting was consumed despite the failure.
	if feed(t, s, d, 3) {
		t.Fatal("re-fired on a consumed sighting")
	}
}

func TestObserveSelectsHighestConfidence(t *testing.T) {
	fa := newFakeArm()
	s := testSorter(t, fa, &recordingEmitter{}, transform.DefaultBounds())

	frame := []vision.Detection{
		det("plastic", 200, 200, 0.5),
		det("banana", 320, 240, 0.95),
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Observe(frame); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}
	if fa.sortCount() != 1 || fa.sorts[0].category != "banana" {
		t.Fatalf("sorts = %+v, want one banana sort", fa.sorts)
	}
}
