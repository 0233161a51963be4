// Package sorter watches the detection stream and triggers the arm once an
// object has been seen standing still long enough. Conveyor-borne objects
// drift between frames; the stability counter keeps the arm from chasing
// moving targets.
package sorter

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"sortarm/arm"
	"sortarm/config"
	"sortarm/transform"
	"sortarm/vision"
)

// Selection strategies for frames with multiple detections.
const (
	SelectConfidence = "confidence"
	SelectFirst      = "first"
)

// Emitter receives sorter lifecycle events.
type Emitter interface {
	EmitObjectStabilized(category string, x, y float64)
	EmitSortStarted(category string, x, y float64)
	EmitSortCompleted(category string, x, y float64)
	EmitSortFailed(category string, detail string)
	EmitSortRejected(category string, reason string)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) EmitObjectStabilized(string, float64, float64) {}
func (NopEmitter) EmitSortStarted(string, float64, float64)      {}
func (NopEmitter) EmitSortCompleted(string, float64, float64)    {}
func (NopEmitter) EmitSortFailed(string, string)                 {}
func (NopEmitter) EmitSortRejected(string, string)               {}

// Arm is the slice of the controller the sorter needs.
type Arm interface {
	SortGarbage(category string, pickup arm.Position) error
	Status() arm.Status
	ResetErrors() error
}

// Sorter debounces detections and fires sort operations. One sighting
// triggers at most one sort; the object must leave and re-stabilize before
// it can trigger again.
type Sorter struct {
	mu sync.Mutex

	ctrl    Arm
	tf      *transform.Transform
	emitter Emitter
	buf     *vision.LatestBuffer

	threshold int
	tolerance float64
	pollRate  time.Duration
	selection string

	// debounce state; last seen position in robot coordinates
	lastClass   string
	lastX       float64
	lastY       float64
	stableCount int
	triggered   bool

	running bool
	cancel  context.CancelFunc
}

// New builds a sorter from configuration.
func New(cfg *config.Config, ctrl Arm, tf *transform.Transform, buf *vision.LatestBuffer, emitter Emitter) *Sorter {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	threshold := cfg.Sorter.StableThreshold
	if threshold <= 0 {
		threshold = 15
	}
	tolerance := cfg.Sorter.PositionTolerance
	if tolerance <= 0 {
		tolerance = 1.0
	}
	poll := cfg.Sorter.PollRate
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	selection := cfg.Sorter.Selection
	if selection == "" {
		selection = SelectConfidence
	}
	return &Sorter{
		ctrl:      ctrl,
		tf:        tf,
		emitter:   emitter,
		buf:       buf,
		threshold: threshold,
		tolerance: tolerance,
		pollRate:  poll,
		selection: selection,
	}
}

// Start launches the polling loop. It is a no-op when already running.
func (s *Sorter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	go s.run(ctx)
}

// Stop halts the polling loop.
func (s *Sorter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
}

// Running reports whether the polling loop is active.
func (s *Sorter) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sorter) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := s.buf.Take()
			if !ok {
				continue
			}
			if _, err := s.Observe(frame.Detections); err != nil {
				log.Printf("sorter: %v", err)
			}
		}
	}
}

// pick selects the detection to track from a frame.
func (s *Sorter) pick(dets []vision.Detection) (vision.Detection, bool) {
	if len(dets) == 0 {
		return vision.Detection{}, false
	}
	if s.selection == SelectFirst {
		return dets[0], true
	}
	return vision.Best(dets)
}

// Observe feeds one frame of detections through the debounce logic. It
// returns whether a sort was fired. An empty frame resets the counter.
//
// Stability is judged in robot coordinates: each cycle's centroid is
// converted first, so the tolerance means millimeters of physical drift,
// not pixels. A point the calibration maps outside the workspace resets
// the counter on the spot.
func (s *Sorter) Observe(dets []vision.Detection) (bool, error) {
	det, ok := s.pick(dets)
	if !ok {
		s.resetTracking()
		return false, nil
	}

	px, py := det.BBox.Centroid()
	target, inside := s.tf.SafeConvert(px, py)
	if !inside {
		s.mu.Lock()
		tracking := s.stableCount > 0
		s.mu.Unlock()
		if tracking {
			s.emitter.EmitSortRejected(det.Class, "outside workspace")
		}
		s.resetTracking()
		return false, nil
	}
	rx, ry := target.X, target.Y

	s.mu.Lock()
	moved := det.Class != s.lastClass ||
		math.Abs(rx-s.lastX) > s.tolerance ||
		math.Abs(ry-s.lastY) > s.tolerance
	// Stability is frame-to-frame: slow drift within the tolerance per
	// cycle still counts as the object standing still.
	s.lastClass = det.Class
	s.lastX = rx
	s.lastY = ry
	if moved {
		s.stableCount = 1
		s.triggered = false
		s.mu.Unlock()
		return false, nil
	}

	s.stableCount++
	ready := s.stableCount >= s.threshold && !s.triggered
	threshold := s.threshold
	count := s.stableCount
	s.mu.Unlock()

	if count == threshold {
		s.emitter.EmitObjectStabilized(det.Class, rx, ry)
	}
	if !ready {
		return false, nil
	}

	return s.trigger(det.Class, rx, ry)
}

// trigger fires the arm at an already-converted robot target. A busy or
// disconnected arm leaves the sighting pending so the next frame retries.
func (s *Sorter) trigger(category string, rx, ry float64) (bool, error) {
	st := s.ctrl.Status()
	switch {
	case !st.Connected:
		s.emitter.EmitSortRejected(category, "arm not connected")
		return false, nil
	case st.State == arm.StateError:
		// Recover automatically so one failed grab does not stall the line.
		if err := s.ctrl.ResetErrors(); err != nil {
			s.emitter.EmitSortRejected(category, "arm faulted")
			return false, fmt.Errorf("reset arm errors: %w", err)
		}
	case arm.Busy(st.State):
		s.emitter.EmitSortRejected(category, "arm busy")
		return false, nil
	}

	// The sighting is consumed once the arm is actually dispatched.
	s.mu.Lock()
	s.triggered = true
	s.mu.Unlock()

	pickup := arm.Position{X: rx, Y: ry, Z: 0}
	s.emitter.EmitSortStarted(category, rx, ry)
	if err := s.ctrl.SortGarbage(category, pickup); err != nil {
		s.emitter.EmitSortFailed(category, err.Error())
		return false, fmt.Errorf("sort %s: %w", category, err)
	}
	s.emitter.EmitSortCompleted(category, rx, ry)
	return true, nil
}

func (s *Sorter) resetTracking() {
	s.mu.Lock()
	s.lastClass = ""
	s.lastX = 0
	s.lastY = 0
	s.stableCount = 0
	s.triggered = false
	s.mu.Unlock()
}

// Progress reports the current debounce state for status displays.
func (s *Sorter) Progress() (class string, count, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClass, s.stableCount, s.threshold
}
