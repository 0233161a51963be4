package engine

import (
	"context"
	"fmt"
	"log"

	"sortarm/arm"
	"sortarm/config"
	"sortarm/sorter"
	"sortarm/store"
	"sortarm/transform"
	"sortarm/vision"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Engine centralizes all business logic and orchestrates subsystems.
type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	logFn      LogFunc
	debugFn    LogFunc

	ctrl   *arm.Controller
	tf     *transform.Transform
	buf    *vision.LatestBuffer
	sorter *sorter.Sorter

	Events *EventBus

	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	LogFunc    LogFunc
	Debug      bool
}

// New creates a new Engine. Call Start() to initialize and wire subsystems.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	debugFn := LogFunc(func(string, ...interface{}) {})
	if c.Debug {
		debugFn = logFn
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		db:         c.DB,
		logFn:      logFn,
		debugFn:    debugFn,
		Events:     NewEventBus(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start builds the subsystems, wires the event chain, and connects the arm.
// A failed arm connection is logged, not fatal: the arm can be connected
// later through the API.
func (e *Engine) Start() error {
	tf, err := e.buildTransform()
	if err != nil {
		return fmt.Errorf("build transform: %w", err)
	}
	e.tf = tf
	e.buf = &vision.LatestBuffer{}
	e.ctrl = arm.NewController(e.cfg, &armEmitter{bus: e.Events})
	e.sorter = sorter.New(e.cfg, e.ctrl, tf, e.buf, &sortEmitter{bus: e.Events})

	e.wireEventHandlers()

	if err := e.ctrl.Connect(); err != nil {
		log.Printf("arm connect: %v", err)
	}
	if e.cfg.Sorter.AutoStart {
		e.sorter.Start(e.ctx)
	}

	e.logFn("Engine started: arm=%s threshold=%d tolerance=%.1f",
		e.cfg.Arm.Type, e.cfg.Sorter.StableThreshold, e.cfg.Sorter.PositionTolerance)
	return nil
}

// Stop shuts down all subsystems gracefully.
func (e *Engine) Stop() {
	e.cancel()
	if e.sorter != nil {
		e.sorter.Stop()
	}
	if e.ctrl != nil {
		if err := e.ctrl.Disconnect(); err != nil {
			log.Printf("arm disconnect: %v", err)
		}
	}
	e.logFn("Engine stopped")
}

// buildTransform derives the homography from the active stored calibration,
// falling back to the config file's points when none has been stored.
func (e *Engine) buildTransform() (*transform.Transform, error) {
	img := pointsFromPairs(e.cfg.Calibration.ImagePoints)
	rob := pointsFromPairs(e.cfg.Calibration.RobotPoints)

	if e.db != nil {
		stored, err := e.db.ActiveCalibration()
		if err != nil {
			log.Printf("load stored calibration: %v", err)
		} else if stored != nil {
			img = pointsFromPairs(stored.ImagePoints)
			rob = pointsFromPairs(stored.RobotPoints)
			e.debugFn("using stored calibration %q (%d points)", stored.Name, len(img))
		}
	}

	bounds := transform.Bounds{
		XMin: e.cfg.Workspace.XMin, XMax: e.cfg.Workspace.XMax,
		YMin: e.cfg.Workspace.YMin, YMax: e.cfg.Workspace.YMax,
	}
	return transform.New(img, rob, bounds)
}

// UpdateCalibration validates a new correspondence set, swaps it into the
// live transform, persists it as the active set, and announces the change.
func (e *Engine) UpdateCalibration(name string, imagePoints, robotPoints [][2]float64) error {
	img := pointsFromPairs(imagePoints)
	rob := pointsFromPairs(robotPoints)
	if err := e.tf.UpdateCalibration(img, rob); err != nil {
		return err
	}

	var id int64
	if e.db != nil {
		var err error
		id, err = e.db.SaveCalibration(name, imagePoints, robotPoints)
		if err != nil {
			return fmt.Errorf("persist calibration: %w", err)
		}
	}
	e.Events.Emit(Event{Type: EventCalibrationUpdated, Payload: CalibrationUpdatedEvent{
		CalibrationID: id, Name: name, Points: len(imagePoints),
	}})
	return nil
}

// StartSorter begins the detection polling loop.
func (e *Engine) StartSorter() { e.sorter.Start(e.ctx) }

// StopSorter halts the detection polling loop.
func (e *Engine) StopSorter() { e.sorter.Stop() }

// DB returns the database handle.
func (e *Engine) DB() *store.DB { return e.db }

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }

// ConfigPath returns the config file path.
func (e *Engine) ConfigPath() string { return e.configPath }

// Arm returns the arm controller.
func (e *Engine) Arm() *arm.Controller { return e.ctrl }

// Sorter returns the debounce orchestrator.
func (e *Engine) Sorter() *sorter.Sorter { return e.sorter }

// Transform returns the live coordinate transform.
func (e *Engine) Transform() *transform.Transform { return e.tf }

// Detections returns the buffer inbound detection frames land in.
func (e *Engine) Detections() *vision.LatestBuffer { return e.buf }

func pointsFromPairs(pairs [][2]float64) []transform.Point {
	out := make([]transform.Point, len(pairs))
	for i, p := range pairs {
		out[i] = transform.Point{X: p[0], Y: p[1]}
	}
	return out
}
