package arm

import (
	"fmt"
	"log"
	"sync"

	"sortarm/config"
)

// ControllerEmitter receives controller-level lifecycle events. The engine
// wires this to the event bus; tests use a recording fake.
type ControllerEmitter interface {
	EmitArmConnected(armType string)
	EmitArmDisconnected(armType string)
	EmitArmSwitched(oldType, newType string)
	EmitArmError(armType, detail string)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) EmitArmConnected(string)    {}
func (NopEmitter) EmitArmDisconnected(string) {}
func (NopEmitter) EmitArmSwitched(string, string) {}
func (NopEmitter) EmitArmError(string, string)    {}

// Controller is the single entry point the rest of the system talks to. It
// owns the active driver, allows hot-swapping driver types, and degrades
// gracefully when the active driver lacks a capability.
type Controller struct {
	mu      sync.Mutex
	cfg     *config.Config
	emitter ControllerEmitter
	driver  Driver
	armType string
}

// NewController creates a controller with no active driver. Callers connect
// with Connect or swap in a driver with SwitchType.
func NewController(cfg *config.Config, emitter ControllerEmitter) *Controller {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Controller{cfg: cfg, emitter: emitter}
}

// Connect builds the configured driver type if needed and connects it.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil {
		typ := c.cfg.Arm.Type
		d, err := New(typ, c.cfg)
		if err != nil {
			return err
		}
		c.driver = d
		c.armType = typ
	}
	if err := c.driver.Connect(); err != nil {
		c.emitter.EmitArmError(c.armType, err.Error())
		return fmt.Errorf("connect %s arm: %w", c.armType, err)
	}
	c.emitter.EmitArmConnected(c.armType)
	return nil
}

// Disconnect disconnects the active driver, if any.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil {
		return nil
	}
	if err := c.driver.Disconnect(); err != nil {
		return err
	}
	c.emitter.EmitArmDisconnected(c.armType)
	return nil
}

// SwitchType swaps the active driver for a new type. The old driver is
// disconnected best-effort; the swap only happens once the new driver
// connects, so a failed switch leaves the previous driver in place.
func (c *Controller) SwitchType(typ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := New(typ, c.cfg)
	if err != nil {
		return err
	}
	if err := next.Connect(); err != nil {
		return fmt.Errorf("connect %s arm: %w", typ, err)
	}

	if c.driver != nil {
		if err := c.driver.Disconnect(); err != nil {
			log.Printf("disconnect old %s arm: %v", c.armType, err)
		}
	}
	oldType := c.armType
	c.driver = next
	c.armType = typ
	c.emitter.EmitArmSwitched(oldType, typ)
	return nil
}

// Type returns the active driver type, or empty when none is active.
func (c *Controller) Type() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armType
}

// active returns the current driver or ErrNoDriver.
func (c *Controller) active() (Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil {
		return nil, ErrNoDriver
	}
	return c.driver, nil
}

// Status returns the active driver's status, or a disconnected status when
// no driver is configured.
func (c *Controller) Status() Status {
	d, err := c.active()
	if err != nil {
		return Status{State: StateDisconnected}
	}
	return d.Status()
}

func (c *Controller) Configuration() (Configuration, error) {
	d, err := c.active()
	if err != nil {
		return Configuration{}, err
	}
	return d.Configuration(), nil
}

func (c *Controller) Home() error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.Home()
}

func (c *Controller) EmergencyStop() error {
	d, err := c.active()
	if err != nil {
		return err
	}
	if err := d.EmergencyStop(); err != nil {
		return err
	}
	c.emitter.EmitArmError(c.Type(), "emergency stop")
	return nil
}

func (c *Controller) ResetErrors() error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.ResetErrors()
}

func (c *Controller) MoveToPosition(p Position, speed float64) error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.MoveToPosition(p, speed)
}

func (c *Controller) MoveToJoints(j JointAngles, speed float64) error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.MoveToJoints(j, speed)
}

func (c *Controller) Grab(params *GrabParameters) error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.Grab(params)
}

func (c *Controller) Release() error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.Release()
}

func (c *Controller) SetSpeed(speed float64) error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.SetSpeed(speed)
}

func (c *Controller) Calibrate() error {
	d, err := c.active()
	if err != nil {
		return err
	}
	return d.Calibrate()
}

// SortGarbage runs the full pick-and-place cycle when the driver supports
// it, and falls back to a grab at the pickup point otherwise.
func (c *Controller) SortGarbage(category string, pickup Position) error {
	d, err := c.active()
	if err != nil {
		return err
	}
	if sorter, ok := d.(GarbageSorter); ok {
		return sorter.SortGarbage(category, pickup)
	}
	if err := d.MoveToPosition(pickup, d.Status().Speed); err != nil {
		return err
	}
	return d.Grab(nil)
}

// Bins returns the driver's bin table, or nil when the driver does not
// expose one.
func (c *Controller) Bins() map[string]Bin {
	d, err := c.active()
	if err != nil {
		return nil
	}
	if sorter, ok := d.(GarbageSorter); ok {
		return sorter.Bins()
	}
	return nil
}

// Statistics degrades to zero statistics for drivers without tracking.
func (c *Controller) Statistics() Statistics {
	d, err := c.active()
	if err != nil {
		return Statistics{ByCategory: map[string]int{}}
	}
	if sp, ok := d.(StatsProvider); ok {
		return sp.Statistics()
	}
	return Statistics{ByCategory: map[string]int{}}
}

func (c *Controller) OperationHistory(limit int) []OperationRecord {
	d, err := c.active()
	if err != nil {
		return nil
	}
	if sp, ok := d.(StatsProvider); ok {
		return sp.OperationHistory(limit)
	}
	return nil
}

func (c *Controller) ResetStatistics() {
	d, err := c.active()
	if err != nil {
		return
	}
	if sp, ok := d.(StatsProvider); ok {
		sp.ResetStatistics()
	}
}
