package engine

// armEmitter adapts the engine's EventBus to the arm.ControllerEmitter interface.
type armEmitter struct {
	bus *EventBus
}

func (e *armEmitter) EmitArmConnected(armType string) {
	e.bus.Emit(Event{Type: EventArmConnected, Payload: ArmEvent{ArmType: armType}})
}

func (e *armEmitter) EmitArmDisconnected(armType string) {
	e.bus.Emit(Event{Type: EventArmDisconnected, Payload: ArmEvent{ArmType: armType}})
}

func (e *armEmitter) EmitArmSwitched(oldType, newType string) {
	e.bus.Emit(Event{Type: EventArmSwitched, Payload: ArmSwitchedEvent{OldType: oldType, NewType: newType}})
}

func (e *armEmitter) EmitArmError(armType, detail string) {
	e.bus.Emit(Event{Type: EventArmError, Payload: ArmEvent{ArmType: armType, Detail: detail}})
}

// sortEmitter adapts the engine's EventBus to the sorter.Emitter interface.
type sortEmitter struct {
	bus *EventBus
}

func (e *sortEmitter) EmitObjectStabilized(category string, x, y float64) {
	e.bus.Emit(Event{Type: EventObjectStabilized, Payload: ObjectStabilizedEvent{Category: category, X: x, Y: y}})
}

func (e *sortEmitter) EmitSortStarted(category string, x, y float64) {
	e.bus.Emit(Event{Type: EventSortStarted, Payload: SortEvent{Category: category, X: x, Y: y}})
}

func (e *sortEmitter) EmitSortCompleted(category string, x, y float64) {
	e.bus.Emit(Event{Type: EventSortCompleted, Payload: SortEvent{Category: category, X: x, Y: y}})
}

func (e *sortEmitter) EmitSortFailed(category, detail string) {
	e.bus.Emit(Event{Type: EventSortFailed, Payload: SortFailedEvent{Category: category, Detail: detail}})
}

func (e *sortEmitter) EmitSortRejected(category, reason string) {
	e.bus.Emit(Event{Type: EventSortRejected, Payload: SortRejectedEvent{Category: category, Reason: reason}})
}
