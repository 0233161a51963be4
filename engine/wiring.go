package engine

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"sortarm/store"
)

// wireEventHandlers persists sort outcomes and queues them for publication.
// SortCompleted / SortFailed → operations table + outbox.
func (e *Engine) wireEventHandlers() {
	e.Events.SubscribeTypes(func(evt Event) {
		done := evt.Payload.(SortEvent)
		e.recordOutcome(done.Category, done.X, done.Y, true, "")
	}, EventSortCompleted)

	e.Events.SubscribeTypes(func(evt Event) {
		failed := evt.Payload.(SortFailedEvent)
		e.recordOutcome(failed.Category, 0, 0, false, failed.Detail)
	}, EventSortFailed)

	e.Events.SubscribeTypes(func(evt Event) {
		rejected := evt.Payload.(SortRejectedEvent)
		e.debugFn("sort rejected: %s (%s)", rejected.Category, rejected.Reason)
	}, EventSortRejected)
}

func (e *Engine) recordOutcome(category string, x, y float64, success bool, detail string) {
	if e.db == nil {
		return
	}

	op := store.Operation{
		UUID:      uuid.NewString(),
		Category:  category,
		PickupX:   x,
		PickupY:   y,
		ArmType:   e.ctrl.Type(),
		Success:   success,
		Detail:    detail,
		StartedAt: time.Now(),
	}
	// Drivers that track history carry richer detail for the same
	// operation; prefer their record when it lines up.
	if hist := e.ctrl.OperationHistory(1); len(hist) == 1 && hist[0].Category == category {
		rec := hist[0]
		op.UUID = rec.ID
		op.Bin = rec.Bin
		op.PickupX = rec.Pickup.X
		op.PickupY = rec.Pickup.Y
		op.PickupZ = rec.Pickup.Z
		op.DurationMS = rec.Duration.Milliseconds()
		op.StartedAt = rec.StartedAt
	}

	if _, err := e.db.InsertOperation(op); err != nil {
		log.Printf("insert operation: %v", err)
	}

	payload, err := json.Marshal(op)
	if err != nil {
		log.Printf("marshal operation: %v", err)
		return
	}
	topic := e.cfg.Messaging.OperationsTopic
	if topic == "" {
		return
	}
	if _, err := e.db.EnqueueOutbox(topic, payload, store.OutboxKindOperation); err != nil {
		log.Printf("enqueue operation: %v", err)
	}
}
