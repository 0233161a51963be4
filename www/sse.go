package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sortarm/engine"
)

const sseKeepalive = 30 * time.Second

// EventHub fans engine events out to SSE clients. Frames are marshaled
// once per broadcast and delivered as raw bytes; a slow client drops
// frames rather than stalling the rest.
type EventHub struct {
	mu      sync.RWMutex
	subs    map[chan []byte]struct{}
	lastArm []byte
	closed  bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan []byte]struct{})}
}

// Stop disconnects all clients. Broadcasts after Stop are discarded.
func (h *EventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

// Broadcast frames and delivers an event to every connected client.
func (h *EventHub) Broadcast(event string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, body))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if event == "arm-status" {
		h.lastArm = frame
	}
	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// subscribe registers a client channel and hands back the most recent
// arm-status frame so a fresh page does not wait for the next change.
func (h *EventHub) subscribe() (chan []byte, []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	ch := make(chan []byte, 64)
	h.subs[ch] = struct{}{}
	return ch, h.lastArm, true
}

func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	delete(h.subs, ch)
	close(ch)
}

// HandleSSE is the HTTP handler for SSE connections.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ch, last, ok := h.subscribe()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	if last != nil {
		w.Write(last)
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			w.Write(frame)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// sseEventName maps an engine event type to the name browsers subscribe
// to; empty means the event stays internal.
func sseEventName(t engine.EventType) string {
	switch t {
	case engine.EventArmConnected, engine.EventArmDisconnected, engine.EventArmError:
		return "arm-status"
	case engine.EventArmSwitched:
		return "arm-switched"
	case engine.EventObjectStabilized:
		return "object-stabilized"
	case engine.EventSortStarted, engine.EventSortCompleted:
		return "sort-update"
	case engine.EventSortFailed:
		return "sort-failed"
	case engine.EventSortRejected:
		return "sort-rejected"
	case engine.EventCalibrationUpdated:
		return "calibration-updated"
	}
	return ""
}

// SetupEngineListeners wires engine events to SSE broadcasts.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) {
	eng.Events.Subscribe(func(evt engine.Event) {
		if name := sseEventName(evt.Type); name != "" {
			h.Broadcast(name, evt.Payload)
		}
	})
}
