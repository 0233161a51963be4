package vision

import "sync"

// LatestBuffer holds at most one frame. A new frame replaces any unread
// one, so the consumer always sees the freshest detections and stale frames
// are dropped rather than queued.
type LatestBuffer struct {
	mu    sync.Mutex
	frame Frame
	full  bool
}

// Put stores f, replacing any frame not yet taken.
func (b *LatestBuffer) Put(f Frame) {
	b.mu.Lock()
	b.frame = f
	b.full = true
	b.mu.Unlock()
}

// Take removes and returns the stored frame. The second return is false
// when no frame has arrived since the last Take.
func (b *LatestBuffer) Take() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return Frame{}, false
	}
	b.full = false
	return b.frame, true
}

// Peek returns the stored frame without consuming it.
func (b *LatestBuffer) Peek() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.full
}
