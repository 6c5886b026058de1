package ipc

import (
	"sync"
	"time"
)

const (
	// rateLimitWindow is the sliding window for the inbound message counter.
	rateLimitWindow = 1 * time.Second
	// DefaultMaxMessagesPerSecond is the inbound message ceiling within the
	// window. Excess messages are dropped, not queued: this is a DoS
	// control, not a reliability control.
	DefaultMaxMessagesPerSecond = 10
)

// messageWindow counts inbound messages over a sliding window. It admits a
// message by recording its timestamp, trimming stamps older than the window,
// and checking the count against the ceiling.
type messageWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	stamps []time.Time
}

func newMessageWindow(window time.Duration, limit int) *messageWindow {
	return &messageWindow{window: window, limit: limit}
}

// allow records one message at now and reports whether it is within the
// ceiling.
func (w *messageWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stamps = append(w.stamps, now)

	cutoff := now.Add(-w.window)
	start := 0
	for start < len(w.stamps) && w.stamps[start].Before(cutoff) {
		start++
	}
	w.stamps = w.stamps[start:]

	return len(w.stamps) <= w.limit
}

// reset clears the window, for a fresh connection.
func (w *messageWindow) reset() {
	w.mu.Lock()
	w.stamps = nil
	w.mu.Unlock()
}
