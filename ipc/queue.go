package ipc

// DefaultQueueSize bounds the outbound replay queue.
const DefaultQueueSize = 50

// messageQueue is the bounded FIFO of outbound events that accumulated
// while no client was connected. When full, the oldest message is dropped.
// Access is guarded by the server's mutex.
type messageQueue struct {
	max   int
	items []map[string]any
}

func newMessageQueue(max int) *messageQueue {
	return &messageQueue{max: max}
}

// push enqueues one message for replay. Transient kinds are discarded:
// a welcome, an error, or a heartbeat ack is meaningless to a future
// connection.
func (q *messageQueue) push(msg map[string]any) {
	kind, _ := msg["type"].(string)
	if transientKinds[kind] {
		return
	}
	if len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
}

// drain returns all queued messages oldest first and empties the queue.
func (q *messageQueue) drain() []map[string]any {
	items := q.items
	q.items = nil
	return items
}

func (q *messageQueue) len() int { return len(q.items) }
