package messagebus

import cbus "github.com/next-trace/scg-message-bus/contract/bus"

// queue is the FIFO owned by a single Handle call.
type queue struct {
	items []cbus.Message
	head  int
}

func newQueue(first cbus.Message) *queue {
	return &queue{items: []cbus.Message{first}}
}

func (q *queue) len() int { return len(q.items) - q.head }

func (q *queue) push(m cbus.Message) { q.items = append(q.items, m) }

func (q *queue) pop() cbus.Message {
	m := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// reclaim the consumed prefix once it dominates the backing array
	if q.head > 64 && q.head*2 > len(q.items) {
		q.items = append([]cbus.Message(nil), q.items[q.head:]...)
		q.head = 0
	}

	return m
}
