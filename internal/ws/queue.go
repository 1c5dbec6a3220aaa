package ws

import (
	"slices"
	"vestnik/internal/models"
)

// queue is the ordered outbound backlog. Every mutation builds a new slice so
// snapshots handed out earlier never change underneath their holder.
type queue struct {
	items []models.QueuedMessage
}

// push appends msg. When max is positive and exceeded, the oldest entries are
// discarded and returned.
func (q *queue) push(msg models.QueuedMessage, max int) []models.QueuedMessage {
	next := make([]models.QueuedMessage, 0, len(q.items)+1)
	next = append(next, q.items...)
	next = append(next, msg)

	var dropped []models.QueuedMessage
	if max > 0 && len(next) > max {
		dropped = slices.Clone(next[:len(next)-max])
		next = next[len(next)-max:]
	}
	q.items = next
	return dropped
}

// remove discards every queued entry of type t and reports how many went.
func (q *queue) remove(t models.EventType) int {
	next := make([]models.QueuedMessage, 0, len(q.items))
	for _, item := range q.items {
		if item.Type != t {
			next = append(next, item)
		}
	}
	n := len(q.items) - len(next)
	q.items = next
	return n
}

func (q *queue) pushFront(msg models.QueuedMessage) {
	next := make([]models.QueuedMessage, 0, len(q.items)+1)
	next = append(next, msg)
	q.items = append(next, q.items...)
}

func (q *queue) pop() (models.QueuedMessage, bool) {
	if len(q.items) == 0 {
		return models.QueuedMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) len() int {
	return len(q.items)
}

func (q *queue) clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (q *queue) snapshot() []models.QueuedMessage {
	return slices.Clone(q.items)
}
