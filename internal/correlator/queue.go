package correlator

import (
	"gitlab.com/gitlab-org/flowtrace/internal/descriptor"
)

// pendingQueue holds the descriptors of requests forwarded to the application
// whose responses have not been forwarded to the transport yet, oldest first.
type pendingQueue struct {
	items []descriptor.Descriptor
}

func (q *pendingQueue) push(d descriptor.Descriptor) {
	q.items = append(q.items, d)
}

func (q *pendingQueue) pop() (descriptor.Descriptor, bool) {
	if len(q.items) == 0 {
		return descriptor.Empty(), false
	}

	d := q.items[0]
	q.items[0] = descriptor.Empty()
	q.items = q.items[1:]

	return d, true
}

func (q *pendingQueue) peek() (descriptor.Descriptor, bool) {
	if len(q.items) == 0 {
		return descriptor.Empty(), false
	}

	return q.items[0], true
}

// clear drops every pending descriptor and returns how many were dropped.
func (q *pendingQueue) clear() int {
	n := len(q.items)
	q.items = nil

	return n
}

func (q *pendingQueue) len() int {
	return len(q.items)
}
