package proxy

import "github.com/codefionn/httprelay/httprelay-srv/codec"

// PendingQueue holds body chunks that arrived while the outbound connection
// was still being established. The queue owns every chunk in it until the
// chunk is drained for forwarding or released.
type PendingQueue struct {
	items []*codec.Content
	bytes int
}

// Push appends c. Ownership of c moves to the queue.
func (q *PendingQueue) Push(c *codec.Content) {
	q.items = append(q.items, c)
	q.bytes += c.Len()
}

// Len returns the number of queued chunks.
func (q *PendingQueue) Len() int {
	return len(q.items)
}

// Bytes returns the number of queued body bytes.
func (q *PendingQueue) Bytes() int {
	return q.bytes
}

// Drain empties the queue and returns its chunks in arrival order.
// Ownership moves to the caller.
func (q *PendingQueue) Drain() []*codec.Content {
	items := q.items
	q.items = nil
	q.bytes = 0
	return items
}

// Release releases every queued chunk and empties the queue. It returns the
// number of chunks released.
func (q *PendingQueue) Release() int {
	n := 0
	for _, c := range q.Drain() {
		if c.Release() {
			n++
		}
	}
	return n
}
