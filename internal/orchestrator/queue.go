package orchestrator

// Queue is the admission FIFO of pending requests. Like Registry it belongs to
// the event loop and has no locking.
type Queue struct {
	items []PendingRequest
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends req to the tail.
func (q *Queue) Push(req PendingRequest) {
	q.items = append(q.items, req)
}

// Pop removes and returns the head.
func (q *Queue) Pop() (PendingRequest, bool) {
	if len(q.items) == 0 {
		return PendingRequest{}, false
	}
	req := q.items[0]
	q.items[0] = PendingRequest{}
	q.items = q.items[1:]
	return req, true
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	return len(q.items)
}

// RemoveSubscriber drops every request queued for sub and returns how many
// were removed.
func (q *Queue) RemoveSubscriber(sub SubscriberID) int {
	kept := q.items[:0]
	removed := 0
	for _, req := range q.items {
		if req.Subscriber == sub {
			removed++
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = PendingRequest{}
	}
	q.items = kept
	return removed
}
