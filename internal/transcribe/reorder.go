package transcribe

import "sync"

// Reorderer releases results to an emit function in sequence order.
//
// In ordered mode a result is held back until every result with a lower
// sequence number has been released, so transcripts appear in the order the
// segments were spoken even when a later segment finishes first. In unordered
// mode results are released as they arrive.
//
// emit is called with the Reorderer's lock held, so consecutive calls never
// overlap.
type Reorderer struct {
	mu      sync.Mutex
	ordered bool
	next    uint64
	pending map[uint64]Result
	emit    func(Result)
}

// NewReorderer returns a Reorderer expecting first as the lowest sequence
// number.
func NewReorderer(first uint64, ordered bool, emit func(Result)) *Reorderer {
	return &Reorderer{
		ordered: ordered,
		next:    first,
		pending: make(map[uint64]Result),
		emit:    emit,
	}
}

// Deliver hands over the result for one sequence number. Each sequence number
// must be delivered exactly once; duplicates and results older than the
// release cursor are dropped.
func (r *Reorderer) Deliver(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ordered {
		r.emit(res)
		return
	}
	if res.Seq < r.next {
		return
	}
	if _, dup := r.pending[res.Seq]; dup {
		return
	}
	r.pending[res.Seq] = res
	for {
		head, ok := r.pending[r.next]
		if !ok {
			return
		}
		delete(r.pending, r.next)
		r.next++
		r.emit(head)
	}
}

// Pending returns the number of results held back waiting for an earlier
// sequence number.
func (r *Reorderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
