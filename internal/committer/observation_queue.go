package committer

import (
	"sync"

	"github.com/defl-net/client/internal/wire"
)

// ObservationQueue holds at most one pending WeightsResponse broadcast,
// the Go equivalent of defl/committer's ObsidoResponseQueue: a size-1
// asyncio.Queue that a new Push folds into whatever is already queued
// rather than blocking, so the epoch loop's drain() always sees the
// broadcast with the greatest RLastEpochID among those buffered since
// the last drain (spec.md §3's "drain-latest" property), not merely the
// most recently arrived one. Ties keep the earlier arrival.
type ObservationQueue struct {
	mu sync.Mutex
	ch chan *wire.WeightsResponse
}

// NewObservationQueue returns an empty queue.
func NewObservationQueue() *ObservationQueue {
	return &ObservationQueue{ch: make(chan *wire.WeightsResponse, 1)}
}

// Push folds wr into the pending entry, keeping whichever has the
// greater RLastEpochID (the earlier arrival wins ties).
func (q *ObservationQueue) Push(wr *wire.WeightsResponse) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case cur := <-q.ch:
		if wr.RLastEpochID <= cur.RLastEpochID {
			wr = cur
		}
	default:
	}
	q.ch <- wr
}

// Drain returns the queue's channel; a receive from it blocks until a
// broadcast is available and takes the pending one.
func (q *ObservationQueue) Drain() <-chan *wire.WeightsResponse {
	return q.ch
}
