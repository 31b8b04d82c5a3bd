package sim

import "sync"

// stagedEvent is due at time when absolute is set, otherwise delay after the
// engine time at which it is drained.
type stagedEvent struct {
	time     VTime
	delay    VTime
	absolute bool
	context  uint32
	callback Callback
}

// stagingQueue collects events submitted from goroutines other than the one
// running the engine. It is the only place where the engine takes a lock;
// the engine swaps the pending batch out under the lock and inserts it into
// the scheduler after releasing it.
type stagingQueue struct {
	mu     sync.Mutex
	events []stagedEvent
}

func (q *stagingQueue) push(evt stagedEvent) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	q.mu.Unlock()
}

// swap hands out the staged events and keeps spare as the new backing
// storage, so that steady-state draining does not allocate.
func (q *stagingQueue) swap(spare []stagedEvent) []stagedEvent {
	q.mu.Lock()
	events := q.events
	q.events = spare[:0]
	q.mu.Unlock()

	return events
}

func (q *stagingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.events)
}
