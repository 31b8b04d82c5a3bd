package sim

import "github.com/google/btree"

const mapSchedulerDegree = 32

// MapScheduler keeps events in an ordered B-tree keyed by (time, uid). All
// operations are O(log n), and unlike the heap, removing an arbitrary event
// does not need any bookkeeping on the event itself.
type MapScheduler struct {
	tree *btree.BTreeG[*Event]
}

// NewMapScheduler creates an empty MapScheduler.
func NewMapScheduler() *MapScheduler {
	return &MapScheduler{
		tree: btree.NewG(mapSchedulerDegree, func(a, b *Event) bool {
			return a.key.Less(b.key)
		}),
	}
}

// Insert adds an event.
func (s *MapScheduler) Insert(evt *Event) {
	s.tree.ReplaceOrInsert(evt)
}

// PeekMin returns the earliest event without removing it.
func (s *MapScheduler) PeekMin() *Event {
	evt, ok := s.tree.Min()
	if !ok {
		return nil
	}

	return evt
}

// RemoveMin removes and returns the earliest event.
func (s *MapScheduler) RemoveMin() *Event {
	evt, ok := s.tree.DeleteMin()
	if !ok {
		return nil
	}

	return evt
}

// Remove takes an arbitrary event out of the tree.
func (s *MapScheduler) Remove(evt *Event) bool {
	found, ok := s.tree.Get(evt)
	if !ok || found != evt {
		return false
	}

	s.tree.Delete(evt)

	return true
}

// IsEmpty returns true if there are no events.
func (s *MapScheduler) IsEmpty() bool {
	return s.tree.Len() == 0
}

// Len returns the number of events.
func (s *MapScheduler) Len() int {
	return s.tree.Len()
}
