package sim

import "container/list"

// ListScheduler keeps events in a sorted linked list. RemoveMin is O(1),
// Insert and Remove are O(n). Insertion scans from the back, so workloads
// that mostly schedule into the future insert in close to constant time.
type ListScheduler struct {
	l *list.List
}

// NewListScheduler creates an empty ListScheduler.
func NewListScheduler() *ListScheduler {
	return &ListScheduler{l: list.New()}
}

// Insert adds an event.
func (s *ListScheduler) Insert(evt *Event) {
	var ele *list.Element
	for ele = s.l.Back(); ele != nil; ele = ele.Prev() {
		if !evt.key.Less(ele.Value.(*Event).key) {
			break
		}
	}

	if ele != nil {
		s.l.InsertAfter(evt, ele)
	} else {
		s.l.PushFront(evt)
	}
}

// PeekMin returns the earliest event without removing it.
func (s *ListScheduler) PeekMin() *Event {
	front := s.l.Front()
	if front == nil {
		return nil
	}

	return front.Value.(*Event)
}

// RemoveMin removes and returns the earliest event.
func (s *ListScheduler) RemoveMin() *Event {
	front := s.l.Front()
	if front == nil {
		return nil
	}

	return s.l.Remove(front).(*Event)
}

// Remove takes an arbitrary event out of the list.
func (s *ListScheduler) Remove(evt *Event) bool {
	for ele := s.l.Front(); ele != nil; ele = ele.Next() {
		if ele.Value.(*Event) == evt {
			s.l.Remove(ele)
			return true
		}
	}

	return false
}

// IsEmpty returns true if there are no events.
func (s *ListScheduler) IsEmpty() bool {
	return s.l.Len() == 0
}

// Len returns the number of events.
func (s *ListScheduler) Len() int {
	return s.l.Len()
}
