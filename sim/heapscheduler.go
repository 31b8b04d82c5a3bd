package sim

import "container/heap"

// HeapScheduler keeps events in a binary heap. Insert, RemoveMin and Remove
// are all O(log n).
type HeapScheduler struct {
	events eventHeap
}

// NewHeapScheduler creates an empty HeapScheduler.
func NewHeapScheduler() *HeapScheduler {
	s := &HeapScheduler{}
	s.events = make([]*Event, 0)
	heap.Init(&s.events)

	return s
}

// Insert adds an event.
func (s *HeapScheduler) Insert(evt *Event) {
	heap.Push(&s.events, evt)
}

// PeekMin returns the earliest event without removing it.
func (s *HeapScheduler) PeekMin() *Event {
	if len(s.events) == 0 {
		return nil
	}

	return s.events[0]
}

// RemoveMin removes and returns the earliest event.
func (s *HeapScheduler) RemoveMin() *Event {
	if len(s.events) == 0 {
		return nil
	}

	return heap.Pop(&s.events).(*Event)
}

// Remove takes an arbitrary event out of the heap.
func (s *HeapScheduler) Remove(evt *Event) bool {
	i := evt.heapIndex
	if i < 0 || i >= len(s.events) || s.events[i] != evt {
		return false
	}

	heap.Remove(&s.events, i)

	return true
}

// IsEmpty returns true if there are no events.
func (s *HeapScheduler) IsEmpty() bool {
	return len(s.events) == 0
}

// Len returns the number of events.
func (s *HeapScheduler) Len() int {
	return len(s.events)
}

type eventHeap []*Event

func (h eventHeap) Len() int {
	return len(h)
}

func (h eventHeap) Less(i, j int) bool {
	return h[i].key.Less(h[j].key)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *eventHeap) Push(x any) {
	evt := x.(*Event)
	evt.heapIndex = len(*h)
	*h = append(*h, evt)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	evt := old[n-1]
	old[n-1] = nil
	evt.heapIndex = -1
	*h = old[0 : n-1]

	return evt
}
