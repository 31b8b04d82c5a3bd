package sim

import (
	"errors"
	"fmt"
	"strings"
)

// A Scheduler is an ordered container of pending events. All implementations
// order events by time and break ties by uid, so they only differ in the cost
// of each operation.
//
// Schedulers are not safe for concurrent use. The engine owning a scheduler
// is the only one that touches it.
type Scheduler interface {
	// Insert adds an event.
	Insert(evt *Event)

	// PeekMin returns the earliest event without removing it, or nil if the
	// scheduler is empty.
	PeekMin() *Event

	// RemoveMin removes and returns the earliest event, or nil if the
	// scheduler is empty.
	RemoveMin() *Event

	// Remove takes an arbitrary event out of the scheduler. It returns false
	// if the event is not in the scheduler.
	Remove(evt *Event) bool

	// IsEmpty returns true if there are no events.
	IsEmpty() bool

	// Len returns the number of events.
	Len() int
}

// SchedulerType selects a Scheduler implementation.
type SchedulerType string

// The available Scheduler implementations.
const (
	HeapSchedulerType     SchedulerType = "heap"
	ListSchedulerType     SchedulerType = "list"
	MapSchedulerType      SchedulerType = "map"
	CalendarSchedulerType SchedulerType = "calendar"
)

// SchedulerTypes lists all the Scheduler implementations.
var SchedulerTypes = []SchedulerType{
	HeapSchedulerType,
	ListSchedulerType,
	MapSchedulerType,
	CalendarSchedulerType,
}

// ErrUnknownScheduler is returned for an unsupported SchedulerType.
var ErrUnknownScheduler = errors.New("sim: unknown scheduler type")

// ParseSchedulerType converts a name such as "heap" to a SchedulerType.
func ParseSchedulerType(s string) (SchedulerType, error) {
	t := SchedulerType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range SchedulerTypes {
		if t == known {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownScheduler, s)
}

// NewScheduler creates an empty Scheduler of the given type.
func NewScheduler(t SchedulerType) (Scheduler, error) {
	switch t {
	case HeapSchedulerType:
		return NewHeapScheduler(), nil
	case ListSchedulerType:
		return NewListScheduler(), nil
	case MapSchedulerType:
		return NewMapScheduler(), nil
	case CalendarSchedulerType:
		return NewCalendarScheduler(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, string(t))
	}
}
