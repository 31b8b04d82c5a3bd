package sim

import "strconv"

// NoContext is the context of events scheduled from outside any event, for
// example before the simulation starts.
const NoContext = uint32(0xffffffff)

// Callback is the payload of an event.
type Callback func()

// EventState tracks where an event is in its lifecycle.
type EventState int

// The lifecycle states of an event.
const (
	EventPending EventState = iota
	EventRunning
	EventCancelled
	EventRemoved
	EventFired
)

var eventStateNames = [...]string{
	EventPending:   "Pending",
	EventRunning:   "Running",
	EventCancelled: "Cancelled",
	EventRemoved:   "Removed",
	EventFired:     "Fired",
}

func (s EventState) String() string {
	if s < EventPending || s > EventFired {
		return "EventState(" + strconv.Itoa(int(s)) + ")"
	}

	return eventStateNames[s]
}

// EventKey orders events. Events compare by time first and by uid second, so
// that among events of the same time the first scheduled fires first.
type EventKey struct {
	Time VTime
	UID  uint64
}

// Less returns true if k orders before o.
func (k EventKey) Less(o EventKey) bool {
	if k.Time != o.Time {
		return k.Time < o.Time
	}

	return k.UID < o.UID
}

// An Event is a timestamped callback that fires at most once.
type Event struct {
	key      EventKey
	context  uint32
	callback Callback
	state    EventState

	slot      uint32
	heapIndex int
}

// NewEvent creates a pending event. Engines create events internally;
// schedulers can be driven directly with events made here.
func NewEvent(t VTime, uid uint64, context uint32, cb Callback) *Event {
	return &Event{
		key:       EventKey{Time: t, UID: uid},
		context:   context,
		callback:  cb,
		state:     EventPending,
		heapIndex: -1,
	}
}

// Time returns when the event fires.
func (e *Event) Time() VTime {
	return e.key.Time
}

// UID returns the sequence id of the event.
func (e *Event) UID() uint64 {
	return e.key.UID
}

// Key returns the ordering key of the event.
func (e *Event) Key() EventKey {
	return e.key
}

// Context returns the context the event runs in.
func (e *Event) Context() uint32 {
	return e.context
}

// State returns the lifecycle state of the event.
func (e *Event) State() EventState {
	return e.state
}

// IsCancelled returns true if the callback has been dropped.
func (e *Event) IsCancelled() bool {
	return e.state == EventCancelled
}

func (e *Event) cancel() {
	e.callback = nil
	e.state = EventCancelled
}

func (e *Event) invoke() {
	e.state = EventRunning

	if e.callback != nil {
		e.callback()
	}

	e.callback = nil
	e.state = EventFired
}

// EventInfo is a copy of the identifying fields of an event, handed to hooks.
type EventInfo struct {
	Time    VTime
	UID     uint64
	Context uint32
}

func (e *Event) info() EventInfo {
	return EventInfo{Time: e.key.Time, UID: e.key.UID, Context: e.context}
}
