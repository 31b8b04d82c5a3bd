package sim

// EventID refers to a scheduled event without owning it. It stays valid to
// query after the event is gone: the cached key and the generation of the
// arena slot answer whether the event is expired without ever reaching a
// released event.
//
// EventIDs must only be used on the goroutine that runs the engine.
type EventID struct {
	time    VTime
	uid     uint64
	slot    uint32
	gen     uint32
	destroy bool
	arena   *eventArena
}

// Time returns the time the event was scheduled for.
func (id EventID) Time() VTime {
	return id.time
}

// UID returns the sequence id of the event.
func (id EventID) UID() uint64 {
	return id.uid
}

// IsZero returns true if the id was never returned by an engine.
func (id EventID) IsZero() bool {
	return id.arena == nil
}

// IsExpired returns true if the event has fired, is running, or was
// cancelled or removed. A zero EventID is always expired.
func (id EventID) IsExpired() bool {
	return id.lookup() == nil
}

func (id EventID) lookup() *Event {
	if id.arena == nil {
		return nil
	}

	return id.arena.lookup(id.slot, id.gen)
}

type arenaSlot struct {
	gen uint32
	evt *Event
}

// eventArena holds the only long-lived reference from handles to pending
// events. A slot is released when its event stops being pending; releasing
// bumps the generation so that outstanding handles go stale.
type eventArena struct {
	slots []arenaSlot
	free  []uint32
}

func newEventArena() *eventArena {
	return &eventArena{}
}

func (a *eventArena) alloc(evt *Event) EventID {
	var slot uint32

	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		slot = uint32(len(a.slots) - 1)
	}

	a.slots[slot].evt = evt
	evt.slot = slot

	return EventID{
		time:  evt.key.Time,
		uid:   evt.key.UID,
		slot:  slot,
		gen:   a.slots[slot].gen,
		arena: a,
	}
}

func (a *eventArena) lookup(slot, gen uint32) *Event {
	if int(slot) >= len(a.slots) {
		return nil
	}

	s := a.slots[slot]
	if s.gen != gen || s.evt == nil || s.evt.state != EventPending {
		return nil
	}

	return s.evt
}

func (a *eventArena) release(evt *Event) {
	s := &a.slots[evt.slot]
	if s.evt != evt {
		return
	}

	s.evt = nil
	s.gen++
	a.free = append(a.free, evt.slot)
}

func (a *eventArena) live() int {
	return len(a.slots) - len(a.free)
}
