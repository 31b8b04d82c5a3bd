package sim

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// A SerialEngine is an Engine that always run events one after another.
//
// Apart from the Inspector methods, Stop, and the ContextStager methods, a
// SerialEngine must only be used from the goroutine that calls Run, or from
// the setup code that runs before Run.
type SerialEngine struct {
	HookableBase

	scheduler    Scheduler
	inserted     bool
	arena        *eventArena
	synchronizer Synchronizer
	maxTime      VTime

	staging     stagingQueue
	stagedSpare []stagedEvent

	nextUID       uint64
	destroyEvents []*Event

	now            atomic.Int64
	currentUID     atomic.Uint64
	currentContext atomic.Uint32
	eventCount     atomic.Uint64
	state          atomic.Int32
	stopRequested  atomic.Bool
}

// NewSerialEngine creates a SerialEngine backed by a HeapScheduler.
func NewSerialEngine() *SerialEngine {
	e := &SerialEngine{
		scheduler: NewHeapScheduler(),
		arena:     newEventArena(),
		maxTime:   MaxTime,
		nextUID:   1,
	}
	e.currentContext.Store(NoContext)

	return e
}

// SetScheduler replaces the scheduler. It is a fatal error to change the
// scheduler once an event has been inserted.
func (e *SerialEngine) SetScheduler(s Scheduler) {
	if e.inserted {
		fatalf("cannot change the scheduler after events have been scheduled")
	}

	e.scheduler = s
}

// SetSynchronizer installs the synchronizer that gates the run loop.
func (e *SerialEngine) SetSynchronizer(s Synchronizer) {
	if e.State() != EngineIdle {
		fatalf("cannot set a synchronizer on a %s engine", e.State())
	}

	e.synchronizer = s
}

// MaximumSimulationTime returns the time past which no event executes.
func (e *SerialEngine) MaximumSimulationTime() VTime {
	return e.maxTime
}

// Now returns the time of the running or last run event.
func (e *SerialEngine) Now() VTime {
	return VTime(e.now.Load())
}

// CurrentContext returns the context of the running or last run event.
func (e *SerialEngine) CurrentContext() uint32 {
	return e.currentContext.Load()
}

// CurrentUID returns the uid of the running or last run event.
func (e *SerialEngine) CurrentUID() uint64 {
	return e.currentUID.Load()
}

// EventCount returns the number of events executed so far.
func (e *SerialEngine) EventCount() uint64 {
	return e.eventCount.Load()
}

// State returns the lifecycle state of the engine.
func (e *SerialEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// NumPending returns the number of events in the scheduler, including
// cancelled ones that have not been discarded yet.
func (e *SerialEngine) NumPending() int {
	return e.scheduler.Len()
}

// Schedule runs cb after delay, in the context of the current event.
func (e *SerialEngine) Schedule(delay VTime, cb Callback) EventID {
	return e.ScheduleWithContext(e.CurrentContext(), delay, cb)
}

// ScheduleNow runs cb at the current time.
func (e *SerialEngine) ScheduleNow(cb Callback) EventID {
	return e.Schedule(0, cb)
}

// ScheduleWithContext runs cb after delay in the given context.
func (e *SerialEngine) ScheduleWithContext(
	context uint32,
	delay VTime,
	cb Callback,
) EventID {
	e.mustAcceptEvents(cb)

	if delay < 0 {
		fatalf("cannot schedule an event with negative delay %d", int64(delay))
	}

	return e.insert(e.Now().Add(delay), context, cb)
}

func (e *SerialEngine) mustAcceptEvents(cb Callback) {
	if cb == nil {
		fatalf("cannot schedule a nil callback")
	}

	if state := e.State(); state >= EngineDestroying {
		fatalf("cannot schedule events on a %s engine", state)
	}
}

func (e *SerialEngine) insert(t VTime, context uint32, cb Callback) EventID {
	lockResolution()

	evt := NewEvent(t, e.allocUID(), context, cb)
	id := e.arena.alloc(evt)

	e.scheduler.Insert(evt)
	e.inserted = true

	return id
}

func (e *SerialEngine) allocUID() uint64 {
	uid := e.nextUID
	e.nextUID++

	return uid
}

// ScheduleDestroy registers cb to run after the simulation stops.
func (e *SerialEngine) ScheduleDestroy(cb Callback) EventID {
	e.mustAcceptEvents(cb)
	lockResolution()

	evt := NewEvent(e.Now(), e.allocUID(), e.CurrentContext(), cb)
	id := e.arena.alloc(evt)
	id.destroy = true

	e.destroyEvents = append(e.destroyEvents, evt)

	return id
}

func (e *SerialEngine) mustOwn(id EventID) {
	if id.arena != nil && id.arena != e.arena {
		fatalf("event %d was not scheduled on this engine", id.uid)
	}
}

// Cancel prevents a pending event from firing. The event stays in the
// scheduler and is discarded when it reaches the front.
func (e *SerialEngine) Cancel(id EventID) {
	e.mustOwn(id)

	evt := id.lookup()
	if evt == nil {
		return
	}

	evt.cancel()
	e.arena.release(evt)
}

// Remove cancels a pending event and takes it out of the scheduler.
func (e *SerialEngine) Remove(id EventID) {
	e.mustOwn(id)

	evt := id.lookup()
	if evt == nil {
		return
	}

	if id.destroy {
		i := slices.Index(e.destroyEvents, evt)
		if i < 0 {
			fatalf("destroy event %d is not registered", id.uid)
		}

		e.destroyEvents = slices.Delete(e.destroyEvents, i, i+1)
	} else if !e.scheduler.Remove(evt) {
		fatalf("pending event %d is not in the scheduler", id.uid)
	}

	evt.callback = nil
	evt.state = EventRemoved
	e.arena.release(evt)
}

// IsExpired returns true if the event fired, is running, or was cancelled or
// removed.
func (e *SerialEngine) IsExpired(id EventID) bool {
	e.mustOwn(id)

	return id.IsExpired()
}

// DelayLeft returns how long until a pending event fires.
func (e *SerialEngine) DelayLeft(id EventID) VTime {
	if e.IsExpired(id) {
		return 0
	}

	return max(id.time-e.Now(), 0)
}

// StageWithContext queues cb from any goroutine, to run delay after the time
// the engine has reached when the event is drained.
func (e *SerialEngine) StageWithContext(context uint32, delay VTime, cb Callback) {
	if delay < 0 {
		fatalf("cannot stage an event with negative delay %d", int64(delay))
	}

	e.mustAcceptEvents(cb)

	e.staging.push(stagedEvent{delay: delay, context: context, callback: cb})
}

// StageAt queues cb from any goroutine, to run at time t.
func (e *SerialEngine) StageAt(context uint32, t VTime, cb Callback) {
	e.mustAcceptEvents(cb)

	e.staging.push(stagedEvent{
		time:     t,
		absolute: true,
		context:  context,
		callback: cb,
	})
}

// Stop ends the simulation before the next event is executed. It is safe to
// call from any goroutine.
func (e *SerialEngine) Stop() {
	e.stopRequested.Store(true)
}

// StopAfter ends the simulation at now+delay.
func (e *SerialEngine) StopAfter(delay VTime) EventID {
	return e.Schedule(delay, e.Stop)
}

// Run processes events until the simulation stops, then runs the destroy
// callbacks in reverse registration order.
func (e *SerialEngine) Run() error {
	if !e.state.CompareAndSwap(int32(EngineIdle), int32(EngineRunning)) {
		return ErrEngineNotIdle
	}

	e.notifyStateChange(EngineRunning, EngineIdle)

	err := e.loop()

	e.setState(EngineStopping)
	e.runDestroyEvents()
	e.setState(EngineTerminated)

	return err
}

func (e *SerialEngine) loop() error {
	for {
		if e.synchronizer != nil {
			if err := e.synchronizer.Poll(); err != nil {
				return fmt.Errorf("sim: polling synchronizer: %w", err)
			}
		}

		e.drainStaged()

		next := e.peekLive()
		finished := e.stopRequested.Load() ||
			next == nil ||
			next.key.Time > e.maxTime

		if e.synchronizer == nil {
			if finished {
				return nil
			}

			e.processEvent()
			continue
		}

		nextTime := MaxTime
		if !finished {
			nextTime = next.key.Time
		}

		execute, done, err := e.synchronizer.Grant(nextTime, finished)
		if err != nil {
			return fmt.Errorf("sim: granting time: %w", err)
		}

		if done {
			return nil
		}

		if execute && !finished {
			e.processEvent()
		}
	}
}

func (e *SerialEngine) drainStaged() {
	batch := e.staging.swap(e.stagedSpare)

	now := e.Now()
	for i, s := range batch {
		t := s.time
		if !s.absolute {
			t = now.Add(s.delay)
		} else if t < now {
			fatalf("staged event at %d is earlier than the current time %d",
				int64(t), int64(now))
		}

		e.insert(t, s.context, s.callback)
		batch[i] = stagedEvent{}
	}

	e.stagedSpare = batch[:0]
}

// peekLive returns the earliest event that is not cancelled, discarding
// cancelled events on the way.
func (e *SerialEngine) peekLive() *Event {
	for {
		evt := e.scheduler.PeekMin()
		if evt == nil || !evt.IsCancelled() {
			return evt
		}

		e.scheduler.RemoveMin()
	}
}

func (e *SerialEngine) processEvent() {
	evt := e.scheduler.RemoveMin()

	now := e.Now()
	if evt.key.Time < now {
		fatalf("cannot run event in the past, evt %d @ %d, now %d",
			evt.key.UID, int64(evt.key.Time), int64(now))
	}

	e.now.Store(int64(evt.key.Time))
	e.currentUID.Store(evt.key.UID)
	e.currentContext.Store(evt.context)
	e.arena.release(evt)

	e.invokeEvent(evt)
	e.eventCount.Add(1)
}

func (e *SerialEngine) invokeEvent(evt *Event) {
	if len(e.Hooks) == 0 {
		evt.invoke()
		return
	}

	hookCtx := HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt.info(),
	}
	e.InvokeHook(hookCtx)

	evt.invoke()

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)
}

func (e *SerialEngine) runDestroyEvents() {
	e.setState(EngineDestroying)

	for len(e.destroyEvents) > 0 {
		last := len(e.destroyEvents) - 1
		evt := e.destroyEvents[last]
		e.destroyEvents = e.destroyEvents[:last]

		if evt.state != EventPending {
			continue
		}

		e.currentUID.Store(evt.key.UID)
		e.currentContext.Store(evt.context)
		e.arena.release(evt)

		e.invokeEvent(evt)
	}
}

func (e *SerialEngine) setState(s EngineState) {
	prev := EngineState(e.state.Swap(int32(s)))
	e.notifyStateChange(s, prev)
}

func (e *SerialEngine) notifyStateChange(s, prev EngineState) {
	e.InvokeHook(HookCtx{
		Domain: e,
		Pos:    HookPosStateChange,
		Item:   s,
		Detail: prev,
	})
}
