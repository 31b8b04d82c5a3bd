package sim

import (
	"errors"
	"strconv"
)

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() VTime
}

// EventScheduler can be used to schedule future events. Its methods must be
// called from the goroutine that runs the engine, typically from within an
// event.
type EventScheduler interface {
	TimeTeller

	// Schedule runs cb after delay, in the context of the current event.
	Schedule(delay VTime, cb Callback) EventID

	// ScheduleWithContext runs cb after delay in the given context.
	ScheduleWithContext(context uint32, delay VTime, cb Callback) EventID

	// ScheduleNow runs cb at the current time, after the events already
	// scheduled for the current time.
	ScheduleNow(cb Callback) EventID

	// ScheduleDestroy runs cb after the simulation stops. Destroy callbacks
	// run in the reverse order of registration.
	ScheduleDestroy(cb Callback) EventID

	// Cancel prevents a pending event from firing. It does nothing if the
	// event is already expired.
	Cancel(id EventID)

	// Remove cancels a pending event and takes it out of the scheduler
	// right away.
	Remove(id EventID)

	// IsExpired returns true if the event fired, is running, or was
	// cancelled or removed.
	IsExpired(id EventID) bool

	// DelayLeft returns how long until a pending event fires, or 0 for an
	// expired event.
	DelayLeft(id EventID) VTime
}

// ContextStager accepts events from any goroutine. Staged events enter the
// scheduler at the beginning of the next iteration of the run loop.
type ContextStager interface {
	// StageWithContext runs cb in the given context delay after the time the
	// engine has reached when the call is made.
	StageWithContext(context uint32, delay VTime, cb Callback)

	// StageAt runs cb in the given context at an absolute time. The time
	// must not be earlier than the engine time when the event is drained.
	StageAt(context uint32, t VTime, cb Callback)
}

// Inspector exposes the progress of an engine. The methods are safe to call
// from any goroutine.
type Inspector interface {
	TimeTeller

	// CurrentContext returns the context of the running or last run event.
	CurrentContext() uint32

	// CurrentUID returns the uid of the running or last run event.
	CurrentUID() uint64

	// EventCount returns the number of events executed so far.
	EventCount() uint64

	// State returns the lifecycle state of the engine.
	State() EngineState
}

// A Synchronizer gates the run loop of an engine that is one partition of a
// larger simulation.
type Synchronizer interface {
	// Poll is called at the beginning of every loop iteration. It absorbs
	// work delivered from outside, typically by staging events.
	Poll() error

	// Grant decides whether the next event, at time next, may execute.
	// finished tells that the engine has nothing left to do, in which case
	// next is MaxTime. Grant returns done once the whole simulation is
	// finished.
	Grant(next VTime, finished bool) (execute, done bool, err error)
}

// An Engine is a unit that keeps the discrete event simulation run.
type Engine interface {
	Hookable
	EventScheduler
	ContextStager
	Inspector

	// Run processes events until the simulation stops, then runs the destroy
	// callbacks. An engine can only run once.
	Run() error

	// Stop ends the simulation before the next event is executed.
	Stop()

	// StopAfter ends the simulation at now+delay. Events before that time
	// still run.
	StopAfter(delay VTime) EventID

	// MaximumSimulationTime returns the time past which no event executes.
	MaximumSimulationTime() VTime

	// SetSynchronizer installs the synchronizer that gates the run loop. It
	// must be called before Run.
	SetSynchronizer(s Synchronizer)
}

// EngineState is the lifecycle state of an engine.
type EngineState int32

// The lifecycle states of an engine.
const (
	EngineIdle EngineState = iota
	EngineRunning
	EngineStopping
	EngineDestroying
	EngineTerminated
)

var engineStateNames = [...]string{
	EngineIdle:       "Idle",
	EngineRunning:    "Running",
	EngineStopping:   "Stopping",
	EngineDestroying: "Destroying",
	EngineTerminated: "Terminated",
}

func (s EngineState) String() string {
	if s < EngineIdle || s > EngineTerminated {
		return "EngineState(" + strconv.Itoa(int(s)) + ")"
	}

	return engineStateNames[s]
}

// ErrEngineNotIdle is returned when Run is called on an engine that has
// already run.
var ErrEngineNotIdle = errors.New("sim: engine is not idle")
