package sim

// EngineBuilder builds SerialEngines.
type EngineBuilder struct {
	schedulerType SchedulerType
	scheduler     Scheduler
	maxTime       VTime
	hooks         []Hook
}

// MakeEngineBuilder creates an EngineBuilder with a heap scheduler and no
// time limit.
func MakeEngineBuilder() EngineBuilder {
	return EngineBuilder{
		schedulerType: HeapSchedulerType,
		maxTime:       MaxTime,
	}
}

// WithSchedulerType selects the scheduler implementation.
func (b EngineBuilder) WithSchedulerType(t SchedulerType) EngineBuilder {
	b.schedulerType = t
	b.scheduler = nil
	return b
}

// WithScheduler uses a custom scheduler. The scheduler must be empty.
func (b EngineBuilder) WithScheduler(s Scheduler) EngineBuilder {
	b.scheduler = s
	return b
}

// WithMaxTime sets the time past which no event executes.
func (b EngineBuilder) WithMaxTime(t VTime) EngineBuilder {
	b.maxTime = t
	return b
}

// WithHook registers a hook on the engine.
func (b EngineBuilder) WithHook(h Hook) EngineBuilder {
	b.hooks = append(b.hooks[:len(b.hooks):len(b.hooks)], h)
	return b
}

// Build creates the engine.
func (b EngineBuilder) Build() (*SerialEngine, error) {
	scheduler := b.scheduler
	if scheduler == nil {
		s, err := NewScheduler(b.schedulerType)
		if err != nil {
			return nil, err
		}

		scheduler = s
	}

	if !scheduler.IsEmpty() {
		fatalf("cannot build an engine on a non-empty scheduler")
	}

	e := NewSerialEngine()
	e.SetScheduler(scheduler)
	e.maxTime = b.maxTime

	for _, h := range b.hooks {
		e.AcceptHook(h)
	}

	return e, nil
}
