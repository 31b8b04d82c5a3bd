package datarecording

import (
	"slices"

	"github.com/sarchlab/netkernel/sim"
)

const (
	eventTableName = "event"
	stateTableName = "engine_state"
)

// EventEntry is one executed event.
type EventEntry struct {
	Rank    int64
	Time    int64
	UID     int64
	Context int64
}

// StateEntry is one engine state transition.
type StateEntry struct {
	Rank int64
	Time int64
	From string
	To   string
}

// EventRecorder is a hook that writes every executed event and every engine
// state change into a DataRecorder.
type EventRecorder struct {
	recorder DataRecorder
	rank     int64
}

// NewEventRecorder creates the event tables on the recorder. rank tags the
// rows so that the traces of several ranks can share a database.
func NewEventRecorder(recorder DataRecorder, rank uint32) *EventRecorder {
	if !slices.Contains(recorder.ListTables(), eventTableName) {
		recorder.CreateTable(eventTableName, EventEntry{})
		recorder.CreateTable(stateTableName, StateEntry{})
	}

	return &EventRecorder{recorder: recorder, rank: int64(rank)}
}

// Func records the hook site.
func (r *EventRecorder) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case sim.HookPosBeforeEvent:
		evt, ok := ctx.Item.(sim.EventInfo)
		if !ok {
			return
		}

		r.recorder.InsertData(eventTableName, EventEntry{
			Rank:    r.rank,
			Time:    int64(evt.Time),
			UID:     int64(evt.UID),
			Context: int64(evt.Context),
		})
	case sim.HookPosStateChange:
		to, _ := ctx.Item.(sim.EngineState)
		from, _ := ctx.Detail.(sim.EngineState)

		var now int64
		if teller, ok := ctx.Domain.(sim.TimeTeller); ok {
			now = int64(teller.Now())
		}

		r.recorder.InsertData(stateTableName, StateEntry{
			Rank: r.rank,
			Time: now,
			From: from.String(),
			To:   to.String(),
		})
	}
}
