package monitoring

import (
	"sync"
	"time"

	"github.com/sarchlab/netkernel/sim"
)

// A ProgressBar is a tracker of the progress
type ProgressBar struct {
	sync.Mutex `json:"-"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
}

// SetFinished sets the finished amount, clamped to the total.
func (b *ProgressBar) SetFinished(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.Finished = min(amount, b.Total)
}

type progressStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Total     uint64    `json:"total"`
	Finished  uint64    `json:"finished"`
}

func (b *ProgressBar) snapshot() progressStatus {
	b.Lock()
	defer b.Unlock()

	return progressStatus{
		ID:        b.ID,
		Name:      b.Name,
		StartTime: b.StartTime,
		Total:     b.Total,
		Finished:  b.Finished,
	}
}

// ProgressHook moves a progress bar along with the virtual time of an engine
// until a target time.
type ProgressHook struct {
	monitor *Monitor
	bar     *ProgressBar
}

// NewProgressHook creates a bar that reaches its total when the engine
// reaches until.
func (m *Monitor) NewProgressHook(name string, until sim.VTime) *ProgressHook {
	total := uint64(max(until, 1))

	return &ProgressHook{
		monitor: m,
		bar:     m.CreateProgressBar(name, total),
	}
}

// Bar returns the progress bar.
func (h *ProgressHook) Bar() *ProgressBar {
	return h.bar
}

// Func updates the bar.
func (h *ProgressHook) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case sim.HookPosAfterEvent:
		evt, ok := ctx.Item.(sim.EventInfo)
		if ok && evt.Time > 0 {
			h.bar.SetFinished(uint64(evt.Time))
		}
	case sim.HookPosStateChange:
		if state, ok := ctx.Item.(sim.EngineState); ok && state == sim.EngineTerminated {
			h.monitor.CompleteProgressBar(h.bar)
		}
	}
}
