package sim

import "github.com/sirupsen/logrus"

// LogHookBase provides the common logic for all hooks that log.
type LogHookBase struct {
	Logger logrus.FieldLogger
}

// EventLogger is a hook that prints the event information
type EventLogger struct {
	LogHookBase
}

// NewEventLogger returns a new EventLogger which will write in to the logger
func NewEventLogger(logger logrus.FieldLogger) *EventLogger {
	h := new(EventLogger)
	h.Logger = logger
	return h
}

// Func writes the event information into the logger
func (h *EventLogger) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosBeforeEvent:
		evt, ok := ctx.Item.(EventInfo)
		if !ok {
			return
		}

		h.Logger.WithFields(logrus.Fields{
			"time":    int64(evt.Time),
			"uid":     evt.UID,
			"context": evt.Context,
		}).Debug("event")
	case HookPosStateChange:
		h.Logger.WithFields(logrus.Fields{
			"from": ctx.Detail,
			"to":   ctx.Item,
		}).Info("engine state changed")
	}
}
