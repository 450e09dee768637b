package controller

import (
	"refreshbot/internal/eventbus"
	"refreshbot/pkg/logx"
)

// emit folds d into the engine state and publishes it. Deltas are published
// under the state lock so subscribers see them in apply order.
func (c *Controller) emit(d Delta) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state.Apply(d)
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeStateDelta, Time: c.now(), Data: d})
}

// activity records a human-readable event and mirrors it to the log.
func (c *Controller) activity(typ ActivityType, msg string, details map[string]any) {
	a := Activity{Time: c.now(), Type: typ, Message: msg, Details: details}

	c.stateMu.Lock()
	c.state.Activity = prepend(c.state.Activity, a)
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeActivity, Time: a.Time, Data: a})
	c.stateMu.Unlock()

	fields := make([]logx.Field, 0, len(details))
	for k, v := range details {
		fields = append(fields, logx.Any(k, v))
	}
	switch typ {
	case ActivityError:
		c.log.Error(msg, fields...)
	case ActivityWarning:
		c.log.Warn(msg, fields...)
	default:
		c.log.Info(msg, fields...)
	}
}
