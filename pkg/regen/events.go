package regen

import (
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"go.uber.org/zap"
)

// EventType distinguishes controller events.
type EventType string

const (
	EventBuilt  EventType = "built"
	EventFailed EventType = "failed"
	EventEdited EventType = "edited"
)

// Event is delivered to subscribers after every build attempt and every
// candidate edit. Failures are reported here as discrete, non-fatal
// events; the cached snapshot is unaffected by them.
type Event struct {
	Type     EventType
	Params   brick.Parameters
	Snapshot *Snapshot // set for EventBuilt
	Err      error     // set for EventFailed
	At       time.Time
}

// Subscribe registers fn for every future event and returns a function
// that removes it. Listeners run synchronously on the goroutine that
// caused the event and must not block or call back into Generate.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		c.deliver(fn, ev)
	}
}

func (c *Controller) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event listener panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	fn(ev)
}
