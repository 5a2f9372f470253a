package sqlserver

import (
	"context"
	"sync"

	"mssql-recovery/internal/engine"
)

// call tracks one submitted statement. All sends happen on the statement's
// goroutine (or before it starts), so finish may close the channel safely.
type call struct {
	mu      sync.Mutex
	events  chan engine.Event
	done    chan struct{}
	err     error
	percent int
}

func newCall() *call {
	return &call{
		events:  make(chan engine.Event, 128),
		done:    make(chan struct{}),
		percent: -1,
	}
}

func (c *call) Events() <-chan engine.Event {
	return c.events
}

func (c *call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit delivers an event, dropping progress values that do not advance.
func (c *call) emit(e engine.Event) {
	c.mu.Lock()
	if e.Kind == engine.EventProgress {
		if e.Percent <= c.percent {
			c.mu.Unlock()
			return
		}
		c.percent = e.Percent
	}
	c.mu.Unlock()

	c.events <- e
}

func (c *call) finish(err error) {
	c.err = err
	close(c.events)
	close(c.done)
}
