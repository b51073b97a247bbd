package api

import (
	"sync/atomic"
	"time"
)

// eventClock hands out unix nano timestamps that never repeat or go backwards,
// so events from one instance sort in emission order.
type eventClock struct {
	last atomic.Int64
	now  func() time.Time
}

var eventTimes = &eventClock{now: time.Now}

func (c *eventClock) next() int64 {
	for {
		prev := c.last.Load()
		ts := c.now().UnixNano()
		if ts <= prev {
			ts = prev + 1
		}
		if c.last.CompareAndSwap(prev, ts) {
			return ts
		}
	}
}
