package clock

import (
	"sync"
	"time"
)

// DefaultDriftBoundMs bounds how far a remote timestamp's millisecond
// component may lead the local wall clock before Receive rejects it,
// guarding against a misbehaving or clock-skewed peer dragging the whole
// clock forward (spec §4.2).
const DefaultDriftBoundMs = 5 * 60 * 1000 // 5 minutes

// Clock is a hybrid-logical clock: a monotonically increasing Timestamp
// stream seeded by wall-clock millis and disambiguated by a logical
// counter. One Clock exists per owner/node. Grounded on the teacher's
// Clock{mu sync.Mutex, time uint64} (internal/core/clock.go) generalized
// from a single Lamport counter to the millis+counter+node triple and
// from Tick/Update to Send/Receive.
type Clock struct {
	mu        sync.Mutex
	last      Timestamp
	node      NodeID
	driftMs   uint64
	nowMillis func() uint64
}

// New creates a Clock for node, starting from Zero. driftBoundMs of 0
// selects DefaultDriftBoundMs.
func New(node NodeID, driftBoundMs uint64) *Clock {
	if driftBoundMs == 0 {
		driftBoundMs = DefaultDriftBoundMs
	}
	return &Clock{
		node:      node,
		driftMs:   driftBoundMs,
		nowMillis: wallMillis,
	}
}

// Restore creates a Clock seeded from a previously persisted timestamp
// (spec §6: evolu_config.clock), so restarts resume strictly after every
// timestamp the node has ever issued.
func Restore(node NodeID, last Timestamp, driftBoundMs uint64) *Clock {
	c := New(node, driftBoundMs)
	c.last = last
	return c
}

func wallMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Last returns the most recently issued or observed timestamp.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Seed advances the clock's watermark to last if last is ahead of what the
// clock already holds, otherwise it is a no-op. Used to resume a clock from
// a persisted watermark (spec §6 evolu_config.clock) without losing any
// timestamps minted since New.
func (c *Clock) Seed(last Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last.Compare(c.last) > 0 {
		c.last = last
	}
}

// Send mints a new local timestamp, strictly greater than every timestamp
// previously issued or observed. If the wall clock has advanced past the
// last timestamp's millis, the counter resets to 0; otherwise it
// increments, returning a CounterOverflowError if that would exceed
// MaxCounter within the same millisecond. Rejects with a DriftError,
// without advancing the clock, when the millis this send would use
// already leads the wall clock by more than the configured drift bound
// (spec §4.2's sendTimestamp drift check) — this guards against a clock
// that over-advanced via Receive and is now stuck minting timestamps far
// ahead of wall time.
func (c *Clock) Send() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowMillis()
	millisNew := c.last.Millis
	if wall > millisNew {
		millisNew = wall
	}
	if millisNew > wall && millisNew-wall > c.driftMs {
		return Timestamp{}, &DriftError{Wall: wall, Observed: millisNew, BoundMs: c.driftMs}
	}

	next := c.last
	if wall > c.last.Millis {
		next.Millis = wall
		next.Counter = 0
	} else {
		if c.last.Counter >= MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: c.last.Millis}
		}
		next.Counter = c.last.Counter + 1
	}
	next.Node = c.node
	c.last = next
	return next, nil
}

// Receive merges a remote timestamp into the clock, implementing the
// classic HLC receive rule: the new local time is strictly after both the
// wall clock and the remote timestamp. Rejects remote timestamps whose
// millis lead the wall clock by more than the configured drift bound, and
// rejects remote timestamps minted under this clock's own node id that
// this clock never issued (two installations sharing a node id).
func (c *Clock) Receive(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowMillis()
	if remote.Millis > wall && remote.Millis-wall > c.driftMs {
		return Timestamp{}, &DriftError{Wall: wall, Observed: remote.Millis, BoundMs: c.driftMs}
	}
	if remote.Node == c.node && remote.Compare(c.last) > 0 {
		return Timestamp{}, &DuplicateNodeError{Node: c.node}
	}

	next := c.last
	switch {
	case wall > c.last.Millis && wall > remote.Millis:
		next.Millis = wall
		next.Counter = 0
	case c.last.Millis == remote.Millis:
		if c.last.Counter >= MaxCounter || remote.Counter >= MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: c.last.Millis}
		}
		next.Millis = c.last.Millis
		next.Counter = maxUint16(c.last.Counter, remote.Counter) + 1
	case c.last.Millis > remote.Millis:
		if c.last.Counter >= MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: c.last.Millis}
		}
		next.Counter = c.last.Counter + 1
	default: // remote.Millis > c.last.Millis
		if remote.Counter >= MaxCounter {
			return Timestamp{}, &CounterOverflowError{Millis: remote.Millis}
		}
		next.Millis = remote.Millis
		next.Counter = remote.Counter + 1
	}
	next.Node = c.node
	c.last = next
	return next, nil
}

func maxUint16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
