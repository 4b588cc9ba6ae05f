package clock

import "fmt"

// DriftError is returned by Clock.Send/Receive when the wall clock and a
// remote timestamp disagree by more than the configured drift bound,
// mirroring the teacher's pointer-receiver Err* types
// (internal/crdt/replica.go ErrEntryNotFound/ErrEntryDeleted).
type DriftError struct {
	Wall     uint64
	Observed uint64
	BoundMs  uint64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("clock: drift %dms exceeds bound %dms (wall=%d observed=%d)",
		diff(e.Wall, e.Observed), e.BoundMs, e.Wall, e.Observed)
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// CounterOverflowError is returned when the logical counter would exceed
// MaxCounter within the same millisecond, per spec §4.2's "counter
// overflow rejection" edge case.
type CounterOverflowError struct {
	Millis uint64
}

func (e *CounterOverflowError) Error() string {
	return fmt.Sprintf("clock: logical counter overflow at millis=%d", e.Millis)
}

// DuplicateNodeError is returned when Receive observes a timestamp
// minted by this clock's own node id but that this clock never issued —
// evidence two installations are sharing a node id.
type DuplicateNodeError struct {
	Node NodeID
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("clock: duplicate node id detected: %s", e.Node)
}
