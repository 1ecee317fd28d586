package notify

import "time"

// ControlBlock is the single cluster-shared record of queue bounds and
// the listener slot free-list head (spec §3). It is protected by the
// Engine's queue-lock unless otherwise noted.
type ControlBlock struct {
	// Head is the position the next Notify will append at.
	Head QueuePosition
	// Tail is the oldest position any backend cursor might still need.
	// Maintained by tail-advance under the tail-lock.
	Tail QueuePosition
	// StopPage is one past the highest page number ever allocated.
	StopPage uint64
	// FirstListener is the slot index of the head of the free/used
	// cursor list, or InvalidSlot. Unused by this translation (cursor
	// table is a flat slice rather than a linked free-list) but kept to
	// mirror spec.md's field for documentation parity.
	FirstListener int
	// LastWarnAt throttles the queue-usage-high warning.
	LastWarnAt time.Time
}

// BackendCursor is one backend's position in the shared queue plus its
// LISTEN bookkeeping (spec §3). Slots are referenced by index, never by
// pointer, per the translation note in SPEC_FULL.md.
type BackendCursor struct {
	// PID is the owning backend's identifier, or InvalidPID if the slot
	// is free.
	PID int32
	// DBOID scopes which channels this backend may match.
	DBOID uint32
	// NextListener is unused by this translation for the same reason as
	// ControlBlock.FirstListener; retained for documentation parity.
	NextListener int
	// Pos is this backend's current read position in the queue.
	Pos QueuePosition
	// WakeupPending is set when a signal arrived and the backend hasn't
	// yet drained in response.
	WakeupPending bool
	// AdvancingPos is set while the owning backend's DrainNotifications
	// is consuming entries; a direct advance leaves Pos alone while it is
	// set.
	AdvancingPos bool
}

// free reports whether this slot holds no backend.
func (c *BackendCursor) free() bool {
	return c.PID == InvalidPID
}
