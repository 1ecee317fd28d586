package notify

// signalAfterCommit is the post-commit signal step (spec §4.6), invoked
// once the writer-mutex has been released for a transaction that wrote
// at least one notify. It runs in two passes under queueMu:
//
//  1. For each channel the transaction notified, every listener slot
//     registered on (dboid, channel) with genuine interest is marked
//     wakeup_pending and queued for a signal, unless it is already
//     pending or already caught up to the current head.
//  2. Every other registered cursor, across every database (the queue
//     is shared cluster-wide, so a different database's listener still
//     has to step over pages holding this transaction's entries),
//     either has its position advanced directly past the new entries —
//     when it was exactly caught up to head_before_write and isn't
//     mid-drain — or, if it still has older unread entries of its own,
//     is woken instead of being silently skipped past them.
//
// advancing_pos fences pass 2 against a concurrent drain consuming the
// same cursor: DrainNotifications sets it while it scans without holding
// queueMu and writes its own position back when done, so pass 2 leaves a
// cursor with the flag set where it is rather than advancing it.
func (e *Engine) signalAfterCommit(dboid uint32, notifies []pendingNotify, headBeforeWrite, headAfterWrite QueuePosition) {
	channels := make(map[string]struct{}, len(notifies))
	for _, n := range notifies {
		channels[n.channel] = struct{}{}
	}

	e.queueMu.Lock()

	var toWake []int32

	for channel := range channels {
		for _, slot := range e.registry.listenersOf(dboid, channel) {
			c := &e.cursors[slot]
			if c.WakeupPending || c.Pos == headAfterWrite {
				continue
			}
			c.WakeupPending = true
			toWake = append(toWake, c.PID)
		}
	}

	for i := range e.cursors {
		c := &e.cursors[i]
		if c.free() || c.WakeupPending {
			continue
		}
		switch {
		case c.Pos == headBeforeWrite && !c.AdvancingPos:
			c.Pos = headAfterWrite
		case c.Pos.Less(headBeforeWrite):
			c.WakeupPending = true
			toWake = append(toWake, c.PID)
		}
	}

	e.queueMu.Unlock()

	if e.cfg.TraceNotify {
		e.log.Debug("notify: signal", "dboid", dboid, "channels", len(channels), "woken", len(toWake))
	}
	for _, pid := range toWake {
		e.signaler.Signal(pid)
	}
}
