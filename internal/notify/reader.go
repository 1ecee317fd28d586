package notify

import "fmt"

// DrainNotifications scans pid's backend forward from its current cursor
// to the queue head, decoding every entry it crosses (spec §4.3). Per
// entry it checks the writing transaction's xid against the XidManager:
// if still in progress, the scan stops and the cursor is left at the
// start of that entry so the next drain retries it once the writer
// resolves; if committed, the entry is delivered when its channel is in
// the local subscription set; if aborted, it is skipped. The cursor is
// advanced to wherever the scan stopped on every exit path, including
// error returns, via defer — a backend must never silently stop making
// progress just because one drain call failed.
func (e *Engine) DrainNotifications(pid int32) error {
	b, err := e.lookupBackend(pid)
	if err != nil {
		return err
	}

	b.mu.Lock()
	listening := make(map[string]struct{}, len(b.listening))
	for ch := range b.listening {
		listening[ch] = struct{}{}
	}
	b.mu.Unlock()

	e.queueMu.Lock()
	pos := e.cursors[b.slot].Pos
	head := e.cb.Head
	dboid := e.cursors[b.slot].DBOID
	e.cursors[b.slot].AdvancingPos = true
	e.queueMu.Unlock()

	var drainErr error
	defer func() {
		e.queueMu.Lock()
		e.cursors[b.slot].Pos = pos
		e.cursors[b.slot].WakeupPending = false
		e.cursors[b.slot].AdvancingPos = false
		e.queueMu.Unlock()
	}()

scan:
	for pos.Page < head.Page || (pos.Page == head.Page && pos.Offset < head.Offset) {
		pin, perr := e.pagelog.ReadPin(pos.Page)
		if perr != nil {
			drainErr = fmt.Errorf("%w: %v", ErrPagedLog, perr)
			return drainErr
		}
		page := pin.Bytes()

		for pos.Offset < PageSize {
			if pos.Page == head.Page && pos.Offset >= head.Offset {
				break
			}
			entryPos := pos
			entry, n, derr := decodeEntry(page[pos.Offset:])
			if derr != nil {
				pin.Unpin()
				drainErr = fmt.Errorf("%w: %v", ErrPagedLog, derr)
				return drainErr
			}

			if !entry.IsDummy() && entry.DBOID == dboid {
				switch {
				case e.xid.XidInProgress(entry.XID):
					// The writer hasn't resolved yet. Roll the cursor
					// back to the start of this entry and stop; the
					// next drain re-checks it.
					pos = entryPos
					pin.Unpin()
					break scan
				case e.xid.XidCommitted(entry.XID):
					if _, ok := listening[entry.Channel]; ok {
						e.frontend.Deliver(pid, Notification{
							Channel: entry.Channel,
							Payload: entry.Payload,
							PID:     entry.PID,
						})
					}
				default:
					// Aborted: skip delivery, still advance past it.
				}
			}
			pos.Offset += uint32(n)
		}
		pin.Unpin()

		if pos.Offset >= PageSize {
			pos = QueuePosition{Page: pos.Page + 1, Offset: 0}
		}
	}

	if e.cfg.TraceNotify {
		e.log.Debug("notify: drain complete", "pid", pid, "page", pos.Page, "offset", pos.Offset)
	}
	return nil
}
