package notify

import (
	"context"
	"fmt"
)

// PreCommit is the pre-commit writer step (spec §4.2): if txn queued any
// NOTIFY messages, it acquires the writer-mutex, allocates an xid (left
// in progress until Commit or Abort resolves it), appends each message's
// encoded entry to the shared queue at the current head, and advances
// the head — all before the caller's surrounding SQL transaction
// actually commits. The writer-mutex is held across this call and
// released by the matching Commit or Abort, never here, so that no
// other backend's writer can interleave entries from a transaction that
// might still roll back.
//
// It also records head_before_write and head_after_write on txn (spec
// §4.2 steps 2 and 4): the signal/direct-advance step run from Commit
// needs both to decide, for each disinterested listener, whether its
// cursor can be moved past this transaction's entries without a wakeup.
//
// If txn has no pending notifies, PreCommit is a no-op and does not
// acquire the writer-mutex at all — matching the real engine's
// optimization of skipping the lock entirely for transactions that never
// called NOTIFY.
func (e *Engine) PreCommit(ctx context.Context, txn *Txn) error {
	notifies := txn.pendingNotifies()
	if len(notifies) == 0 {
		return nil
	}

	release, err := e.hwlock.Acquire(ctx, txn)
	if err != nil {
		return fmt.Errorf("notify: acquiring writer-mutex: %w", err)
	}
	txn.release = release

	xid := e.xid.NextXID()
	txn.xid = xid
	txn.hasXID = true

	e.queueMu.RLock()
	txn.headBeforeWrite = e.cb.Head
	e.queueMu.RUnlock()

	for _, n := range notifies {
		if err := e.appendEntry(xid, txn.backend.dboid, txn.backend.pid, n.channel, n.payload); err != nil {
			return err
		}
	}

	e.queueMu.RLock()
	txn.headAfterWrite = e.cb.Head
	e.queueMu.RUnlock()

	return nil
}

// appendEntry encodes one notification and writes it to the queue at the
// current head, crossing onto freshly zeroed pages as needed and
// advancing cb.Head. Called with the writer-mutex held, which is what
// makes "current head" stable across the read-modify-write despite
// multiple backends potentially calling this concurrently for different,
// not-yet-committed transactions — the writer-mutex is the cluster-wide
// mutual exclusion that serializes them (spec §4.2/§5).
func (e *Engine) appendEntry(xid uint64, dboid uint32, pid int32, channel, payload string) error {
	buf := encodeEntry(dboid, xid, pid, channel, payload)

	for len(buf) > 0 {
		e.queueMu.Lock()
		pos := e.cb.Head
		remaining := PageSize - int(pos.Offset)

		if remaining < MinEntrySize {
			// Pad out the rest of this page with a dummy entry and move
			// to the next one.
			if err := e.ensurePage(pos.Page); err != nil {
				e.queueMu.Unlock()
				return err
			}
			if err := e.writeDummy(pos, remaining); err != nil {
				e.queueMu.Unlock()
				return err
			}
			e.cb.Head = QueuePosition{Page: pos.Page + 1, Offset: 0}
			e.queueMu.Unlock()
			continue
		}

		if err := e.checkQueueBoundLocked(pos.Page); err != nil {
			e.queueMu.Unlock()
			return err
		}
		if err := e.ensurePage(pos.Page); err != nil {
			e.queueMu.Unlock()
			return err
		}

		n := len(buf)
		if n > remaining {
			// The entry doesn't fit in the page's remaining space at
			// all: pad this page with a dummy and retry on the next one.
			// (This happens whenever the page's slack is smaller than
			// the entry, i.e. at every page boundary an entry crosses.)
			if err := e.writeDummy(pos, remaining); err != nil {
				e.queueMu.Unlock()
				return err
			}
			e.cb.Head = QueuePosition{Page: pos.Page + 1, Offset: 0}
			e.queueMu.Unlock()
			continue
		}

		if err := e.writeBytes(pos, buf); err != nil {
			e.queueMu.Unlock()
			return err
		}
		e.cb.Head = QueuePosition{Page: pos.Page, Offset: pos.Offset + uint32(n)}
		e.queueMu.Unlock()
		buf = nil
	}

	if e.cfg.TraceNotify {
		e.log.Debug("notify: entry appended", "xid", xid, "dboid", dboid, "pid", pid, "channel", channel)
	}
	e.maybeAdvanceTail()
	return nil
}

// maybeAdvanceTail triggers AdvanceTail once at least Config.CleanupInterval
// pages have been allocated since the last trigger, spreading the cost of
// tail recomputation across many writes instead of doing it on every one
// (spec §4.7's "cleanup interval" tunable).
func (e *Engine) maybeAdvanceTail() {
	e.queueMu.Lock()
	due := e.nextPage-e.lastAdvancePage >= e.cfg.CleanupInterval
	if due {
		e.lastAdvancePage = e.nextPage
	}
	e.queueMu.Unlock()

	if due {
		e.AdvanceTail()
	}
}

// checkQueueBoundLocked enforces max_queue_pages. Must be called with
// queueMu held.
func (e *Engine) checkQueueBoundLocked(headPage uint64) error {
	if e.cb.Tail.Page > headPage {
		return nil
	}
	if headPage-e.cb.Tail.Page >= e.cfg.MaxQueuePages {
		return fmt.Errorf("%w: head page %d exceeds tail page %d by max_queue_pages (%d)",
			ErrQueueFull, headPage, e.cb.Tail.Page, e.cfg.MaxQueuePages)
	}
	return nil
}

// ensurePage zeroes pageNo via the paged log if it is beyond every page
// allocated so far. Must be called with queueMu held.
func (e *Engine) ensurePage(pageNo uint64) error {
	if pageNo < e.nextPage {
		return nil
	}
	for p := e.nextPage; p <= pageNo; p++ {
		if err := e.pagelog.ZeroNewPage(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPagedLog, err)
		}
	}
	e.nextPage = pageNo + 1
	e.cb.StopPage = e.nextPage
	return nil
}

func (e *Engine) writeBytes(pos QueuePosition, buf []byte) error {
	pin, err := e.pagelog.WritePin(pos.Page)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPagedLog, err)
	}
	defer pin.Unpin()
	page := pin.Bytes()
	copy(page[pos.Offset:], buf)
	pin.MarkDirty()
	return nil
}

func (e *Engine) writeDummy(pos QueuePosition, remaining int) error {
	if remaining <= 0 {
		return nil
	}
	pin, err := e.pagelog.WritePin(pos.Page)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPagedLog, err)
	}
	defer pin.Unpin()
	page := pin.Bytes()
	copy(page[pos.Offset:], encodeDummy(remaining))
	pin.MarkDirty()
	return nil
}

// Commit finalizes txn: it applies every pending LISTEN/UNLISTEN action
// to the channel registry, releases the writer-mutex acquired by
// PreCommit (if any), signals every backend listening on a notified
// channel, and resets the transaction's pending state. Callers invoke
// this after their surrounding SQL transaction has actually committed.
func (e *Engine) Commit(txn *Txn) {
	b := txn.backend

	b.mu.Lock()
	for _, a := range txn.pendingActions() {
		switch a.kind {
		case actionListen:
			e.registry.add(b.dboid, a.channel, b.slot)
			b.listening[a.channel] = struct{}{}
		case actionUnlisten:
			e.registry.remove(b.dboid, a.channel, b.slot)
			delete(b.listening, a.channel)
		case actionUnlistenAll:
			e.registry.removeAll(b.slot)
			b.listening = make(map[string]struct{})
		}
	}
	b.mu.Unlock()

	if txn.release != nil {
		txn.release()
		txn.release = nil
	}

	if txn.hasXID {
		e.xid.MarkCommitted(txn.xid)
	}

	notifies := txn.pendingNotifies()
	if len(notifies) > 0 {
		e.signalAfterCommit(b.dboid, notifies, txn.headBeforeWrite, txn.headAfterWrite)
	}

	txn.reset()
}

// Abort discards txn's pending state without applying any action or
// notify. Callers must only call PreCommit on a transaction that is
// actually about to commit (mirroring the real engine, which runs its
// pre-commit writer from the commit path itself, never from rollback),
// so in the normal case Abort sees txn.release == nil. It still releases
// the writer-mutex defensively if a caller violated that and PreCommit
// ran anyway. If PreCommit did allocate an xid, it is marked aborted so
// readers that already scanned past its in-progress entries know to
// skip them rather than stall forever (spec §4.2's atomicity-on-failure
// note, §4.3 step 4b).
func (e *Engine) Abort(txn *Txn) {
	if txn.release != nil {
		txn.release()
		txn.release = nil
	}
	if txn.hasXID {
		e.xid.MarkAborted(txn.xid)
	}
	txn.reset()
}
