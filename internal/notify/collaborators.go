package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// XidManager is the out-of-process collaborator that assigns the
// transaction id stamped on each queued entry and answers the
// visibility questions the reader needs to gate delivery on: whether a
// given xid is still in progress, or resolved committed (spec §4.3 step
// 4b, §6). Invariant 7 and the "never deliver uncommitted messages"
// guarantee both depend on these predicates being accurate, so xid is
// not an opaque tracing tag here — its resolved status is load-bearing.
//
// MarkCommitted and MarkAborted are the write side of the same
// contract: only Engine.Commit/Engine.Abort call them, exactly once per
// xid that PreCommit actually allocated.
type XidManager interface {
	// NextXID returns a new transaction id, called once per PreCommit
	// that writes at least one entry. The returned xid is in progress
	// until a matching MarkCommitted or MarkAborted call resolves it.
	NextXID() uint64

	// CurrentXID returns the highest xid issued so far.
	CurrentXID() uint64

	// XidInProgress reports whether xid has been issued but not yet
	// resolved by MarkCommitted or MarkAborted.
	XidInProgress(xid uint64) bool

	// XidCommitted reports whether xid resolved committed. False for
	// both in-progress and aborted xids.
	XidCommitted(xid uint64) bool

	// MarkCommitted and MarkAborted record xid's final resolution.
	MarkCommitted(xid uint64)
	MarkAborted(xid uint64)
}

// xidStatus is a CLOG-style transaction status. The zero value is
// xidInProgress so that an xid nothing has written yet (including one
// this table has simply never heard of) reads as in-progress rather than
// committed — the conservative default a reader should see.
type xidStatus int

const (
	xidInProgress xidStatus = iota
	xidCommitted
	xidAborted
)

// txnStatusTable is the in-memory production XidManager: a monotonic
// counter plus a CLOG-style status map, mirroring the way Postgres
// itself separates xid assignment from commit/abort visibility instead
// of folding transaction outcome into the queue entries themselves.
// Grounded on spec.md §4.3's xid-gated reader and §6's XidManager
// collaborator description; sync/atomic for the counter and a
// sync.Mutex-guarded map for the status table are the idiomatic stdlib
// tools here — no example repo in the corpus models a commit-log, so
// there is no third-party library to ground this on instead.
type txnStatusTable struct {
	next atomic.Uint64

	mu     sync.Mutex
	status map[uint64]xidStatus
}

func newTxnStatusTable() *txnStatusTable {
	return &txnStatusTable{status: make(map[uint64]xidStatus)}
}

func (t *txnStatusTable) NextXID() uint64 {
	xid := t.next.Add(1)
	t.mu.Lock()
	t.status[xid] = xidInProgress
	t.mu.Unlock()
	return xid
}

func (t *txnStatusTable) CurrentXID() uint64 {
	return t.next.Load()
}

func (t *txnStatusTable) XidInProgress(xid uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[xid] == xidInProgress
}

func (t *txnStatusTable) XidCommitted(xid uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[xid] == xidCommitted
}

func (t *txnStatusTable) MarkCommitted(xid uint64) {
	t.mu.Lock()
	t.status[xid] = xidCommitted
	t.mu.Unlock()
}

func (t *txnStatusTable) MarkAborted(xid uint64) {
	t.mu.Lock()
	t.status[xid] = xidAborted
	t.mu.Unlock()
}

// HeavyweightLockManager is the out-of-process collaborator providing
// the writer-mutex: a cluster-wide, transaction-scoped mutual exclusion
// lock held by at most one backend's pre-commit writer at a time,
// released automatically at transaction end (spec §4.2/§5). The
// production Postgres-backed implementation lives in
// internal/postgres/advisorylock.go and is wired in by cmd/notifyd when
// postgres.enabled is set in its config; the in-memory default below
// backs single-process and test use.
type HeavyweightLockManager interface {
	// Acquire blocks until the writer-mutex is held for txn, or ctx is
	// done. The caller must call the returned release func exactly once,
	// at transaction end, to release it.
	Acquire(ctx context.Context, txn *Txn) (release func(), err error)
}

// memHeavyweightLockManager is a single in-process mutex standing in for
// the cluster-wide advisory lock: correct for the single-process
// translation this module targets, where all "backends" share one
// address space and therefore one mutex already serializes them exactly
// as a cluster-wide lock would serialize real OS processes.
type memHeavyweightLockManager struct {
	mu sync.Mutex
}

func newMemHeavyweightLockManager() *memHeavyweightLockManager {
	return &memHeavyweightLockManager{}
}

func (m *memHeavyweightLockManager) Acquire(ctx context.Context, _ *Txn) (func(), error) {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return m.mu.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; m.mu.Unlock() }()
		return nil, ctx.Err()
	}
}

// SignalSender is the out-of-process collaborator that wakes a sleeping
// backend (spec §4.6's "signal" step). In the real engine this is an OS
// signal to a process; in this translation it is a best-effort notify on
// the target Backend's wake channel.
type SignalSender interface {
	Signal(pid int32)
}

// engineSignalSender delivers wakeups directly against the Engine's live
// backend table, so Signal is cheap and never blocks: a full wake
// channel means the target is already scheduled to notice the pending
// flag on its own, matching spec.md §4.6's note that signals are a
// liveness optimization, not a correctness requirement (a missed signal
// is recovered by the next drain's ControlBlock check).
type engineSignalSender struct {
	engine *Engine
}

func (s *engineSignalSender) Signal(pid int32) {
	s.engine.backendsMu.RLock()
	b, ok := s.engine.backends[pid]
	s.engine.backendsMu.RUnlock()
	if !ok {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// FrontendSink is the out-of-process collaborator delivering a decoded
// notification to whatever is speaking the wire protocol on a backend's
// behalf (an HTTP SSE stream, in this translation). Delivery is
// best-effort and MUST NOT block the drain loop: a notification for a
// slow or absent consumer is dropped, not waited for, mirroring the real
// engine's bounded per-backend notify buffer. NewEngine installs no drop
// callback, so dropped notifications are not counted.
type FrontendSink interface {
	Deliver(pid int32, n Notification)
}

// chanFrontendSink fans delivered notifications out over a buffered
// channel per backend, non-blocking on a full buffer. Grounded on
// internal/postgres/events.go's buffered-channel-with-drop delivery
// pattern for LISTEN/NOTIFY fan-out to HTTP consumers.
type chanFrontendSink struct {
	mu   sync.RWMutex
	subs map[int32]chan Notification
	cap  int

	onDrop func(pid int32, n Notification)
}

func newChanFrontendSink(bufferSize int) *chanFrontendSink {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &chanFrontendSink{
		subs: make(map[int32]chan Notification),
		cap:  bufferSize,
	}
}

// open registers a delivery channel for pid, replacing any previous one.
func (s *chanFrontendSink) open(pid int32) <-chan Notification {
	ch := make(chan Notification, s.cap)
	s.mu.Lock()
	s.subs[pid] = ch
	s.mu.Unlock()
	return ch
}

// close deregisters pid's delivery channel.
func (s *chanFrontendSink) close(pid int32) {
	s.mu.Lock()
	ch, ok := s.subs[pid]
	delete(s.subs, pid)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *chanFrontendSink) Deliver(pid int32, n Notification) {
	s.mu.RLock()
	ch, ok := s.subs[pid]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- n:
	default:
		if s.onDrop != nil {
			s.onDrop(pid, n)
		}
	}
}
