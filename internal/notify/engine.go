package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Notification is one decoded message delivered to a listening backend:
// the channel it arrived on, the payload, and the originating backend's
// pid (spec §6, "self-notify" included per invariant).
type Notification struct {
	Channel string
	Payload string
	PID     int32
}

// Backend is the persistent, cross-transaction session state for one
// connected client (spec §3 calls this a "backend" after the process
// this engine's design is modeled on). A Backend is registered once via
// Engine.RegisterBackend and reused across many transactions.
type Backend struct {
	pid   int32
	dboid uint32
	slot  int

	isParallelWorker bool

	wake chan struct{}

	mu            sync.Mutex
	txn           *Txn
	listening     map[string]struct{}
	notifications <-chan Notification
}

// Notifications returns the channel deliveries matching this backend's
// LISTEN set arrive on, populated by the engine's drain loop. Consumers
// (an SSE handler, a library-level event bus) range over this channel
// after pairing each receive with a call to Engine.DrainNotifications or
// by reading it directly — the channel is fed purely from
// Engine.DrainNotifications calls (there is no independent delivery
// path).
func (b *Backend) Notifications() <-chan Notification {
	return b.notifications
}

// PID returns the backend's identifier.
func (b *Backend) PID() int32 { return b.pid }

// Engine is the single struct holding all translated "shared memory"
// state: the control block, the cursor table, the channel registry, and
// the (possibly out-of-process) collaborators. Callers construct exactly
// one Engine at startup and thread it through explicitly; there is no
// package-level singleton (spec.md §9's design note).
type Engine struct {
	cfg Config

	// queueMu is the queue-lock: guards cb.Head, cb.StopPage, and the
	// cursor table's Pos/WakeupPending/AdvancingPos fields.
	queueMu sync.RWMutex
	cb      ControlBlock
	cursors []BackendCursor

	// tailMu is the tail-lock: serializes tail-advance computation and
	// the resulting cb.Tail update. Acquired after queueMu is released,
	// never while holding it, per the lock order in spec §5.
	tailMu sync.Mutex

	backendsMu sync.RWMutex
	backends   map[int32]*Backend

	registry *channelRegistry

	pagelog  PagedLog
	xid      XidManager
	hwlock   HeavyweightLockManager
	signaler SignalSender
	frontend *chanFrontendSink

	log *slog.Logger

	nextPage uint64 // StopPage mirror, advanced only by the writer under queueMu

	lastAdvancePage uint64 // nextPage value as of the last AdvanceTail trigger; guarded by queueMu
}

// EngineOption customizes NewEngine's collaborator wiring. The zero value
// of Engine always uses the in-memory production defaults; options let
// callers (cmd/notifyd) substitute a Postgres-backed
// HeavyweightLockManager or a custom logger.
type EngineOption func(*Engine)

// WithHeavyweightLockManager overrides the default in-process writer-mutex
// with a cluster-wide implementation (e.g. Postgres advisory locks).
func WithHeavyweightLockManager(m HeavyweightLockManager) EngineOption {
	return func(e *Engine) { e.hwlock = m }
}

// WithLogger overrides the engine's structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithXidManager overrides the default monotonic transaction-id source.
func WithXidManager(m XidManager) EngineOption {
	return func(e *Engine) { e.xid = m }
}

// NewEngine constructs an Engine ready to accept backends. cfg should
// normally be notify.DefaultConfig(), adjusted as needed.
func NewEngine(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:      cfg,
		cursors:  make([]BackendCursor, cfg.MaxBackends),
		backends: make(map[int32]*Backend),
		registry: newChannelRegistry(),
		pagelog:  newMemPagedLog(cfg.NotifyBuffers),
		xid:      newTxnStatusTable(),
		hwlock:   newMemHeavyweightLockManager(),
		frontend: newChanFrontendSink(cfg.NotifyBuffers),
		log:      slog.Default(),
	}
	e.signaler = &engineSignalSender{engine: e}
	for i := range e.cursors {
		e.cursors[i].PID = InvalidPID
	}
	if err := e.pagelog.ZeroNewPage(0); err != nil {
		panic(fmt.Sprintf("notify: failed to allocate initial page: %v", err))
	}
	e.nextPage = 1
	e.cb.StopPage = 1
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterBackend allocates a cursor slot for a new session. Its
// starting position is the furthest position held by any other backend
// registered in the same database, or the current head when there is
// none. Starting at a peer's position keeps the new backend behind
// entries that no same-database peer has read yet, while skipping the
// backlog those peers have already read; the choice is deliberately
// imprecise, since a peer that has already read past an entry moves the
// new backend past it too.
func (e *Engine) RegisterBackend(pid int32, dboid uint32, isParallelWorker bool) (*Backend, error) {
	e.queueMu.Lock()
	slot := InvalidSlot
	for i := range e.cursors {
		if e.cursors[i].free() {
			slot = i
			break
		}
	}
	if slot == InvalidSlot {
		e.queueMu.Unlock()
		return nil, ErrTooManyBackends
	}

	start := e.cb.Head
	havePeer := false
	for i := range e.cursors {
		if e.cursors[i].free() || e.cursors[i].DBOID != dboid {
			continue
		}
		if !havePeer || start.Less(e.cursors[i].Pos) {
			start = e.cursors[i].Pos
			havePeer = true
		}
	}

	e.cursors[slot] = BackendCursor{
		PID:   pid,
		DBOID: dboid,
		Pos:   start,
	}
	e.queueMu.Unlock()

	b := &Backend{
		pid:              pid,
		dboid:            dboid,
		slot:             slot,
		isParallelWorker: isParallelWorker,
		wake:             make(chan struct{}, 1),
		listening:        make(map[string]struct{}),
	}
	e.backendsMu.Lock()
	e.backends[pid] = b
	e.backendsMu.Unlock()
	b.notifications = e.frontend.open(pid)

	if e.cfg.TraceNotify {
		e.log.Debug("notify: backend registered", "pid", pid, "dboid", dboid, "slot", slot, "start_page", start.Page, "start_offset", start.Offset)
	}
	return b, nil
}

// DeregisterBackend releases pid's cursor slot and channel subscriptions,
// and closes its delivery channel. Safe to call more than once.
func (e *Engine) DeregisterBackend(pid int32) {
	e.backendsMu.Lock()
	b, ok := e.backends[pid]
	if ok {
		delete(e.backends, pid)
	}
	e.backendsMu.Unlock()
	if !ok {
		return
	}

	e.registry.removeAll(b.slot)

	e.queueMu.Lock()
	e.cursors[b.slot] = BackendCursor{PID: InvalidPID}
	e.queueMu.Unlock()

	e.frontend.close(pid)

	if e.cfg.TraceNotify {
		e.log.Debug("notify: backend deregistered", "pid", pid)
	}
}

func (e *Engine) lookupBackend(pid int32) (*Backend, error) {
	e.backendsMu.RLock()
	b, ok := e.backends[pid]
	e.backendsMu.RUnlock()
	if !ok {
		return nil, ErrBackendGone
	}
	return b, nil
}

// Backend returns pid's registered Backend, for callers (an SSE handler)
// that need direct access to OnNotifyInterrupt/Notifications outside of a
// transaction.
func (e *Engine) Backend(pid int32) (*Backend, error) {
	return e.lookupBackend(pid)
}

// Begin starts a new transaction on pid's backend, returning the Txn
// used to accumulate LISTEN/UNLISTEN/NOTIFY actions before commit. A
// backend may only have one open transaction at a time; calling Begin
// again before Commit/Abort replaces the prior (uncommitted) Txn, matching
// the real engine's per-backend single-transaction model.
func (e *Engine) Begin(pid int32) (*Txn, error) {
	b, err := e.lookupBackend(pid)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txn = newTxn(b)
	return b.txn, nil
}

// Listen validates channel and records a pending LISTEN on it; applying
// it at commit is a no-op for a channel the backend already listens on.
func (t *Txn) Listen(channel string) error {
	if err := validateChannel(channel); err != nil {
		return err
	}
	t.recordListen(channel)
	return nil
}

// Unlisten records a pending UNLISTEN on channel.
func (t *Txn) Unlisten(channel string) error {
	if err := validateChannel(channel); err != nil {
		return err
	}
	t.recordUnlisten(channel)
	return nil
}

// UnlistenAll records a pending UNLISTEN * (every channel the backend
// currently listens on, plus anything pending-LISTEN'd this transaction).
func (t *Txn) UnlistenAll() {
	t.recordUnlistenAll()
}

// Notify records a pending NOTIFY, subject to same-transaction dedup
// (spec §4.5) and to the parallel-worker restriction (spec §7).
func (t *Txn) Notify(cfg Config, channel, payload string) error {
	if t.backend.isParallelWorker {
		return ErrParallelWorkerNotAllowed
	}
	if err := validateChannel(channel); err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return err
	}
	t.recordNotify(cfg, channel, payload)
	return nil
}

// AtPrepare reports whether txn may be PREPARE TRANSACTION'd: the real
// engine refuses to prepare a transaction with pending LISTEN, UNLISTEN,
// or NOTIFY actions, since those actions have effects (listener state,
// queued messages) that a two-phase commit can't cleanly defer (spec §7).
func (e *Engine) AtPrepare(t *Txn) error {
	if len(t.pendingActions()) > 0 || len(t.pendingNotifies()) > 0 {
		return ErrPrepareNotSupported
	}
	return nil
}

// ListeningChannels returns the channels pid is currently (committed-ly)
// listening to in dboid, for introspection (e.g. an HTTP status
// endpoint). It does not include this transaction's uncommitted pending
// LISTENs.
func (e *Engine) ListeningChannels(pid int32, dboid uint32) ([]string, error) {
	b, err := e.lookupBackend(pid)
	if err != nil {
		return nil, err
	}
	return e.registry.channelsOf(dboid, b.slot), nil
}

// Config returns the engine's tunables, for callers (e.g. the library
// event bus facade) that need to pass them on to Txn.Notify.
func (e *Engine) Config() Config {
	return e.cfg
}

// BackendCount reports the number of currently registered backends, for
// introspection endpoints.
func (e *Engine) BackendCount() int {
	e.backendsMu.RLock()
	defer e.backendsMu.RUnlock()
	return len(e.backends)
}

// QueueUsage reports the current queue depth as a fraction in [0,1] of
// Config.MaxQueuePages: (head.page - tail.page) / MaxQueuePages, per
// spec.md §6's queue_usage() definition. The page delta is measured
// against the oldest live cursor's page, i.e. the logical tail — not
// stop_page.
func (e *Engine) QueueUsage() float64 {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.cb.Head.Page <= e.cb.Tail.Page || e.cfg.MaxQueuePages == 0 {
		return 0
	}
	usage := float64(e.cb.Head.Page-e.cb.Tail.Page) / float64(e.cfg.MaxQueuePages)
	if usage > 1 {
		usage = 1
	}
	return usage
}

// OnNotifyInterrupt blocks until pid's wake channel fires or ctx is
// done. Callers (an SSE handler, typically) loop calling this then
// Engine.DrainNotifications.
func (b *Backend) OnNotifyInterrupt(ctx context.Context) error {
	select {
	case <-b.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
