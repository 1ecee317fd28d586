// Package postgres — events.go provides a library-facing event bus on
// top of the notify engine. It exists so other ratnotify packages can
// Publish/Subscribe by channel name without depending on notify.Engine's
// backend-registration and transaction API directly.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ratnotify/notifyd/internal/notify"
)

// Event represents a single notification delivered through the engine.
type Event struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// EventBus defines the interface for publishing and subscribing to
// events by channel name. This allows non-engine implementations (e.g.
// in-memory for tests) to stand in for EngineEventBus.
type EventBus interface {
	// Publish sends a notification on the given channel with a JSON payload.
	Publish(ctx context.Context, channel string, payload interface{}) error

	// Subscribe registers a listener for the given channel and returns
	// a read-only channel of events. The caller should call the returned
	// cancel function to unsubscribe and close the channel.
	Subscribe(channel string) (<-chan Event, func())
}

// subscriber holds a single subscriber's delivery channel and done signal.
type subscriber struct {
	ch   chan Event
	done chan struct{} // closed when unsubscribed
}

// engineBusDBOID scopes the library-facing bus to its own notional
// database id, the largest uint32 (0 is notify.InvalidDBOID, which marks
// padding entries that are never delivered). An HTTP client registered
// under the same dboid shares the bus's channel namespace.
const engineBusDBOID uint32 = ^uint32(0)

// EngineEventBus implements EventBus on top of a notify.Engine: it
// registers one internal backend, keeps it LISTEN-ing on every channel a
// caller Subscribes to, and fans the engine's deliveries out to
// per-channel subscriber lists — the same fan-out shape the original
// Postgres-LISTEN-backed bus used, now sourced from in-process engine
// delivery instead of a dedicated LISTEN connection.
type EngineEventBus struct {
	engine  *notify.Engine
	backend *notify.Backend
	pid     int32

	mu          sync.Mutex
	subscribers map[string][]subscriber

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngineEventBus creates an event bus backed by engine, registering a
// dedicated internal backend under pid. Call Start to begin the drain
// loop.
func NewEngineEventBus(engine *notify.Engine, pid int32) (*EngineEventBus, error) {
	backend, err := engine.RegisterBackend(pid, engineBusDBOID, false)
	if err != nil {
		return nil, fmt.Errorf("event bus: register backend: %w", err)
	}
	return &EngineEventBus{
		engine:      engine,
		backend:     backend,
		pid:         pid,
		subscribers: make(map[string][]subscriber),
	}, nil
}

// Start begins the drain loop that turns engine deliveries into Events
// for Subscribe's callers. Runs until ctx is cancelled or Stop is called.
func (eb *EngineEventBus) Start(ctx context.Context) error {
	ctx, eb.cancel = context.WithCancel(ctx)
	eb.done = make(chan struct{})
	go eb.drainLoop(ctx)
	slog.Info("event bus started")
	return nil
}

// Stop cancels the drain loop and deregisters the internal backend.
func (eb *EngineEventBus) Stop() {
	if eb.cancel != nil {
		eb.cancel()
	}
	if eb.done != nil {
		<-eb.done
	}
	eb.engine.DeregisterBackend(eb.pid)
	slog.Info("event bus stopped")
}

// Publish sends a notification on the given channel. The payload is
// JSON-serialized. Uses its own short-lived transaction against engine.
func (eb *EngineEventBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event bus: marshal payload: %w", err)
	}

	txn, err := eb.engine.Begin(eb.pid)
	if err != nil {
		return fmt.Errorf("event bus: begin: %w", err)
	}
	if err := txn.Notify(eb.engine.Config(), channel, string(data)); err != nil {
		eb.engine.Abort(txn)
		return fmt.Errorf("event bus: notify %s: %w", channel, err)
	}
	if err := eb.engine.PreCommit(ctx, txn); err != nil {
		eb.engine.Abort(txn)
		return fmt.Errorf("event bus: precommit %s: %w", channel, err)
	}
	eb.engine.Commit(txn)
	return nil
}

// Subscribe registers a listener for the given channel. Returns a
// read-only event channel and a cancel function. The event channel is
// buffered (16) to avoid blocking the drain loop on slow consumers.
//
// The first subscriber on a channel triggers a LISTEN on the shared
// internal backend.
func (eb *EngineEventBus) Subscribe(channel string) (_ <-chan Event, _ func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := subscriber{
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
	wasEmpty := len(eb.subscribers[channel]) == 0
	eb.subscribers[channel] = append(eb.subscribers[channel], sub)

	if wasEmpty {
		if err := eb.listenOn(channel); err != nil {
			slog.Error("event bus: LISTEN failed", "channel", channel, "error", err)
		}
	}

	cancel := func() {
		close(sub.done)
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.subscribers[channel]
		for i, s := range subs {
			if s.ch == sub.ch {
				eb.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}

	return sub.ch, cancel
}

func (eb *EngineEventBus) listenOn(channel string) error {
	txn, err := eb.engine.Begin(eb.pid)
	if err != nil {
		return err
	}
	if err := txn.Listen(channel); err != nil {
		eb.engine.Abort(txn)
		return err
	}
	eb.engine.Commit(txn)
	return nil
}

// drainLoop waits for the internal backend's wakeups and dispatches
// decoded notifications to subscribers.
func (eb *EngineEventBus) drainLoop(ctx context.Context) {
	defer close(eb.done)

	for {
		if err := eb.backend.OnNotifyInterrupt(ctx); err != nil {
			return
		}
		if err := eb.engine.DrainNotifications(eb.pid); err != nil {
			slog.Error("event bus: drain failed", "error", err)
			continue
		}

		draining := true
		for draining {
			select {
			case n, ok := <-eb.backend.Notifications():
				if !ok {
					return
				}
				eb.dispatch(n)
			default:
				draining = false
			}
		}
	}
}

func (eb *EngineEventBus) dispatch(n notify.Notification) {
	event := Event{
		Channel: n.Channel,
		Payload: json.RawMessage(n.Payload),
	}

	eb.mu.Lock()
	subs := make([]subscriber, len(eb.subscribers[n.Channel]))
	copy(subs, eb.subscribers[n.Channel])
	eb.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.ch <- event:
		default:
			slog.Warn("event bus: subscriber buffer full, dropping event", "channel", n.Channel)
		}
	}
}

// MemoryEventBus is an in-memory EventBus for unit tests. No engine
// required.
type MemoryEventBus struct {
	mu          sync.Mutex
	subscribers map[string][]subscriber
	published   []Event // records all published events for assertions
}

// NewMemoryEventBus creates an in-memory event bus for testing.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subscribers: make(map[string][]subscriber),
	}
}

// Publish delivers the event synchronously to all subscribers.
func (eb *MemoryEventBus) Publish(_ context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory event bus: marshal: %w", err)
	}

	event := Event{
		Channel: channel,
		Payload: json.RawMessage(data),
	}

	eb.mu.Lock()
	eb.published = append(eb.published, event)
	subs := make([]subscriber, len(eb.subscribers[channel]))
	copy(subs, eb.subscribers[channel])
	eb.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.ch <- event:
		default:
		}
	}

	return nil
}

// Subscribe registers a listener for the given channel.
func (eb *MemoryEventBus) Subscribe(channel string) (_ <-chan Event, _ func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := subscriber{
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
	eb.subscribers[channel] = append(eb.subscribers[channel], sub)

	cancel := func() {
		close(sub.done)
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.subscribers[channel]
		for i, s := range subs {
			if s.ch == sub.ch {
				eb.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}

	return sub.ch, cancel
}

// Published returns all events published so far (for test assertions).
func (eb *MemoryEventBus) Published() []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	result := make([]Event, len(eb.published))
	copy(result, eb.published)
	return result
}
