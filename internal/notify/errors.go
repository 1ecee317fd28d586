package notify

import "errors"

// Sentinel errors surfaced to the SQL-layer-facing API (spec §7).
var (
	// ErrInvalidParameter is returned by Notify for an empty or too-long
	// channel name, or a too-long payload.
	ErrInvalidParameter = errors.New("notify: invalid parameter")

	// ErrQueueFull is returned at pre-commit when the queue has grown to
	// max_queue_pages without a lagging listener draining it. The caller's
	// transaction must roll back.
	ErrQueueFull = errors.New("notify: queue full")

	// ErrPagedLog wraps a failure from the paged-log collaborator during
	// pre-commit. Handled identically to ErrQueueFull by callers.
	ErrPagedLog = errors.New("notify: paged log error")

	// ErrPrepareNotSupported is returned by AtPrepare when the transaction
	// has pending LISTEN/UNLISTEN/NOTIFY actions.
	ErrPrepareNotSupported = errors.New("notify: prepared transactions cannot LISTEN, UNLISTEN, or NOTIFY")

	// ErrParallelWorkerNotAllowed is returned by Notify when called from a
	// backend marked as a parallel worker.
	ErrParallelWorkerNotAllowed = errors.New("notify: NOTIFY is not allowed from a parallel worker")

	// ErrBackendGone is returned when an operation targets a backend slot
	// that has already deregistered.
	ErrBackendGone = errors.New("notify: backend is no longer registered")

	// ErrTooManyBackends is returned by RegisterBackend when the cursor
	// table is at max_backends capacity.
	ErrTooManyBackends = errors.New("notify: backend slot table is full")
)
