package notify

import "time"

// PageSize is the fixed size of a queue page, in bytes. 8KiB matches the
// typical disk-page-sized buffer the real engine this is modeled on uses.
const PageSize = 8192

// entryAlignment is the byte alignment every encoded QueueEntry (including
// dummy padding entries) is rounded up to. PageSize must be a multiple of
// it so that page slack is always itself a multiple of entryAlignment,
// which keeps MinEntrySize reachable exactly at the end of a page.
const entryAlignment = 8

// MinEntrySize is the smallest possible encoded entry: a dummy padding
// entry carrying just the two fixed header fields.
const MinEntrySize = 8

// MaxChannelLen bounds a channel name including its terminating NUL, so
// a name may be at most MaxChannelLen-1 bytes.
const MaxChannelLen = 64

// MaxPayloadLen bounds a notification payload including its terminating
// NUL, so a payload may be at most MaxPayloadLen-1 bytes. Sized to leave
// room in a page for the fixed header, the channel, and bookkeeping slack.
const MaxPayloadLen = PageSize - MaxChannelLen - 128

// InvalidSlot marks an unused BackendCursor slot or list-terminal link.
const InvalidSlot = -1

// InvalidPID marks a cursor slot with no backend attached.
const InvalidPID = int32(-1)

// InvalidDBOID is never a real database id; it marks padding entries.
const InvalidDBOID = uint32(0)

// Config carries the tunable parameters enumerated in spec §6.
type Config struct {
	// MaxQueuePages bounds (head.page - tail.page); crossing it fails the
	// pre-commit writer with ErrQueueFull. Default 1,048,576 (8KiB pages ->
	// 8GiB of outstanding messages).
	MaxQueuePages uint64

	// NotifyBuffers is the number of page banks backing the in-memory
	// paged log. Must exceed CleanupInterval or cache thrash defeats the
	// point of batching tail-advance attempts.
	NotifyBuffers int

	// MaxBackends bounds the size of the cursor table (and therefore how
	// many concurrent LISTEN-ing sessions the engine can hold at once).
	MaxBackends int

	// TraceNotify enables structured slog.Debug tracing of enqueue,
	// signal, and drain operations.
	TraceNotify bool

	// CleanupInterval is the number of pages between tail-advance
	// attempts. Spec default: 4.
	CleanupInterval uint64

	// WarnInterval throttles the queue-usage-high warning. Spec default:
	// 5000ms.
	WarnInterval time.Duration

	// MinHashableNotifies is the per-transaction notify count at which a
	// dedup hash is built. Spec default: 16.
	MinHashableNotifies int

	// SegmentSize is the paged-log collaborator's truncation granularity:
	// tail-advance only calls TruncateBefore when the floor(tail.page,
	// SegmentSize) crosses a boundary.
	SegmentSize uint64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueuePages:       1 << 20,
		NotifyBuffers:       64,
		MaxBackends:         1024,
		TraceNotify:         false,
		CleanupInterval:     4,
		WarnInterval:        5000 * time.Millisecond,
		MinHashableNotifies: 16,
		SegmentSize:         16,
	}
}
