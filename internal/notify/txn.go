package notify

// actionKind distinguishes the three pending-action kinds a transaction
// can accumulate before commit (spec §4.5).
type actionKind int

const (
	actionListen actionKind = iota
	actionUnlisten
	actionUnlistenAll
)

type pendingAction struct {
	kind    actionKind
	channel string // empty for actionUnlistenAll
}

type pendingNotify struct {
	channel string
	payload string
}

// pendingFrame holds one subtransaction level's accumulated actions and
// notifies. A Txn is a stack of frames; BeginSub pushes, CommitSub merges
// the top frame into the one below, AbortSub discards the top frame
// outright (spec §4.5's subtransaction semantics).
type pendingFrame struct {
	actions  []pendingAction
	notifies []pendingNotify
}

// Txn is one backend's in-flight transaction state: the stack of
// pending-action/pending-notify frames accumulated since Begin, plus a
// dedup hash used once the notify count crosses
// Config.MinHashableNotifies (spec §4.5's duplicate-suppression rule:
// within one transaction, re-NOTIFYing the same (channel,payload) is a
// no-op).
type Txn struct {
	backend *Backend
	frames  []*pendingFrame
	seen    map[pendingNotify]struct{} // non-nil once hashing kicks in

	// release, when non-nil, is the writer-mutex release func acquired
	// by Engine.PreCommit. Commit and Abort both call it exactly once.
	release func()

	// hasXID, xid, headBeforeWrite, and headAfterWrite are set by
	// Engine.PreCommit only when it actually wrote entries (i.e. txn had
	// pending notifies), and consumed by Commit/Abort to resolve the
	// assigned xid's status and, on Commit, to drive the post-commit
	// direct-advance decision (spec §4.2/§4.6).
	hasXID          bool
	xid             uint64
	headBeforeWrite QueuePosition
	headAfterWrite  QueuePosition
}

func newTxn(b *Backend) *Txn {
	return &Txn{
		backend: b,
		frames:  []*pendingFrame{{}},
	}
}

func (t *Txn) top() *pendingFrame {
	return t.frames[len(t.frames)-1]
}

// BeginSub pushes a new subtransaction frame (spec §4.5).
func (t *Txn) BeginSub() {
	t.frames = append(t.frames, &pendingFrame{})
}

// CommitSub merges the top frame into its parent. Calling it with only
// the top-level frame present is a programming error and panics, since
// the engine never calls it without a matching BeginSub.
func (t *Txn) CommitSub() {
	n := len(t.frames)
	if n < 2 {
		panic("notify: CommitSub with no open subtransaction")
	}
	top := t.frames[n-1]
	parent := t.frames[n-2]
	parent.actions = append(parent.actions, top.actions...)
	parent.notifies = append(parent.notifies, top.notifies...)
	t.frames = t.frames[:n-1]
}

// AbortSub discards the top frame entirely: any LISTEN/UNLISTEN/NOTIFY
// issued inside the aborted subtransaction has no effect (spec §4.5).
func (t *Txn) AbortSub() {
	n := len(t.frames)
	if n < 2 {
		panic("notify: AbortSub with no open subtransaction")
	}
	t.frames = t.frames[:n-1]
	// The dedup hash may hold the discarded frame's notifies; drop it so
	// recordNotify rebuilds it from the remaining frames.
	t.seen = nil
}

// recordListen appends a pending LISTEN to the current frame.
func (t *Txn) recordListen(channel string) {
	f := t.top()
	f.actions = append(f.actions, pendingAction{kind: actionListen, channel: channel})
}

// recordUnlisten appends a pending UNLISTEN to the current frame.
func (t *Txn) recordUnlisten(channel string) {
	f := t.top()
	f.actions = append(f.actions, pendingAction{kind: actionUnlisten, channel: channel})
}

// recordUnlistenAll appends a pending UNLISTEN * to the current frame.
func (t *Txn) recordUnlistenAll() {
	f := t.top()
	f.actions = append(f.actions, pendingAction{kind: actionUnlistenAll})
}

// recordNotify appends a pending NOTIFY to the current frame, applying
// same-transaction duplicate suppression: by a linear scan while the
// accumulated notify count (across all still-open frames) is below
// cfg.MinHashableNotifies, and through a hash once it reaches it.
// Below that threshold a linear scan is cheaper than building a hash.
func (t *Txn) recordNotify(cfg Config, channel, payload string) {
	n := pendingNotify{channel: channel, payload: payload}

	total := 0
	for _, f := range t.frames {
		total += len(f.notifies)
	}

	if total < cfg.MinHashableNotifies && t.seen == nil {
		for _, f := range t.frames {
			for _, existing := range f.notifies {
				if existing == n {
					return
				}
			}
		}
		t.top().notifies = append(t.top().notifies, n)
		return
	}

	if t.seen == nil {
		t.seen = make(map[pendingNotify]struct{}, total*2)
		for _, f := range t.frames {
			for _, existing := range f.notifies {
				t.seen[existing] = struct{}{}
			}
		}
	}
	if _, dup := t.seen[n]; dup {
		return
	}
	t.seen[n] = struct{}{}
	t.top().notifies = append(t.top().notifies, n)
}

// pendingActions returns all actions across every still-open frame, in
// the order they were recorded (oldest frame first).
func (t *Txn) pendingActions() []pendingAction {
	var out []pendingAction
	for _, f := range t.frames {
		out = append(out, f.actions...)
	}
	return out
}

// pendingNotifies returns all notifies across every still-open frame.
func (t *Txn) pendingNotifies() []pendingNotify {
	var out []pendingNotify
	for _, f := range t.frames {
		out = append(out, f.notifies...)
	}
	return out
}

// reset clears the transaction back to a single empty top-level frame,
// called after the owning backend's transaction ends (commit or abort).
func (t *Txn) reset() {
	t.frames = []*pendingFrame{{}}
	t.seen = nil
	t.hasXID = false
	t.xid = 0
	t.headBeforeWrite = QueuePosition{}
	t.headAfterWrite = QueuePosition{}
}
