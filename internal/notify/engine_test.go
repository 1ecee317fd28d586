package notify_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratnotify/notifyd/internal/notify"
)

func drainAndCollect(t *testing.T, engine *notify.Engine, b *notify.Backend, pid int32, want int) []notify.Notification {
	t.Helper()
	require.NoError(t, engine.DrainNotifications(pid))

	var got []notify.Notification
	deadline := time.After(time.Second)
	for len(got) < want {
		select {
		case n := <-b.Notifications():
			got = append(got, n)
		case <-deadline:
			t.Fatalf("timed out waiting for %d notifications, got %d", want, len(got))
		}
	}
	return got
}

func TestEngine_ListenThenNotify_DeliversToListener(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	notifier, err := engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("widget_updated"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "widget_updated", "payload-1"))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	got := drainAndCollect(t, engine, listener, 1, 1)
	assert.Equal(t, "widget_updated", got[0].Channel)
	assert.Equal(t, "payload-1", got[0].Payload)
	assert.Equal(t, int32(2), got[0].PID)
}

func TestEngine_SelfNotify_BackendReceivesItsOwnNotify(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	b, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("self_channel"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "self_channel", "echo"))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	got := drainAndCollect(t, engine, b, 1, 1)
	assert.Equal(t, int32(1), got[0].PID)
}

func TestEngine_NotifyWithoutListen_NotDelivered(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	// Never LISTEN on anything.
	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "unheard_channel", "x"))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	require.NoError(t, engine.DrainNotifications(1))
	select {
	case n := <-listener.Notifications():
		t.Fatalf("unexpected delivery: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_UnlistenAll_StopsDelivery(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("chan_a"))
	require.NoError(t, ltxn.Listen("chan_b"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	utxn, err := engine.Begin(1)
	require.NoError(t, err)
	utxn.UnlistenAll()
	require.NoError(t, engine.PreCommit(context.Background(), utxn))
	engine.Commit(utxn)

	channels, err := engine.ListeningChannels(1, 1)
	require.NoError(t, err)
	assert.Empty(t, channels)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "chan_a", "x"))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	require.NoError(t, engine.DrainNotifications(1))
	select {
	case n := <-listener.Notifications():
		t.Fatalf("unexpected delivery after UnlistenAll: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTxn_Notify_SameTransactionDuplicateSuppressed(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("dup_channel"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "dup_channel", "same-payload"))
	require.NoError(t, ntxn.Notify(engine.Config(), "dup_channel", "same-payload"))
	require.NoError(t, ntxn.Notify(engine.Config(), "dup_channel", "different-payload"))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	got := drainAndCollect(t, engine, listener, 1, 2)
	payloads := []string{got[0].Payload, got[1].Payload}
	assert.ElementsMatch(t, []string{"same-payload", "different-payload"}, payloads)
}

func TestTxn_Notify_DuplicateSuppressionAboveHashThreshold(t *testing.T) {
	cfg := notify.DefaultConfig()
	cfg.MinHashableNotifies = 2
	engine := notify.NewEngine(cfg)

	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("c1"))
	require.NoError(t, ltxn.Listen("c2"))
	require.NoError(t, ltxn.Listen("c3"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(cfg, "c1", "p1"))
	require.NoError(t, ntxn.Notify(cfg, "c2", "p2"))
	// Crosses MinHashableNotifies=2 here; hashing path now active.
	require.NoError(t, ntxn.Notify(cfg, "c1", "p1"))
	require.NoError(t, ntxn.Notify(cfg, "c3", "p3"))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	got := drainAndCollect(t, engine, listener, 1, 3)
	channels := []string{got[0].Channel, got[1].Channel, got[2].Channel}
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, channels)
}

func TestTxn_Notify_ParallelWorkerRejected(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	_, err := engine.RegisterBackend(1, 1, true)
	require.NoError(t, err)

	txn, err := engine.Begin(1)
	require.NoError(t, err)

	err = txn.Notify(engine.Config(), "chan", "payload")
	assert.ErrorIs(t, err, notify.ErrParallelWorkerNotAllowed)
}

func TestTxn_Notify_ChannelTooLongRejected(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	txn, err := engine.Begin(1)
	require.NoError(t, err)

	tooLong := strings.Repeat("x", notify.MaxChannelLen+1)
	err = txn.Notify(engine.Config(), tooLong, "payload")
	assert.ErrorIs(t, err, notify.ErrInvalidParameter)
}

func TestTxn_Notify_PayloadTooLongRejected(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	txn, err := engine.Begin(1)
	require.NoError(t, err)

	tooLong := strings.Repeat("y", notify.MaxPayloadLen+1)
	err = txn.Notify(engine.Config(), "chan", tooLong)
	assert.ErrorIs(t, err, notify.ErrInvalidParameter)
}

func TestEngine_Abort_DiscardsPendingNotify(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())

	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("aborted_channel"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "aborted_channel", "never-arrives"))
	engine.Abort(ntxn)

	require.NoError(t, engine.DrainNotifications(1))
	select {
	case n := <-listener.Notifications():
		t.Fatalf("unexpected delivery from aborted transaction: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_AtPrepare_RejectsTransactionWithPendingActions(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	txn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, txn.Listen("chan"))

	assert.ErrorIs(t, engine.AtPrepare(txn), notify.ErrPrepareNotSupported)
}

func TestEngine_AtPrepare_AllowsEmptyTransaction(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	txn, err := engine.Begin(1)
	require.NoError(t, err)
	assert.NoError(t, engine.AtPrepare(txn))
}

func TestEngine_RegisterBackend_TooManyBackends(t *testing.T) {
	cfg := notify.DefaultConfig()
	cfg.MaxBackends = 2
	engine := notify.NewEngine(cfg)

	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	_, err = engine.RegisterBackend(3, 1, false)
	assert.ErrorIs(t, err, notify.ErrTooManyBackends)
}

func TestEngine_DeregisterBackend_FreesSlotForReuse(t *testing.T) {
	cfg := notify.DefaultConfig()
	cfg.MaxBackends = 1
	engine := notify.NewEngine(cfg)

	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	engine.DeregisterBackend(1)
	assert.Equal(t, 0, engine.BackendCount())

	_, err = engine.RegisterBackend(2, 1, false)
	assert.NoError(t, err)
}

func TestEngine_DeregisterBackend_IdempotentAndGoneAfter(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	engine.DeregisterBackend(1)
	engine.DeregisterBackend(1) // must not panic

	_, err = engine.Begin(1)
	assert.ErrorIs(t, err, notify.ErrBackendGone)
}

func TestEngine_ListeningChannels_ExcludesUncommittedPending(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)

	txn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, txn.Listen("not_yet_committed"))

	channels, err := engine.ListeningChannels(1, 1)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestEngine_QueueUsage_GrowsAfterNotify(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	before := engine.QueueUsage()

	_, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("grows_queue"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	// Two maximum-size payloads cannot share a page, so the second entry
	// starts page 1, guaranteeing QueueUsage (head.page - tail.page)
	// actually moves.
	big := strings.Repeat("z", notify.MaxPayloadLen-1)
	big2 := strings.Repeat("y", notify.MaxPayloadLen-1)
	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "grows_queue", big))
	require.NoError(t, ntxn.Notify(engine.Config(), "grows_queue", big2))
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	assert.Greater(t, engine.QueueUsage(), before)
}

func TestEngine_MultipleSubtransactions_AbortSubDiscardsOnlyThatFrame(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("sub_channel"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, ntxn.Notify(engine.Config(), "sub_channel", "outer"))
	ntxn.BeginSub()
	require.NoError(t, ntxn.Notify(engine.Config(), "sub_channel", "rolled-back"))
	ntxn.AbortSub()
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	got := drainAndCollect(t, engine, listener, 1, 1)
	assert.Equal(t, "outer", got[0].Payload)
}

func TestEngine_MultipleSubtransactions_CommitSubMergesIntoParent(t *testing.T) {
	engine := notify.NewEngine(notify.DefaultConfig())
	listener, err := engine.RegisterBackend(1, 1, false)
	require.NoError(t, err)
	_, err = engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)

	ltxn, err := engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, ltxn.Listen("sub_channel_2"))
	require.NoError(t, engine.PreCommit(context.Background(), ltxn))
	engine.Commit(ltxn)

	ntxn, err := engine.Begin(2)
	require.NoError(t, err)
	ntxn.BeginSub()
	require.NoError(t, ntxn.Notify(engine.Config(), "sub_channel_2", "from-sub"))
	ntxn.CommitSub()
	require.NoError(t, engine.PreCommit(context.Background(), ntxn))
	engine.Commit(ntxn)

	got := drainAndCollect(t, engine, listener, 1, 1)
	assert.Equal(t, "from-sub", got[0].Payload)
}
