package notify

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// AdvanceTail recomputes cb.Tail as the minimum cursor position across
// every registered backend (or the current head if none are registered)
// and, once the new tail crosses a Config.SegmentSize page boundary,
// asks the paged log to discard everything before it (spec §4.7). It
// also throttles a queue-usage-high warning to at most once per
// Config.WarnInterval, matching the real engine's log-spam guard.
func (e *Engine) AdvanceTail() {
	e.tailMu.Lock()
	defer e.tailMu.Unlock()

	e.queueMu.Lock()
	newTail := e.cb.Head
	minPID := InvalidPID
	for i := range e.cursors {
		if e.cursors[i].free() {
			continue
		}
		if e.cursors[i].Pos.Less(newTail) {
			newTail = e.cursors[i].Pos
			minPID = e.cursors[i].PID
		}
	}
	prevTail := e.cb.Tail
	e.cb.Tail = newTail
	usage := uint64(0)
	if e.cb.Head.Page > newTail.Page {
		usage = e.cb.Head.Page - newTail.Page
	}
	warn := false
	if usage*2 >= e.cfg.MaxQueuePages && time.Since(e.cb.LastWarnAt) >= e.cfg.WarnInterval {
		e.cb.LastWarnAt = time.Now()
		warn = true
	}
	e.queueMu.Unlock()

	if warn {
		e.log.Warn("notify: queue usage high", "pages", usage, "max_queue_pages", e.cfg.MaxQueuePages, "min_cursor_pid", minPID)
	}

	if newTail.Page <= prevTail.Page {
		return
	}
	prevSegment := prevTail.Page / e.cfg.SegmentSize
	newSegment := newTail.Page / e.cfg.SegmentSize
	if newSegment <= prevSegment {
		return
	}
	truncateTo := newSegment * e.cfg.SegmentSize
	if err := e.pagelog.TruncateBefore(truncateTo); err != nil {
		e.log.Warn("notify: tail truncation failed", "error", err)
		return
	}
	if e.cfg.TraceNotify {
		e.log.Debug("notify: tail advanced", "tail_page", newTail.Page, "truncated_before", truncateTo)
	}
}

// StartHousekeeping runs AdvanceTail on a fixed schedule until ctx is
// done or the returned stop func is called; stop returns once any
// running AdvanceTail has finished. Re-homes the
// periodic-job pattern used elsewhere in this codebase for scheduled
// background work, here driving queue reclamation instead of pipeline
// runs.
func (e *Engine) StartHousekeeping(ctx context.Context, spec string) (stop func(), err error) {
	if spec == "" {
		spec = "@every 1s"
	}
	c := cron.New()
	_, err = c.AddFunc(spec, e.AdvanceTail)
	if err != nil {
		return nil, err
	}
	c.Start()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
