package runner

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Run is the per-uid object carrying a single streaming session's state.
//
// Every mutation (phase, seq, buffers, timers, socket set) happens under mu,
// which stands in for the single logical executor of the design: adapter
// callbacks, timer callbacks, socket commands and the sweeper all serialize
// through it.
type Run struct {
	uid string

	mu        sync.Mutex
	rid       string
	seq       int64
	phase     Phase
	errReason *string
	startedAt int64

	sockets map[string]Sink

	pending       strings.Builder
	pendingImages []string

	flushTimer   *time.Timer
	timeoutTimer *time.Timer

	// cancel aborts the upstream adapter; nil outside running.
	cancel context.CancelFunc
}

func newRun(uid string) *Run {
	return &Run{
		uid:     uid,
		seq:     -1,
		phase:   PhaseIdle,
		sockets: make(map[string]Sink),
	}
}

func (r *Run) snapshotLocked() Snapshot {
	return Snapshot{
		RID:       r.rid,
		Seq:       r.seq,
		Phase:     r.phase,
		Error:     r.errReason,
		StartedAt: r.startedAt,
	}
}

// stopTimersLocked cancels both one-shots; they are owned by the Run and
// must not survive a state exit.
func (r *Run) stopTimersLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
		r.timeoutTimer = nil
	}
}

func (r *Run) abortLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// socketsLocked returns a copy for iteration; broadcast must tolerate the
// set mutating mid-flight.
func (r *Run) socketsLocked() []Sink {
	out := make([]Sink, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}
