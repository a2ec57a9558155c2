// Package runner implements the per-uid run coordinator: the state machine,
// delta batching and sequencing, the durable short-TTL delta log, and the
// fan-out / replay protocol feeding client sockets.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/planetrenox/sune-proxy/internal/logger"
	"github.com/planetrenox/sune-proxy/internal/providers"
	"github.com/planetrenox/sune-proxy/pkg/types"
)

// Defaults for the batching and lifecycle policy.
const (
	DefaultBatchBytes     = 3400
	DefaultBatchDelay     = 800 * time.Millisecond
	DefaultMaxRunDuration = 9 * time.Minute
	DefaultSweepInterval  = 60 * time.Second
)

// Config tunes the coordinator. Zero values take the defaults above.
type Config struct {
	// BatchBytes is the pending-text size that forces an immediate flush.
	BatchBytes int
	// BatchDelay is the one-shot flush timer armed when the first byte
	// arrives into an empty buffer.
	BatchDelay time.Duration
	// MaxRunDuration is the hard timeout for a running run.
	MaxRunDuration time.Duration
	// SweepInterval paces the defence-in-depth sweeper and KV pruning.
	SweepInterval time.Duration
	// Drive resolves the adapter for a provider name. Defaults to
	// providers.ForProvider; tests inject fakes here.
	Drive func(provider string) providers.DriveFunc
}

func (c Config) withDefaults() Config {
	if c.BatchBytes <= 0 {
		c.BatchBytes = DefaultBatchBytes
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = DefaultMaxRunDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Drive == nil {
		c.Drive = providers.ForProvider
	}
	return c
}

// Coordinator owns the in-memory runs table and drives every run through its
// lifecycle. At most one Run exists per uid, and at most one of them is
// running at a time.
type Coordinator struct {
	cfg      Config
	kv       KV
	deltas   *DeltaLog
	notifier Notifier

	mu   sync.Mutex
	runs map[string]*Run

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a Coordinator over the given store and notifier.
func New(cfg Config, kv KV, notifier Notifier) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		kv:        kv,
		deltas:    NewDeltaLog(kv, 0),
		notifier:  notifier,
		runs:      make(map[string]*Run),
		stopSweep: make(chan struct{}),
	}
}

// Start launches the periodic sweeper.
func (c *Coordinator) Start() {
	c.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.sweep()
				case <-c.stopSweep:
					return
				}
			}
		}()
	})
}

// Close stops the sweeper.
func (c *Coordinator) Close() {
	close(c.stopSweep)
}

func (c *Coordinator) getOrCreate(uid string) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[uid]; ok {
		return r
	}
	r := newRun(uid)
	c.runs[uid] = r
	return r
}

// Attach subscribes a socket to its uid's run, creating the run lazily.
func (c *Coordinator) Attach(uid string, s Sink) {
	r := c.getOrCreate(uid)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[s.ID()] = s
	logger.Debugf("[runner] uid=%s socket %s attached (%d total)", uid, s.ID(), len(r.sockets))
}

// Detach unsubscribes a socket. A terminal run with no remaining sockets is
// evicted from memory; its snapshot and deltas persist until the KV TTL.
func (c *Coordinator) Detach(uid string, s Sink) {
	c.mu.Lock()
	r, ok := c.runs[uid]
	c.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.sockets, s.ID())
	evict := r.phase.Terminal() && len(r.sockets) == 0
	r.mu.Unlock()

	if evict {
		c.evict(uid, r)
	}
}

func (c *Coordinator) evict(uid string, r *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs[uid] == r {
		delete(c.runs, uid)
		logger.Debugf("[runner] uid=%s run %s evicted from memory", uid, r.rid)
	}
}

// Begin starts a run or resumes an existing one.
//
// A matching rid on a non-idle run replays deltas past the caller's cursor
// and re-sends the terminal signal if any; a differing rid while running is
// rejected as busy. An idle run first consults the persisted snapshot so a
// reconnect after memory eviction still resolves to a replay.
func (c *Coordinator) Begin(s Sink, uid string, req BeginRequest) {
	r := c.getOrCreate(uid)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.phase == PhaseRunning:
		if req.RID == r.rid {
			c.replayLocked(r, s, req.After)
			return
		}
		sendFrame(s, types.NewErr("busy"))
		return

	case r.phase.Terminal():
		if req.RID == r.rid {
			c.replayLocked(r, s, req.After)
			return
		}
		// A fresh rid on a terminal run starts the uid's next run.

	default: // idle
		if snap, ok := c.loadSnapshot(req.RID); ok && snap.Phase.Terminal() {
			r.rid = snap.RID
			r.seq = snap.Seq
			r.phase = snap.Phase
			r.errReason = snap.Error
			r.startedAt = snap.StartedAt
			c.replayLocked(r, s, req.After)
			return
		}
	}

	c.startLocked(r, req)
}

// StopRun stops the uid's run when rid matches the current one. Stopping a
// non-running run is a no-op.
func (c *Coordinator) StopRun(uid, rid string) {
	c.mu.Lock()
	r, ok := c.runs[uid]
	c.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseRunning && r.rid == rid {
		c.finishLocked(r)
	}
}

func (c *Coordinator) startLocked(r *Run, req BeginRequest) {
	r.stopTimersLocked()
	r.abortLocked()

	r.rid = req.RID
	r.seq = -1
	r.phase = PhaseRunning
	r.errReason = nil
	r.startedAt = time.Now().UnixMilli()
	r.pending.Reset()
	r.pendingImages = nil

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	rid := r.rid
	r.timeoutTimer = time.AfterFunc(c.cfg.MaxRunDuration, func() {
		c.timeoutFired(r, rid)
	})

	// Sanitize once; adapters must not mutate the body afterwards.
	req.Body["messages"] = providers.SanitizeMessages(messagesOf(req.Body))
	c.persistSnapshot(r.snapshotLocked())
	c.persistPrompt(rid, req.Body["messages"])

	drive := c.cfg.Drive(req.Provider)
	preq := providers.Request{
		APIKey: req.APIKey,
		Body:   req.Body,
		OnDelta: func(text string, images []string) {
			c.onDelta(r, rid, text, images)
		},
		IsRunning: func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.rid == rid && r.phase == PhaseRunning
		},
	}

	logger.Infof("[runner] uid=%s run %s started (provider=%s)", r.uid, rid, req.Provider)
	go c.runStream(ctx, r, rid, drive, preq)
}

func (c *Coordinator) runStream(ctx context.Context, r *Run, rid string, drive providers.DriveFunc, preq providers.Request) {
	err := drive(ctx, preq)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid || r.phase != PhaseRunning {
		// Raced with stop, timeout or a newer run; that transition
		// already delivered the terminal frame.
		return
	}
	if err == nil || isCancellation(err) {
		c.finishLocked(r)
		return
	}
	c.failLocked(r, err.Error())
}

// isCancellation separates aborts from genuine upstream failures; an abort
// raced with a terminal transition must never be reported as failure.
func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "abort")
}

// onDelta posts adapter output into the run. Batching policy: any image
// flushes immediately; pending text at or over BatchBytes flushes; otherwise
// the first byte into an empty buffer arms the one-shot flush timer.
func (c *Coordinator) onDelta(r *Run, rid string, text string, images []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid || r.phase != PhaseRunning {
		return
	}

	r.pending.WriteString(text)
	r.pendingImages = append(r.pendingImages, images...)

	if len(images) > 0 || r.pending.Len() >= c.cfg.BatchBytes {
		c.flushLocked(r)
		return
	}
	if r.flushTimer == nil {
		r.flushTimer = time.AfterFunc(c.cfg.BatchDelay, func() {
			c.flushTimerFired(r, rid)
		})
	}
}

func (c *Coordinator) flushTimerFired(r *Run, rid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid || r.phase != PhaseRunning {
		return
	}
	r.flushTimer = nil
	c.flushLocked(r)
}

func (c *Coordinator) timeoutFired(r *Run, rid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid || r.phase != PhaseRunning {
		return
	}
	minutes := int(c.cfg.MaxRunDuration.Minutes())
	c.failLocked(r, fmt.Sprintf("Run timed out after %d minutes.", minutes))
}

// flushLocked assigns the next seq, persists the delta and fans it out. A
// flush with nothing pending is a no-op.
func (c *Coordinator) flushLocked(r *Run) {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	if r.pending.Len() == 0 && len(r.pendingImages) == 0 {
		return
	}

	r.seq++
	d := Delta{Seq: r.seq, Text: r.pending.String(), Images: r.pendingImages}
	r.pending.Reset()
	r.pendingImages = nil

	c.deltas.Append(r.rid, d)
	c.broadcastLocked(r, types.NewDelta(d.Seq, d.Text, d.Images))
}

// finishLocked is the running -> done transition. Idempotent.
func (c *Coordinator) finishLocked(r *Run) {
	if r.phase != PhaseRunning {
		return
	}
	c.flushLocked(r)
	r.phase = PhaseDone
	r.stopTimersLocked()
	r.abortLocked()
	c.persistSnapshot(r.snapshotLocked())
	c.broadcastLocked(r, types.NewDone())
	logger.Infof("[runner] uid=%s run %s done (seq=%d)", r.uid, r.rid, r.seq)
	c.notify(fmt.Sprintf("Run %s completed for %s.", r.rid, r.uid), 3, "robot")
}

// failLocked is the running -> error transition: the cause is recorded as a
// synthetic trailing text delta before the terminal frame. Idempotent.
func (c *Coordinator) failLocked(r *Run, reason string) {
	if r.phase != PhaseRunning {
		return
	}
	c.flushLocked(r)
	r.pending.WriteString("\n\nRun failed: " + reason)
	c.flushLocked(r)
	r.phase = PhaseError
	r.errReason = &reason
	r.stopTimersLocked()
	r.abortLocked()
	c.persistSnapshot(r.snapshotLocked())
	c.broadcastLocked(r, types.NewErr(reason))
	logger.Warnf("[runner] uid=%s run %s failed: %s", r.uid, r.rid, reason)
	c.notify(fmt.Sprintf("Run %s failed for %s: %s", r.rid, r.uid, reason), 4, "rotating_light")
}

// replayLocked redelivers every persisted delta with seq > after in ascending
// order, then the terminal signal if the run is terminal. Replayed seq-space
// is disjoint from future seq-space because seq is assigned only at flush.
func (c *Coordinator) replayLocked(r *Run, s Sink, after int64) {
	for _, d := range c.deltas.ReadAll(r.rid) {
		if d.Seq <= after {
			continue
		}
		sendFrame(s, types.NewDelta(d.Seq, d.Text, d.Images))
	}
	switch r.phase {
	case PhaseDone:
		sendFrame(s, types.NewDone())
	case PhaseError, PhaseEvicted:
		reason := ""
		if r.errReason != nil {
			reason = *r.errReason
		}
		sendFrame(s, types.NewErr(reason))
	}
}

// HandlePoll returns the snapshot view of the uid's run, or the idle sentinel
// when none exists.
func (c *Coordinator) HandlePoll(uid string) PollResponse {
	c.mu.Lock()
	r, ok := c.runs[uid]
	c.mu.Unlock()
	if !ok {
		return sentinelPoll()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid == "" {
		return sentinelPoll()
	}

	var text strings.Builder
	images := []string{}
	for _, d := range c.deltas.ReadAll(r.rid) {
		text.WriteString(d.Text)
		images = append(images, d.Images...)
	}
	text.WriteString(r.pending.String())
	images = append(images, r.pendingImages...)

	rid := r.rid
	return PollResponse{
		RID:    &rid,
		Seq:    r.seq,
		Phase:  r.phase,
		Done:   r.phase.Terminal(),
		Error:  r.errReason,
		Text:   text.String(),
		Images: images,
	}
}

func sentinelPoll() PollResponse {
	return PollResponse{
		RID:    nil,
		Seq:    -1,
		Phase:  PhaseIdle,
		Done:   false,
		Error:  nil,
		Text:   "",
		Images: []string{},
	}
}

// sweep is the defence-in-depth pass: force-fail over-age runs the timeout
// timer somehow missed, evict terminal runs nobody is watching, and prune
// expired KV entries.
func (c *Coordinator) sweep() {
	now := time.Now().UnixMilli()
	maxAge := c.cfg.MaxRunDuration.Milliseconds()

	c.mu.Lock()
	uids := make([]string, 0, len(c.runs))
	runs := make([]*Run, 0, len(c.runs))
	for uid, r := range c.runs {
		uids = append(uids, uid)
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for i, r := range runs {
		r.mu.Lock()
		if r.phase == PhaseRunning && now-r.startedAt > maxAge {
			minutes := int(c.cfg.MaxRunDuration.Minutes())
			c.failLocked(r, fmt.Sprintf("Run timed out after %d minutes.", minutes))
		}
		evict := r.phase.Terminal() && len(r.sockets) == 0
		r.mu.Unlock()
		if evict {
			c.evict(uids[i], r)
		}
	}

	c.kv.Prune()
}

// broadcastLocked fans one frame out to every subscribed socket; send errors
// are swallowed per socket.
func (c *Coordinator) broadcastLocked(r *Run, frame any) {
	for _, s := range r.socketsLocked() {
		sendFrame(s, frame)
	}
}

func sendFrame(s Sink, frame any) {
	if err := s.Send(frame); err != nil {
		logger.Debugf("[runner] send to %s failed: %v", s.ID(), err)
	}
}

func (c *Coordinator) persistSnapshot(snap Snapshot) {
	blob, err := json.Marshal(snap)
	if err != nil {
		logger.Errorf("[runner] encode snapshot %s: %v", snap.RID, err)
		return
	}
	c.kv.Set(snapshotKey(snap.RID), blob, 0)
}

func (c *Coordinator) loadSnapshot(rid string) (Snapshot, bool) {
	blob, ok := c.kv.Get(snapshotKey(rid))
	if !ok {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		logger.Warnf("[runner] decode snapshot %s: %v", rid, err)
		return Snapshot{}, false
	}
	return snap, true
}

// persistPrompt records the sanitized messages once per run; informational
// only, never read back by the coordinator.
func (c *Coordinator) persistPrompt(rid string, messages any) {
	blob, err := json.Marshal(messages)
	if err != nil {
		logger.Warnf("[runner] encode prompt %s: %v", rid, err)
		return
	}
	c.kv.Set(promptKey(rid), blob, 0)
}

func (c *Coordinator) notify(message string, priority int, tags string) {
	if c.notifier == nil {
		return
	}
	go c.notifier.Send(message, priority, tags)
}

func messagesOf(body map[string]any) []any {
	v, _ := body["messages"].([]any)
	return v
}
