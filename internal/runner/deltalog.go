package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/planetrenox/sune-proxy/internal/logger"
)

// Key schema for persisted run artifacts. Zero-padding seq to 10 digits keeps
// lexicographic key order aligned with numeric order for prefix scans.
func snapshotKey(rid string) string { return "run:" + rid }

func deltaKey(rid string, seq int64) string { return fmt.Sprintf("delta:%s:%010d", rid, seq) }

func promptKey(rid string) string { return "prompt:" + rid }

// DeltaLog is the append-only view of a run's persisted deltas. Entries may
// silently expire with the KV TTL; losses are bounded to the head of the log.
type DeltaLog struct {
	kv  KV
	ttl time.Duration
}

// NewDeltaLog creates a log over kv with the given entry TTL (0 for the
// store default).
func NewDeltaLog(kv KV, ttl time.Duration) *DeltaLog {
	return &DeltaLog{kv: kv, ttl: ttl}
}

// Append persists one delta. Called by the coordinator at flush time; the
// key is unique by construction, so the write never conflicts.
func (l *DeltaLog) Append(rid string, d Delta) {
	blob, err := json.Marshal(d)
	if err != nil {
		logger.Errorf("[deltalog] encode %s seq=%d: %v", rid, d.Seq, err)
		return
	}
	l.kv.Set(deltaKey(rid, d.Seq), blob, l.ttl)
}

// ReadAll returns the surviving deltas of a run in ascending seq order.
// Undecodable entries are skipped.
func (l *DeltaLog) ReadAll(rid string) []Delta {
	keys := l.kv.List("delta:" + rid + ":")
	deltas := make([]Delta, 0, len(keys))
	for _, key := range keys {
		blob, ok := l.kv.Get(key)
		if !ok {
			continue
		}
		var d Delta
		if err := json.Unmarshal(blob, &d); err != nil {
			logger.Warnf("[deltalog] skip undecodable %s: %v", key, err)
			continue
		}
		deltas = append(deltas, d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Seq < deltas[j].Seq })
	return deltas
}
