// Package walstore implements bmdb's write-ahead log engine: a
// newline-delimited, append-only record log of JSON (optionally
// MessagePack) lines, MVCC snapshots taken per committed transaction
// id, and background compaction.
package walstore

import "time"

// SyncPolicy selects how aggressively the engine calls fsync after an
// append.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every appended record. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval fsyncs on the first append after SyncIntervalDuration
	// has passed since the last fsync.
	SyncInterval
	// SyncBatch fsyncs once a batch of records has accumulated.
	SyncBatch
)

// Options configures an Engine.
type Options struct {
	// DirPath is the directory holding the WAL file, its lock file, and
	// compaction temp files.
	DirPath string

	// SyncPolicy selects the fsync strategy.
	SyncPolicy SyncPolicy

	// SyncIntervalDuration is used when SyncPolicy is SyncInterval.
	SyncIntervalDuration time.Duration

	// BatchSize is the number of records accumulated before an append
	// batch is flushed, when SyncPolicy is SyncBatch.
	BatchSize int

	// MaxBatchWait bounds how long a partial batch waits before being
	// flushed anyway.
	MaxBatchWait time.Duration

	// UseMsgPack switches the wire format (and file extension) from JSON
	// lines to MessagePack-encoded lines.
	UseMsgPack bool

	// LockRetries bounds how many times the engine retries acquiring its
	// lock file before giving up with a LockContentionError.
	LockRetries int

	// LockRetryBackoff is the delay between lock acquisition attempts.
	LockRetryBackoff time.Duration

	// CompactionThreshold is the number of records appended since the
	// last compaction that triggers an automatic compaction pass.
	CompactionThreshold int

	// BackgroundCompaction runs a timer-driven compaction loop alongside
	// the record-count trigger above.
	BackgroundCompaction bool

	// CompactionInterval is the background loop's tick period.
	CompactionInterval time.Duration

	// MinCompactionInterval is the minimum time between two compaction
	// passes, whichever trigger fired.
	MinCompactionInterval time.Duration

	// PersistEmpty keeps emptied-out table buckets in the checkpoint
	// data file; when false they are pruned at persist time.
	PersistEmpty bool
}

// DefaultOptions returns a balanced configuration: batch fsync every 64
// records or 10ms, ten lock-acquisition retries with 20ms backoff, and
// compaction once 10,000 records have been appended or on a 60s
// background timer, whichever fires first, at most once per minute.
func DefaultOptions(dirPath string) Options {
	return Options{
		DirPath:               dirPath,
		SyncPolicy:            SyncBatch,
		SyncIntervalDuration:  200 * time.Millisecond,
		BatchSize:             64,
		MaxBatchWait:          10 * time.Millisecond,
		UseMsgPack:            false,
		LockRetries:           10,
		LockRetryBackoff:      20 * time.Millisecond,
		CompactionThreshold:   10000,
		BackgroundCompaction:  true,
		CompactionInterval:    60 * time.Second,
		MinCompactionInterval: 60 * time.Second,
		PersistEmpty:          true,
	}
}

func (o Options) logFileName() string {
	if o.UseMsgPack {
		return "wal.msgpack.log"
	}
	return "wal.log"
}

func (o Options) lockFileName() string { return "wal.lock" }

// dataFileName is the checkpoint file holding the last compacted/
// committed snapshot, so Open can start from a baseline instead of
// replaying the whole log from empty.
func (o Options) dataFileName() string {
	if o.UseMsgPack {
		return "wal.snapshot.msgpack"
	}
	return "wal.snapshot.json"
}
