package walstore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobboyms/bmdb/pkg/dberrors"
	"github.com/vmihailenco/msgpack/v5"
)

// txState is the set of not-yet-committed operations staged under one
// open transaction.
type txState struct {
	ops []Record
}

// commitEntry is one published, immutable snapshot: the whole database
// tree as of txid, after applying that transaction's operations on top
// of whichever snapshot was stable when it committed.
type commitEntry struct {
	txid uint64
	data map[string]any
}

// Engine is bmdb's write-ahead log engine: every transaction's
// write/update/delete operations are appended as Records before being
// considered durable, and commit materializes a new whole-database
// Snapshot by applying them to the previously stable one. Versioning
// is whole-snapshot, not a per-document chain.
type Engine struct {
	mu   sync.Mutex
	opts Options
	file *os.File

	// txLock is the inter-process lock file, held only while a
	// transaction begun through this engine is open: Begin acquires it,
	// Commit/Abort release it. lockOwner records which txid holds it so
	// a Commit of a replay-recovered transaction (which never acquired
	// the lock) does not release somebody else's. nonce is this engine's
	// stable lock-owner identity, minted once at Open so a failed
	// release's stale marker can be matched by a later Begin.
	txLock    *fileLock
	lockOwner uint64
	nonce     string

	nextTxid uint64
	nextLSN  uint64

	active map[uint64]*txState

	// baseline is the snapshot loaded from the data file at Open time
	// (or an empty tree for a brand-new database); committed holds
	// every snapshot published since, in ascending txid order.
	baseline   map[string]any
	committed  []commitEntry
	stableTxid uint64
	terminated map[uint64]bool

	batch               []Record
	recordsSinceCompact int
	lastFlush           time.Time
	lastCompact         time.Time
	compacting          bool

	done      chan struct{}
	closeOnce sync.Once
}

// Open loads the last checkpointed snapshot from the data file (if
// any) and replays the log file on top of it to rebuild in-memory
// state. The inter-process lock file is not taken here: it guards
// transactions, not handles, so a second Open of the same directory
// succeeds and its Begin is what contends.
func Open(opts Options) (*Engine, error) {
	if opts.DirPath == "" {
		opts.DirPath = "."
	}
	if err := os.MkdirAll(opts.DirPath, 0o755); err != nil {
		return nil, &dberrors.IOError{Path: opts.DirPath, Cause: err}
	}

	// O_APPEND keeps two handles' appends from clobbering each other at
	// a stale write offset; the lock file already serializes who writes.
	logPath := filepath.Join(opts.DirPath, opts.logFileName())
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &dberrors.IOError{Path: logPath, Cause: err}
	}

	e := &Engine{
		opts:       opts,
		file:       file,
		nonce:      newLockNonce(),
		nextTxid:   1, // txid 0 is reserved for the baseline snapshot
		active:     make(map[uint64]*txState),
		baseline:   make(map[string]any),
		terminated: make(map[uint64]bool),
		lastFlush:  time.Now(),
		done:       make(chan struct{}),
	}

	if err := e.loadDataFile(); err != nil {
		file.Close()
		return nil, err
	}
	if err := e.replay(); err != nil {
		file.Close()
		return nil, err
	}

	if opts.SyncPolicy == SyncBatch && opts.MaxBatchWait > 0 {
		go e.flushLoop()
	}
	if opts.BackgroundCompaction && opts.CompactionInterval > 0 {
		go e.compactLoop()
	}
	return e, nil
}

// flushLoop bounds how long a partial batch can sit unsynced: even if
// fewer than BatchSize records accumulate, the batch reaches disk
// within roughly MaxBatchWait of its first record.
func (e *Engine) flushLoop() {
	ticker := time.NewTicker(e.opts.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			if len(e.batch) > 0 && time.Since(e.lastFlush) >= e.opts.MaxBatchWait {
				_ = e.flushLocked()
			}
			e.mu.Unlock()
		}
	}
}

// compactLoop is the timer arm of the two compaction triggers;
// timerCompactLocked still honors the in-progress and minimum-interval
// skips, but not the record-count threshold (that is the other arm).
func (e *Engine) compactLoop() {
	ticker := time.NewTicker(e.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			_ = e.timerCompactLocked()
			e.mu.Unlock()
		}
	}
}

func (e *Engine) loadDataFile() error {
	path := filepath.Join(e.opts.DirPath, e.opts.dataFileName())
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &dberrors.IOError{Path: path, Cause: err}
	}
	if len(buf) == 0 {
		return nil
	}
	var tree map[string]any
	if e.opts.UseMsgPack {
		err = msgpack.Unmarshal(buf, &tree)
	} else {
		err = json.Unmarshal(buf, &tree)
	}
	if err != nil {
		return &dberrors.StructuralCorruptionError{Offset: 0, Reason: "malformed snapshot data file: " + err.Error()}
	}
	e.baseline = tree
	return nil
}

func (e *Engine) persistSnapshotLocked() error {
	latest := e.baseline
	if n := len(e.committed); n > 0 {
		latest = e.committed[n-1].data
	}

	if !e.opts.PersistEmpty {
		pruned := make(map[string]any, len(latest))
		for k, v := range latest {
			if bucket, ok := v.(map[string]any); ok && len(bucket) == 0 {
				continue
			}
			pruned[k] = v
		}
		latest = pruned
	}

	var buf []byte
	var err error
	if e.opts.UseMsgPack {
		buf, err = msgpack.Marshal(latest)
	} else {
		buf, err = json.Marshal(latest)
	}
	if err != nil {
		return err
	}

	path := filepath.Join(e.opts.DirPath, e.opts.dataFileName())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return &dberrors.IOError{Path: tmpPath, Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &dberrors.IOError{Path: path, Cause: err}
	}
	return nil
}

func (e *Engine) replay() error {
	if _, err := e.file.Seek(0, 0); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}
	scanner := bufio.NewScanner(e.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	pending := make(map[uint64][]Record)
	var goodEnd int64
	truncated := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			goodEnd++
			continue
		}
		rec, err := DecodeRecord(line, e.opts.UseMsgPack)
		if err != nil {
			// A record that does not parse is a tail cut short by a
			// crash mid-append: everything after it is discarded, and
			// the file is truncated at the last good line so future
			// appends don't interleave with the debris.
			truncated = true
			break
		}
		goodEnd += int64(len(line)) + 1
		if rec.Txid >= e.nextTxid {
			e.nextTxid = rec.Txid + 1
		}

		switch rec.Type {
		case RecordBegin:
			pending[rec.Txid] = nil
		case RecordWrite, RecordUpdate, RecordDelete:
			pending[rec.Txid] = append(pending[rec.Txid], rec)
		case RecordCommit:
			e.applyCommit(rec.Txid, pending[rec.Txid])
			delete(pending, rec.Txid)
		case RecordAbort:
			e.terminated[rec.Txid] = true
			delete(pending, rec.Txid)
		}
	}
	if err := scanner.Err(); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}
	if truncated {
		if err := e.file.Truncate(goodEnd); err != nil {
			return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
		}
	}
	// Records left in pending belong to transactions that were begun
	// but neither committed nor aborted before the process stopped;
	// they remain active so a caller can still Commit or Abort them.
	for txid, ops := range pending {
		e.active[txid] = &txState{ops: ops}
	}
	if _, err := e.file.Seek(0, 2); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}
	return nil
}

// cloneTopLevel shallow-copies m's top-level keys into a fresh map, so
// mutating the copy never affects a previously published Snapshot that
// still references m.
func cloneTopLevel(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyCommit builds the snapshot txid publishes: start from the
// snapshot that was stable when the transaction committed, then apply
// each staged operation in order.
func (e *Engine) applyCommit(txid uint64, ops []Record) {
	base := e.baseline
	if n := len(e.committed); n > 0 {
		base = e.committed[n-1].data
	}

	snap := cloneTopLevel(base)
	for _, op := range ops {
		switch op.Type {
		case RecordWrite:
			snap = cloneTopLevel(op.Data)
		case RecordUpdate:
			for k, v := range op.Data {
				snap[k] = v
			}
		case RecordDelete:
			snap = make(map[string]any)
		}
	}

	e.committed = append(e.committed, commitEntry{txid: txid, data: snap})
	e.stableTxid = txid
	e.terminated[txid] = true
}

// Begin acquires the inter-process lock file and starts a new
// transaction. If another handle (or another open transaction on this
// one) holds the lock, it fails with a LockContentionError after the
// configured retries rather than blocking indefinitely.
func (e *Engine) Begin() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, err := acquireLock(e.opts.DirPath, e.opts.lockFileName(), e.nonce, e.opts)
	if err != nil {
		return 0, err
	}

	txid := e.nextTxid
	e.nextTxid++
	e.active[txid] = &txState{}
	e.txLock = lock
	e.lockOwner = txid

	rec := Record{Type: RecordBegin, Txid: txid, Timestamp: e.stampLocked()}
	if err := e.appendLocked(rec); err != nil {
		delete(e.active, txid)
		e.releaseTxLockLocked(txid)
		return 0, err
	}
	return txid, nil
}

// releaseTxLockLocked unlinks the lock file if txid is the transaction
// that acquired it. Transactions restored by replay never held the
// lock, so their termination leaves txLock alone.
func (e *Engine) releaseTxLockLocked(txid uint64) error {
	if e.txLock == nil || e.lockOwner != txid {
		return nil
	}
	lock := e.txLock
	e.txLock = nil
	e.lockOwner = 0
	return lock.release()
}

func (e *Engine) stampLocked() int64 {
	e.nextLSN++
	return int64(e.nextLSN)
}

// Write stages a whole-snapshot replace within txid: on commit, the
// published snapshot becomes exactly the tree decoded from data.
func (e *Engine) Write(txid uint64, data []byte) error {
	return e.stage(txid, RecordWrite, data)
}

// Update stages a shallow top-level-key merge within txid: on commit,
// each key in the tree decoded from data overwrites the corresponding
// top-level key of the snapshot that was stable at commit time.
func (e *Engine) Update(txid uint64, data []byte) error {
	return e.stage(txid, RecordUpdate, data)
}

// Delete stages a whole-snapshot clear within txid: on commit, the
// published snapshot is the empty tree.
func (e *Engine) Delete(txid uint64) error {
	return e.stage(txid, RecordDelete, nil)
}

func (e *Engine) stage(txid uint64, typ RecordType, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.active[txid]
	if !ok {
		if e.terminated[txid] {
			return &dberrors.TerminatedTxError{Txid: txid}
		}
		return &dberrors.UnknownTxidError{Txid: txid}
	}

	var decoded map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			return &dberrors.StructuralCorruptionError{Offset: 0, Reason: "invalid snapshot payload: " + err.Error()}
		}
	}

	rec := Record{Type: typ, Txid: txid, Timestamp: e.stampLocked(), Data: decoded}
	if err := e.appendLocked(rec); err != nil {
		return err
	}
	st.ops = append(st.ops, rec)
	return nil
}

// Commit finalizes txid: its staged operations are applied to the
// stable snapshot and published, then checkpointed to the data file.
func (e *Engine) Commit(txid uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.active[txid]
	if !ok {
		if e.terminated[txid] {
			return &dberrors.TerminatedTxError{Txid: txid}
		}
		return &dberrors.UnknownTxidError{Txid: txid}
	}

	rec := Record{Type: RecordCommit, Txid: txid, Timestamp: e.stampLocked(), Stable: txid > e.stableTxid}
	if err := e.appendLocked(rec); err != nil {
		return err
	}
	// Commit is a durability fence regardless of sync policy.
	if err := e.flushLocked(); err != nil {
		return err
	}
	e.applyCommit(txid, st.ops)
	delete(e.active, txid)
	if err := e.releaseTxLockLocked(txid); err != nil {
		return err
	}
	if err := e.persistSnapshotLocked(); err != nil {
		return err
	}
	return e.maybeCompactLocked()
}

// Abort discards every staged operation for txid.
func (e *Engine) Abort(txid uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[txid]; !ok {
		if e.terminated[txid] {
			return &dberrors.TerminatedTxError{Txid: txid}
		}
		return &dberrors.UnknownTxidError{Txid: txid}
	}
	rec := Record{Type: RecordAbort, Txid: txid, Timestamp: e.stampLocked()}
	if err := e.appendLocked(rec); err != nil {
		return err
	}
	delete(e.active, txid)
	e.terminated[txid] = true
	return e.releaseTxLockLocked(txid)
}

func (e *Engine) appendLocked(rec Record) error {
	line, err := rec.Encode(e.opts.UseMsgPack)
	if err != nil {
		return err
	}
	e.batch = append(e.batch, rec)
	e.recordsSinceCompact++

	if _, err := e.file.Write(append(line, '\n')); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}

	shouldSync := e.opts.SyncPolicy == SyncEveryWrite ||
		(e.opts.SyncPolicy == SyncBatch && len(e.batch) >= e.opts.BatchSize) ||
		(e.opts.SyncPolicy == SyncInterval && time.Since(e.lastFlush) >= e.opts.SyncIntervalDuration)
	if !shouldSync {
		return nil
	}
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if err := e.file.Sync(); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}
	e.batch = e.batch[:0]
	e.lastFlush = time.Now()
	return nil
}

// Flush forces any buffered records to disk regardless of sync policy.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

// Snapshot is an immutable, point-in-time view of the whole database
// tree as of the committed transaction it was taken at.
type Snapshot struct {
	txid uint64
	data map[string]any
}

// TxID reports the committed transaction id this snapshot was taken
// at (0 for the baseline snapshot, before any commit).
func (s *Snapshot) TxID() uint64 { return s.txid }

// Raw returns the snapshot's whole decoded tree. Callers must treat it
// as read-only: it may be shared with other Snapshots.
func (s *Snapshot) Raw() map[string]any { return s.data }

// Table returns the bucket stored under the top-level key name, or nil
// if name has never been written.
func (s *Snapshot) Table(name string) map[string]any {
	v, ok := s.data[name]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// Get returns the value nested two levels deep at table/key (bmdb's
// document convention: top-level keys are table names, one level down
// is the document key), or ok=false if absent.
func (s *Snapshot) Get(table, key string) (any, bool) {
	bucket := s.Table(table)
	if bucket == nil {
		return nil, false
	}
	v, ok := bucket[key]
	return v, ok
}

// Snapshot returns a view of the database as of the most recently
// committed transaction.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotAtLocked(e.stableTxid)
}

// GetSnapshot returns the highest committed snapshot whose txid is <=
// the requested one, or the baseline (txid 0) if none qualify.
func (e *Engine) GetSnapshot(txid uint64) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotAtLocked(txid)
}

func (e *Engine) snapshotAtLocked(txid uint64) *Snapshot {
	data := e.baseline
	asOf := uint64(0)
	for _, c := range e.committed {
		if c.txid > txid {
			break
		}
		data = c.data
		asOf = c.txid
	}
	return &Snapshot{txid: asOf, data: data}
}

// CheckIntegrity re-scans the log from the start, verifying every
// record decodes and that every commit/abort refers to a txid that was
// actually begun. Unlike replay, it reports corruption instead of
// recovering past it.
func (e *Engine) CheckIntegrity() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.file.Seek(0, 0); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}
	defer e.file.Seek(0, 2)

	scanner := bufio.NewScanner(e.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	began := make(map[uint64]bool)
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		lineStart := offset
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line, e.opts.UseMsgPack)
		if err != nil {
			return &dberrors.StructuralCorruptionError{Offset: lineStart, Reason: "malformed WAL record: " + err.Error()}
		}
		switch rec.Type {
		case RecordBegin:
			began[rec.Txid] = true
		case RecordCommit, RecordAbort:
			if !began[rec.Txid] {
				return &dberrors.UnknownTxidError{Txid: rec.Txid}
			}
		}
	}
	return scanner.Err()
}

// Close stops the background loops, flushes, and releases the lock
// file if a transaction begun here is still holding it.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return err
	}
	if err := e.file.Close(); err != nil {
		return &dberrors.IOError{Path: e.opts.logFileName(), Cause: err}
	}
	if e.txLock != nil {
		lock := e.txLock
		e.txLock = nil
		e.lockOwner = 0
		return lock.release()
	}
	return nil
}
