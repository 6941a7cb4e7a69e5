package storage

import (
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/bobboyms/bmdb/pkg/catalog"
	"github.com/bobboyms/bmdb/pkg/dberrors"
	"github.com/bobboyms/bmdb/pkg/walstore"
)

// pendingIndexOp records one staged write/delete's effect on the
// secondary-index trees. It is applied only on Commit: applying it
// eagerly in WriteTx/DeleteTx would leave index postings for a
// transaction that later Aborts, since pkg/memindex has no notion of
// its own transactions.
type pendingIndexOp struct {
	table, key string
	oldData    []byte
	newData    []byte // nil for a delete
	hadOld     bool
}

// WALStore is the Store implementation backed by pkg/walstore: full
// transactions, MVCC snapshots, lock-file exclusion, and background
// compaction (FeatureTx, FeatureFileLocking, FeatureAsync all report
// true). Non-transactional Write/Delete calls run as an implicit
// single-operation transaction, for callers that don't need explicit
// transaction boundaries.
//
// pkg/walstore itself only understands dynamic-JSON snapshots (opaque
// trees of maps/arrays/primitives, merged at the top-level key).
// Document payloads here are arbitrary bytes — JSON, BSON, or msgpack
// depending on the configured Codec — so they are base64-encoded into
// string leaves before being embedded in the tree the engine sees, and
// decoded back out on read. This keeps pkg/walstore codec-blind while
// preserving Store's opaque-[]byte contract.
type WALStore struct {
	engine  *walstore.Engine
	indexes *IndexManager
	codec   Codec

	mu        sync.Mutex
	pending   map[uint64][]pendingIndexOp
	txBuckets map[uint64]map[string]map[string]any
}

// OpenWALStore opens (or creates) a WAL-backed store in dir.
func OpenWALStore(dir string, codec Codec) (*WALStore, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	engine, err := walstore.Open(walstore.DefaultOptions(dir))
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(filepath.Join(dir, "catalog.json"))
	if err != nil {
		engine.Close()
		return nil, err
	}
	return &WALStore{
		engine:    engine,
		indexes:   NewIndexManager(cat, codec),
		codec:     codec,
		pending:   make(map[uint64][]pendingIndexOp),
		txBuckets: make(map[uint64]map[string]map[string]any),
	}, nil
}

func encodeDoc(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeDoc(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, &dberrors.StructuralCorruptionError{Offset: 0, Reason: "document leaf is not a base64 string"}
	}
	return base64.StdEncoding.DecodeString(s)
}

// cloneBucket shallow-copies a table bucket so mutating it never
// affects a Snapshot it was read from.
func cloneBucket(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *WALStore) readLatest(table, key string) ([]byte, bool, error) {
	snap := s.engine.Snapshot()
	v, ok := snap.Get(table, key)
	if !ok {
		return nil, false, nil
	}
	data, err := decodeDoc(v)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *WALStore) Read(table, key string) ([]byte, bool, error) {
	return s.readLatest(table, key)
}

func (s *WALStore) Write(table, key string, data []byte) error {
	txid, err := s.Begin()
	if err != nil {
		return err
	}
	if err := s.WriteTx(txid, table, key, data); err != nil {
		s.Abort(txid)
		return err
	}
	return s.Commit(txid)
}

func (s *WALStore) Delete(table, key string) (bool, error) {
	_, existed, err := s.readLatest(table, key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	txid, err := s.Begin()
	if err != nil {
		return false, err
	}
	if err := s.DeleteTx(txid, table, key); err != nil {
		s.Abort(txid)
		return false, err
	}
	return true, s.Commit(txid)
}

func (s *WALStore) AllKeys(table string) ([]string, error) {
	snap := s.engine.Snapshot()
	bucket := snap.Table(table)
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *WALStore) Compact() error { return s.engine.Compact() }
func (s *WALStore) Close() error   { return s.engine.Close() }

func (s *WALStore) SupportsFeature(f Feature) bool {
	switch f {
	case FeatureCompoundIndex, FeatureBatch, FeatureTx, FeatureAsync, FeatureFileLocking:
		return true
	default:
		return false
	}
}

// ReadTable returns every document in table as of the stable snapshot.
func (s *WALStore) ReadTable(table string) (map[string][]byte, error) {
	bucket := s.engine.Snapshot().Table(table)
	out := make(map[string][]byte, len(bucket))
	for k, v := range bucket {
		data, err := decodeDoc(v)
		if err != nil {
			return nil, err
		}
		out[k] = data
	}
	return out, nil
}

// ReadDocuments fetches the named keys from one consistent snapshot,
// omitting absent ones.
func (s *WALStore) ReadDocuments(table string, keys []string) (map[string][]byte, error) {
	snap := s.engine.Snapshot()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok := snap.Get(table, k)
		if !ok {
			continue
		}
		data, err := decodeDoc(v)
		if err != nil {
			return nil, err
		}
		out[k] = data
	}
	return out, nil
}

// UpdateDocumentsBulk writes every document in docs within a single
// transaction: either all of them commit or none do.
func (s *WALStore) UpdateDocumentsBulk(table string, docs map[string][]byte) error {
	txid, err := s.Begin()
	if err != nil {
		return err
	}
	for k, data := range docs {
		if err := s.WriteTx(txid, table, k, data); err != nil {
			s.Abort(txid)
			return err
		}
	}
	return s.Commit(txid)
}

// Begin starts a new transaction.
func (s *WALStore) Begin() (uint64, error) {
	txid, err := s.engine.Begin()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.pending[txid] = nil
	s.txBuckets[txid] = make(map[string]map[string]any)
	s.mu.Unlock()
	return txid, nil
}

// Commit finalizes txid, then applies every staged index mutation now
// that the underlying writes are durable.
func (s *WALStore) Commit(txid uint64) error {
	if err := s.engine.Commit(txid); err != nil {
		return err
	}
	s.mu.Lock()
	ops := s.pending[txid]
	delete(s.pending, txid)
	delete(s.txBuckets, txid)
	s.mu.Unlock()

	var firstErr error
	for _, op := range ops {
		var old []byte
		if op.hadOld {
			old = op.oldData
		}
		if op.newData == nil {
			s.indexes.OnDelete(op.table, op.key, old)
			continue
		}
		// CheckUniqueBeforeWrite only rules out conflicts with data
		// already committed at the time WriteTx ran; two transactions
		// racing to write the same unique value can both pass that
		// check before either commits. OnWrite is the actual
		// serialization point (the WAL engine commits one txid at a
		// time), so its error here is the one that matters and must
		// not be discarded even though the document itself is already
		// durable by this point.
		if err := s.indexes.OnWrite(op.table, op.key, old, op.newData); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abort discards txid and every index mutation staged under it.
func (s *WALStore) Abort(txid uint64) error {
	if err := s.engine.Abort(txid); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, txid)
	delete(s.txBuckets, txid)
	s.mu.Unlock()
	return nil
}

// bucketForTx returns the working copy of table's bucket within txid,
// seeded from the stable snapshot the first time table is touched by
// this transaction and carried forward across repeated writes within
// it — since the engine's update op only shallow-merges whole tables,
// every write within a transaction must resend the table's full
// bucket, not just the one key it touches.
func (s *WALStore) bucketForTx(txid uint64, table string) map[string]any {
	tables := s.txBuckets[txid]
	if bucket, ok := tables[table]; ok {
		return bucket
	}
	snap := s.engine.Snapshot()
	bucket := cloneBucket(snap.Table(table))
	tables[table] = bucket
	return bucket
}

// WriteTx stages a write within an already-open transaction, checking
// unique-index constraints immediately but deferring the index update
// itself to Commit.
func (s *WALStore) WriteTx(txid uint64, table, key string, data []byte) error {
	if err := s.indexes.CheckUniqueBeforeWrite(table, key, data); err != nil {
		return err
	}

	s.mu.Lock()
	old, existed, err := s.readLatest(table, key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	bucket := s.bucketForTx(txid, table)
	bucket[key] = encodeDoc(data)
	delta, err := json.Marshal(map[string]any{table: bucket})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.engine.Update(txid, delta); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[txid] = append(s.pending[txid], pendingIndexOp{table: table, key: key, oldData: old, newData: data, hadOld: existed})
	s.mu.Unlock()
	return nil
}

// DeleteTx stages a delete within an already-open transaction.
func (s *WALStore) DeleteTx(txid uint64, table, key string) error {
	s.mu.Lock()
	data, existed, err := s.readLatest(table, key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !existed {
		s.mu.Unlock()
		return nil
	}
	bucket := s.bucketForTx(txid, table)
	delete(bucket, key)
	delta, err := json.Marshal(map[string]any{table: bucket})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.engine.Update(txid, delta); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[txid] = append(s.pending[txid], pendingIndexOp{table: table, key: key, oldData: data, newData: nil, hadOld: true})
	s.mu.Unlock()
	return nil
}

// StoreSnapshot is a consistent, point-in-time view of a WALStore,
// decoding document payloads back out of the engine's base64-bridged
// tree on read.
type StoreSnapshot struct {
	raw *walstore.Snapshot
}

// Get returns the document stored at table:key as of this snapshot.
func (s *StoreSnapshot) Get(table, key string) ([]byte, bool) {
	v, ok := s.raw.Get(table, key)
	if !ok {
		return nil, false
	}
	data, err := decodeDoc(v)
	if err != nil {
		return nil, false
	}
	return data, true
}

// TxID reports the committed transaction id this snapshot was taken
// at.
func (s *StoreSnapshot) TxID() uint64 { return s.raw.TxID() }

// Snapshot returns a consistent point-in-time view for repeatable
// reads across multiple calls.
func (s *WALStore) Snapshot() *StoreSnapshot {
	return &StoreSnapshot{raw: s.engine.Snapshot()}
}

// CreateIndex registers and backfills a secondary index over table.
func (s *WALStore) CreateIndex(def catalog.IndexDef) error {
	return s.indexes.CreateIndex(def, s)
}

// Indexes exposes the store's IndexManager for query code.
func (s *WALStore) Indexes() *IndexManager { return s.indexes }

// CheckIntegrity verifies the underlying WAL's structural consistency.
func (s *WALStore) CheckIntegrity() error { return s.engine.CheckIntegrity() }
