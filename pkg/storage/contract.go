package storage

// Feature names a capability a Store implementation may or may not
// support, queried through SupportsFeature rather than a type switch,
// so a caller can degrade gracefully against whichever backend it was
// opened against.
type Feature string

const (
	// FeatureCompoundIndex indicates multi-field unique indexes are
	// enforced by the backend's IndexManager.
	FeatureCompoundIndex Feature = "compoundIndex"
	// FeatureBatch indicates writes are coalesced and flushed in
	// batches (sorted node writes, WAL record batching).
	FeatureBatch Feature = "batch"
	// FeatureTx indicates Begin/Commit/Abort are meaningful; the
	// binary-file backend supports only single-operation durability.
	FeatureTx Feature = "tx"
	// FeatureAsync indicates the backend runs background work (timer
	// flush, background compaction) on its own goroutines.
	FeatureAsync Feature = "async"
	// FeatureFileLocking indicates inter-process exclusion via a lock
	// file around transactions.
	FeatureFileLocking Feature = "fileLocking"
	// FeatureVectorSearch indicates similarity search over persisted
	// vector payloads. Neither backend here computes similarity; the
	// engine only stores vectors, so both report false.
	FeatureVectorSearch Feature = "vectorSearch"
	// FeatureDocumentWrite indicates per-document WriteDocument/
	// ReadDocument/RemoveDocument addressing of an on-disk region.
	FeatureDocumentWrite Feature = "documentWrite"
)

// Store is bmdb's unified storage contract: the read/write/delete
// surface both the binary-file engine (pkg/binfile) and the WAL/MVCC
// engine (pkg/walstore) implement, so index maintenance and query code
// in this package work against either backend unchanged.
type Store interface {
	// Read fetches the current value of table:key.
	Read(table, key string) ([]byte, bool, error)
	// Write stores data under table:key, replacing any existing value.
	Write(table, key string, data []byte) error
	// Delete removes table:key. Returns false if it did not exist.
	Delete(table, key string) (bool, error)
	// AllKeys returns every key belonging to table.
	AllKeys(table string) ([]string, error)
	// Compact reclaims space from tombstoned or superseded records.
	Compact() error
	// Close releases any resources (file handles, lock files) held by
	// the backend.
	Close() error
	// SupportsFeature reports whether f is meaningful for this backend.
	SupportsFeature(f Feature) bool
}

// Transactional is implemented by backends that support FeatureTx
// (currently only the WAL engine).
type Transactional interface {
	Store
	Begin() (uint64, error)
	Commit(txid uint64) error
	Abort(txid uint64) error
	WriteTx(txid uint64, table, key string, data []byte) error
	DeleteTx(txid uint64, table, key string) error
}

// Bulk is the optional optimization surface a backend may offer on top
// of the core Store contract; both backends here implement it.
type Bulk interface {
	// ReadTable returns every document in table, keyed by document key.
	ReadTable(table string) (map[string][]byte, error)
	// ReadDocuments fetches the named keys, omitting absent ones.
	ReadDocuments(table string, keys []string) (map[string][]byte, error)
	// UpdateDocumentsBulk writes every document in docs, atomically for
	// backends that support FeatureTx.
	UpdateDocumentsBulk(table string, docs map[string][]byte) error
}
