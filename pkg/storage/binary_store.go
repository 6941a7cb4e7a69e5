package storage

import (
	"path/filepath"

	"github.com/bobboyms/bmdb/pkg/binfile"
	"github.com/bobboyms/bmdb/pkg/catalog"
)

// BinaryStore is the Store implementation backed by pkg/binfile's
// single-file B+tree engine: each write is applied on its own (tree
// node pages reach disk on the engine's batch flush), with per-document
// region addressing (FeatureDocumentWrite) but without transactions
// (FeatureTx reports false).
type BinaryStore struct {
	engine  *binfile.Engine
	indexes *IndexManager
	codec   Codec
}

// OpenBinaryStore opens (or creates) a binary-file-backed store at
// dir/data.bmdb, with its index catalog at dir/catalog.json.
func OpenBinaryStore(dir string, codec Codec) (*BinaryStore, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	engine, err := binfile.Open(filepath.Join(dir, "data.bmdb"), binfile.DefaultOptions())
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(filepath.Join(dir, "catalog.json"))
	if err != nil {
		engine.Close()
		return nil, err
	}
	return &BinaryStore{engine: engine, indexes: NewIndexManager(cat, codec), codec: codec}, nil
}

func docKey(table, key string) string { return table + ":" + key }

func (s *BinaryStore) Read(table, key string) ([]byte, bool, error) {
	return s.engine.ReadDocument(docKey(table, key))
}

func (s *BinaryStore) Write(table, key string, data []byte) error {
	old, existed, err := s.engine.ReadDocument(docKey(table, key))
	if err != nil {
		return err
	}
	if !existed {
		old = nil
	}
	if err := s.indexes.CheckUniqueBeforeWrite(table, key, data); err != nil {
		return err
	}
	if _, err := s.engine.WriteDocument(docKey(table, key), data); err != nil {
		return err
	}
	return s.indexes.OnWrite(table, key, old, data)
}

func (s *BinaryStore) Delete(table, key string) (bool, error) {
	data, existed, err := s.engine.ReadDocument(docKey(table, key))
	if err != nil || !existed {
		return false, err
	}
	s.indexes.OnDelete(table, key, data)
	return s.engine.RemoveDocument(docKey(table, key))
}

func (s *BinaryStore) AllKeys(table string) ([]string, error) {
	all, err := s.engine.AllKeys()
	if err != nil {
		return nil, err
	}
	prefix := table + ":"
	var out []string
	for _, k := range all {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

func (s *BinaryStore) Compact() error { return s.engine.Compact() }
func (s *BinaryStore) Close() error   { return s.engine.Close() }

func (s *BinaryStore) SupportsFeature(f Feature) bool {
	switch f {
	case FeatureCompoundIndex, FeatureBatch, FeatureDocumentWrite:
		return true
	default:
		return false
	}
}

// ReadTable returns every document in table, keyed by document key.
func (s *BinaryStore) ReadTable(table string) (map[string][]byte, error) {
	keys, err := s.AllKeys(table)
	if err != nil {
		return nil, err
	}
	return s.ReadDocuments(table, keys)
}

// ReadDocuments fetches the named keys, omitting absent ones.
func (s *BinaryStore) ReadDocuments(table string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		data, ok, err := s.engine.ReadDocument(docKey(table, k))
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = data
		}
	}
	return out, nil
}

// UpdateDocumentsBulk writes every document in docs. Without
// transactions each write is applied individually; a failure leaves
// earlier writes applied.
func (s *BinaryStore) UpdateDocumentsBulk(table string, docs map[string][]byte) error {
	for k, data := range docs {
		if err := s.Write(table, k, data); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex registers and backfills a secondary index over table.
func (s *BinaryStore) CreateIndex(def catalog.IndexDef) error {
	return s.indexes.CreateIndex(def, s)
}

// Indexes exposes the store's IndexManager for query code.
func (s *BinaryStore) Indexes() *IndexManager { return s.indexes }
