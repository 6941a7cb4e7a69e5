package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bobboyms/bmdb/pkg/bitmap"
	"github.com/bobboyms/bmdb/pkg/catalog"
	"github.com/bobboyms/bmdb/pkg/dberrors"
	"github.com/bobboyms/bmdb/pkg/memindex"
)

// docIDAllocator assigns a stable integer id to each "table:key" string so
// memindex postings (which store ints, not strings) can reference
// documents; ids are assigned on first sight and never reused.
type docIDAllocator struct {
	mu     sync.Mutex
	byKey  map[string]int
	byID   map[int]string
	nextID int
}

func newDocIDAllocator() *docIDAllocator {
	return &docIDAllocator{byKey: make(map[string]int), byID: make(map[int]string)}
}

func (a *docIDAllocator) idFor(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byKey[key]; ok {
		return id
	}
	id := a.nextID
	a.nextID++
	a.byKey[key] = id
	a.byID[id] = key
	return id
}

func (a *docIDAllocator) keyFor(id int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.byID[id]
	return k, ok
}

// IndexManager owns the secondary-index catalog and the in-memory
// index trees it describes, updating them as documents are written or
// deleted through a Store. It sits above the Store contract rather
// than inside either backend, so the same index maintenance logic
// covers both pkg/binfile and pkg/walstore.
type IndexManager struct {
	mu       sync.RWMutex
	cat      *catalog.Catalog
	trees    map[string]*memindex.Tree // index name -> tree
	ids      *docIDAllocator
	codec    Codec
}

// NewIndexManager wraps an already-open Catalog.
func NewIndexManager(cat *catalog.Catalog, codec Codec) *IndexManager {
	im := &IndexManager{cat: cat, trees: make(map[string]*memindex.Tree), ids: newDocIDAllocator(), codec: codec}
	for _, def := range cat.ListIndexes() {
		im.trees[def.Name] = memindex.New()
	}
	return im
}

func compoundKey(values []any) (string, error) {
	parts := make([]string, len(values))
	for i, v := range values {
		enc, err := memindex.EncodeValue(v)
		if err != nil {
			return "", err
		}
		parts[i] = enc
	}
	return strings.Join(parts, "\x1f"), nil
}

// CreateIndex registers a new index and backfills it from store's
// current documents in table.
func (im *IndexManager) CreateIndex(def catalog.IndexDef, store Store) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if err := im.cat.CreateIndex(def); err != nil {
		return err
	}
	tree := memindex.New()
	im.trees[def.Name] = tree

	keys, err := store.AllKeys(def.Table)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, key := range keys {
		data, ok, err := store.Read(def.Table, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		values, err := im.fieldValues(data, def.Fields)
		if err != nil {
			continue
		}
		encKey, err := compoundKey(values)
		if err != nil {
			continue
		}
		if def.Unique {
			if seen[encKey] {
				return &dberrors.UniqueConstraintError{Field: strings.Join(def.Fields, ","), Value: encKey}
			}
			seen[encKey] = true
		}
		tree.Insert(encKey, im.ids.idFor(def.Table+":"+key))
	}
	return nil
}

// DropIndex removes an index and its in-memory tree.
func (im *IndexManager) DropIndex(name string) (bool, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	ok, err := im.cat.DropIndex(name)
	if err != nil {
		return false, err
	}
	delete(im.trees, name)
	return ok, nil
}

func (im *IndexManager) fieldValues(data []byte, fields []string) ([]any, error) {
	values := make([]any, len(fields))
	for i, f := range fields {
		v, ok, err := ExtractField(data, f, im.codec)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("field %q absent", f)
		}
		values[i] = v
	}
	return values, nil
}

// OnWrite updates every index defined over table to reflect key's new
// value, removing its old postings first if oldData is non-nil.
func (im *IndexManager) OnWrite(table, key string, oldData, newData []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	id := im.ids.idFor(table + ":" + key)
	for _, def := range im.cat.IndexesForTable(table) {
		tree := im.trees[def.Name]
		if tree == nil {
			continue
		}
		if oldData != nil {
			if values, err := im.fieldValues(oldData, def.Fields); err == nil {
				if encKey, err := compoundKey(values); err == nil {
					tree.Remove(encKey, id)
				}
			}
		}
		values, err := im.fieldValues(newData, def.Fields)
		if err != nil {
			continue
		}
		encKey, err := compoundKey(values)
		if err != nil {
			continue
		}
		if def.Unique {
			existing := tree.GetExact(encKey)
			if first, ok := existing.First(); ok && first != id {
				return &dberrors.UniqueConstraintError{Field: strings.Join(def.Fields, ","), Value: encKey}
			}
		}
		tree.Insert(encKey, id)
	}
	return nil
}

// OnDelete removes key's postings from every index over table.
func (im *IndexManager) OnDelete(table, key string, data []byte) {
	im.mu.Lock()
	defer im.mu.Unlock()

	id := im.ids.idFor(table + ":" + key)
	for _, def := range im.cat.IndexesForTable(table) {
		tree := im.trees[def.Name]
		if tree == nil {
			continue
		}
		values, err := im.fieldValues(data, def.Fields)
		if err != nil {
			continue
		}
		encKey, err := compoundKey(values)
		if err != nil {
			continue
		}
		tree.Remove(encKey, id)
	}
}

// CheckUniqueBeforeWrite validates every unique index defined over
// table against data before it is durably written, so a write that
// would violate a unique constraint is rejected before it ever touches
// the backing store. Callers still race against concurrent writers
// validating the same new value (the check only rules out conflicts
// with already-committed data); the defending-in-depth check inside
// OnWrite itself is what rejects a genuine conflict once one of the
// racing writers actually indexes.
func (im *IndexManager) CheckUniqueBeforeWrite(table, key string, data []byte) error {
	for _, def := range im.cat.IndexesForTable(table) {
		if !def.Unique {
			continue
		}
		values, err := im.fieldValues(data, def.Fields)
		if err != nil {
			continue
		}
		if err := im.CheckCompoundUnique(table, def.Fields, values, key); err != nil {
			return err
		}
	}
	return nil
}

// CheckUnique returns a UniqueConstraintError if value already exists for field on an
// index over table, excluding excludeKey (the document being updated,
// if any).
func (im *IndexManager) CheckUnique(table, field string, value any, excludeKey string) error {
	return im.CheckCompoundUnique(table, []string{field}, []any{value}, excludeKey)
}

// CheckCompoundUnique is CheckUnique generalized to multi-field unique
// indexes.
func (im *IndexManager) CheckCompoundUnique(table string, fields []string, values []any, excludeKey string) error {
	im.mu.RLock()
	defer im.mu.RUnlock()

	for _, def := range im.cat.IndexesForTable(table) {
		if !def.Unique || !sameFieldSet(def.Fields, fields) {
			continue
		}
		tree := im.trees[def.Name]
		if tree == nil {
			continue
		}
		encKey, err := compoundKey(values)
		if err != nil {
			return err
		}
		bm := tree.GetExact(encKey)
		excludeID := im.ids.idFor(table + ":" + excludeKey)
		for _, id := range bm.ToSet() {
			if id != excludeID {
				return &dberrors.UniqueConstraintError{Field: strings.Join(fields, ","), Value: encKey}
			}
		}
	}
	return nil
}

func sameFieldSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// QueryExact returns the document ids matching field == value under
// the named index.
func (im *IndexManager) QueryExact(indexName string, value any) (*bitmap.Bitmap, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	tree := im.trees[indexName]
	if tree == nil {
		return bitmap.New(), fmt.Errorf("storage: no such index %q", indexName)
	}
	enc, err := memindex.EncodeValue(value)
	if err != nil {
		return nil, err
	}
	return tree.GetExact(enc), nil
}

// KeyForDocID resolves a memindex posting id back to its "table:key"
// string.
func (im *IndexManager) KeyForDocID(id int) (string, bool) {
	return im.ids.keyFor(id)
}
