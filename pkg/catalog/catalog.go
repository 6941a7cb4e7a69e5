// Package catalog tracks the secondary indexes defined over bmdb
// tables: their names, target table, field list, and uniqueness, kept
// durable in a small JSON sidecar file next to the data file. Rewrites
// are atomic (write to a temp file, fsync, rename), so a concurrent
// reader sees either the old or the new content, never a partial
// write.
package catalog

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/bobboyms/bmdb/pkg/dberrors"
)

// IndexDef describes one secondary index.
type IndexDef struct {
	Name   string   `json:"name"`
	Table  string   `json:"table"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

// Compound reports whether this index spans more than one field.
func (d IndexDef) Compound() bool { return len(d.Fields) > 1 }

// Catalog is the in-memory, disk-backed set of index definitions for
// one database file.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	indexes map[string]IndexDef
}

// Open loads the catalog sidecar file at path, or starts empty if it
// does not exist yet.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: path, indexes: make(map[string]IndexDef)}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, &dberrors.IOError{Path: path, Cause: err}
	}
	if len(buf) == 0 {
		return c, nil
	}

	var defs []IndexDef
	if err := json.Unmarshal(buf, &defs); err != nil {
		return nil, &dberrors.InvalidFormatError{Path: path}
	}
	for _, d := range defs {
		c.indexes[d.Name] = d
	}
	return c, nil
}

// CreateIndex registers a new single- or multi-field index. The
// caller is responsible for backfilling postings from existing
// documents and for verifying uniqueness (pkg/storage's IndexManager
// does both while holding its own lock, reading the full document set
// through the store).
func (c *Catalog) CreateIndex(def IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.indexes[def.Name]; exists {
		return &dberrors.UniqueConstraintError{Field: "index name", Value: def.Name}
	}
	c.indexes[def.Name] = def
	return c.persistLocked()
}

// CreateCompoundIndex is CreateIndex for the common multi-field case.
func (c *Catalog) CreateCompoundIndex(name, table string, fields []string, unique bool) error {
	return c.CreateIndex(IndexDef{Name: name, Table: table, Fields: fields, Unique: unique})
}

// DropIndex removes an index definition. Returns false if it did not
// exist.
func (c *Catalog) DropIndex(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.indexes[name]; !exists {
		return false, nil
	}
	delete(c.indexes, name)
	return true, c.persistLocked()
}

// Get returns the definition for name, if any.
func (c *Catalog) Get(name string) (IndexDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.indexes[name]
	return d, ok
}

// ListIndexes returns every index definition, sorted by name for
// deterministic output.
func (c *Catalog) ListIndexes() []IndexDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]IndexDef, 0, len(c.indexes))
	for _, d := range c.indexes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IndexesForTable returns every index defined over table.
func (c *Catalog) IndexesForTable(table string) []IndexDef {
	var out []IndexDef
	for _, d := range c.ListIndexes() {
		if d.Table == table {
			out = append(out, d)
		}
	}
	return out
}

func (c *Catalog) persistLocked() error {
	defs := make([]IndexDef, 0, len(c.indexes))
	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		defs = append(defs, c.indexes[name])
	}

	buf, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := c.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return &dberrors.IOError{Path: tmpPath, Cause: err}
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &dberrors.IOError{Path: tmpPath, Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &dberrors.IOError{Path: tmpPath, Cause: err}
	}
	if err := f.Close(); err != nil {
		return &dberrors.IOError{Path: tmpPath, Cause: err}
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return &dberrors.IOError{Path: c.path, Cause: err}
	}
	return nil
}
