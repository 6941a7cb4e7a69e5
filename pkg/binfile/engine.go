package binfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobboyms/bmdb/pkg/dberrors"
	"github.com/bobboyms/bmdb/pkg/diskbtree"
)

// docEntryHeaderSize is the per-document prefix written ahead of every
// payload in the document region: validity flag + payload length. The
// flag lets RemoveDocument tombstone a payload in place without
// rewriting anything else.
const docEntryHeaderSize = 1 + 4 // valid(1) + length(4)

// defaultTreeReservation is the B+tree area's starting size for a
// freshly created file. Compact recomputes a tighter-or-looser
// reservation from the live document count instead of reusing this.
const defaultTreeReservation uint32 = 1 << 20

// alignUpToNodeSize rounds v up to the next multiple of diskbtree's
// fixed page size; every node offset must be NodeSize-aligned.
func alignUpToNodeSize(v uint32) uint32 {
	rem := v % diskbtree.NodeSize
	if rem == 0 {
		return v
	}
	return v + (diskbtree.NodeSize - rem)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// requiredTreeAreaSize estimates the B+tree area Compact must reserve
// to bulk-load numEntries keys: ceil(1.5 * (leaves + internals) *
// NodeSize), floored at defaultTreeReservation. Leaf count follows
// bulk-load's own 70% fill factor; internal-level counts assume full
// MaxKeys+1 fan-out, with the 1.5x headroom absorbing the difference.
func requiredTreeAreaSize(numEntries int) uint32 {
	if numEntries == 0 {
		return defaultTreeReservation
	}

	fillFactor := 0.70
	leafFill := int(float64(diskbtree.MaxKeys) * fillFactor)
	if leafFill < 1 {
		leafFill = 1
	}
	leaves := ceilDiv(numEntries, leafFill)

	internals := 0
	level := leaves
	for level > 1 {
		level = ceilDiv(level, diskbtree.MaxKeys+1)
		internals += level
	}

	size := uint32(math.Ceil(1.5 * float64(leaves+internals) * float64(diskbtree.NodeSize)))
	if size < defaultTreeReservation {
		return defaultTreeReservation
	}
	return size
}

// Engine is the single-file binary storage engine: a fixed header, a
// disk B+tree region (keys "<table>:<docId>" -> document offset and
// length), and a document region of length-prefixed payloads, all in
// one contiguous growing file.
type Engine struct {
	mu   sync.RWMutex
	path string
	file *os.File

	header         Header
	tree           *diskbtree.Tree
	docRegionStart uint32

	pageCache   map[int64][]byte
	pageOrder   []int64
	pageCap     int
	mmapEnabled bool

	pendingNodes map[int64][]byte
	batchSize    int
	batchTime    time.Duration
	lastFlush    time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Options configures an Engine's cache and batching behavior.
type Options struct {
	PageCacheSize int
	BatchSize     int
	// BatchTime bounds how long queued node writes can sit unflushed
	// when fewer than BatchSize of them accumulate.
	BatchTime     time.Duration
	NodeCacheSize int
	// MmapEnabled turns on the document-region page cache; reads go
	// straight to the file when disabled.
	MmapEnabled bool
}

// DefaultOptions returns sane defaults so callers don't have to know
// every knob.
func DefaultOptions() Options {
	return Options{
		PageCacheSize: 256,
		BatchSize:     5000,
		BatchTime:     100 * time.Millisecond,
		NodeCacheSize: 1000,
		MmapEnabled:   true,
	}
}

// Open opens or creates the data file at path.
func Open(path string, opts Options) (*Engine, error) {
	if opts.PageCacheSize <= 0 {
		opts.PageCacheSize = 256
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, &dberrors.IOError{Path: path, Cause: err}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &dberrors.IOError{Path: path, Cause: err}
	}

	e := &Engine{
		path:         path,
		file:         file,
		pageCache:    make(map[int64][]byte, opts.PageCacheSize),
		pageCap:      opts.PageCacheSize,
		mmapEnabled:  opts.MmapEnabled,
		batchSize:    opts.BatchSize,
		batchTime:    opts.BatchTime,
		lastFlush:    time.Now(),
		pendingNodes: make(map[int64][]byte),
		done:         make(chan struct{}),
	}

	if info.Size() == 0 {
		treeStart := alignUpToNodeSize(HeaderSize)
		reserved1 := defaultTreeReservation
		docStart := HeaderSize + reserved1
		e.header = NewHeader(treeStart, reserved1, docStart)
		e.docRegionStart = docStart
	} else {
		buf := make([]byte, HeaderSize)
		if _, err := file.ReadAt(buf, 0); err != nil {
			file.Close()
			return nil, &dberrors.IOError{Path: path, Cause: err}
		}
		h, err := DecodeHeader(path, buf)
		if err != nil {
			file.Close()
			return nil, err
		}
		e.header = h
		e.docRegionStart = HeaderSize + h.Reserved1
	}

	e.tree = diskbtree.New(e.readNode, e.writeNode, e.header.RootNodeOffset,
		int64(e.header.NextNodeOffset), diskbtree.Options{CacheSize: opts.NodeCacheSize})

	if info.Size() == 0 {
		// writeHeader reads the root/next-node offsets from e.tree, so a
		// fresh file's header is written once the tree exists.
		if err := e.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	if e.batchTime > 0 {
		go e.flushLoop()
	}
	return e, nil
}

// flushLoop is the time arm of the batch trigger: a partial batch of
// queued node writes reaches disk within roughly batchTime even when
// fewer than batchSize of them accumulate.
func (e *Engine) flushLoop() {
	ticker := time.NewTicker(e.batchTime)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			if len(e.pendingNodes) > 0 && time.Since(e.lastFlush) >= e.batchTime {
				if err := e.flushLocked(); err == nil {
					_ = e.writeHeader()
				}
			}
			e.mu.Unlock()
		}
	}
}

// Close stops the background flush loop, flushes pending writes, and
// closes the underlying file.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return err
	}
	if err := e.writeHeader(); err != nil {
		return err
	}
	return e.file.Close()
}

func (e *Engine) writeHeader() error {
	e.header.RootNodeOffset = e.tree.RootOffset()
	e.header.NextNodeOffset = uint32(e.tree.NextNodeOffset())
	buf := e.header.Encode()
	if _, err := e.file.WriteAt(buf[:], 0); err != nil {
		return &dberrors.IOError{Path: e.path, Cause: err}
	}
	return nil
}

// readNode/writeNode are the diskbtree.Tree callbacks. diskbtree keeps
// its own node cache in front of these (pkg/diskbtree/cache.go) and
// evicts from it independent of whether binfile has flushed a given
// page to disk yet, so readNode must be able to serve an evicted-but-
// still-queued write out of pendingNodes rather than going straight to
// the file, or an eviction racing ahead of a batch flush would read
// back stale (possibly zeroed) bytes.
func (e *Engine) readNode(offset int64) ([]byte, error) {
	if buf, ok := e.pendingNodes[offset]; ok {
		cp := make([]byte, diskbtree.NodeSize)
		copy(cp, buf)
		return cp, nil
	}
	buf := make([]byte, diskbtree.NodeSize)
	n, err := e.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, &dberrors.IOError{Path: e.path, Cause: err}
	}
	if n < diskbtree.NodeSize {
		// A freshly allocated, never-written page reads as zeros, which
		// decodes as an internal node with no keys (leafFlag=0 means
		// internal) and a single child at offset 0.
		return buf, nil
	}
	return buf, nil
}

func (e *Engine) writeNode(offset int64, buf []byte) error {
	if offset+int64(len(buf)) > int64(e.docRegionStart) {
		return &dberrors.TreeAreaExhaustedError{Path: e.path, Reserved: e.header.Reserved1}
	}
	e.queueWrite(offset, buf)
	return nil
}

// queueWrite buffers a page write, flushing the whole batch (sorted by
// offset for sequential disk locality) once
// batchSize writes have accumulated. pendingNodes is keyed by offset
// rather than appended to a log, so a node rewritten more than once
// within a single batch window collapses to its latest version instead
// of risking an unstable sort replaying an older write last. The page
// stays visible to readNode via pendingNodes from the moment it's
// queued until the batch is actually flushed to disk, regardless of
// diskbtree's own cache state.
func (e *Engine) queueWrite(offset int64, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	e.pendingNodes[offset] = cp
	e.invalidatePage(offset)
	if len(e.pendingNodes) >= e.batchSize {
		_ = e.flushLocked()
	}
}

func (e *Engine) flushLocked() error {
	if len(e.pendingNodes) == 0 {
		return nil
	}
	offsets := make([]int64, 0, len(e.pendingNodes))
	for off := range e.pendingNodes {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		if _, err := e.file.WriteAt(e.pendingNodes[off], off); err != nil {
			return &dberrors.IOError{Path: e.path, Cause: err}
		}
	}
	e.pendingNodes = make(map[int64][]byte)
	e.lastFlush = time.Now()
	return nil
}

// Flush forces any queued node writes to disk.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return err
	}
	return e.writeHeader()
}

func (e *Engine) invalidatePage(offset int64) {
	if _, ok := e.pageCache[offset]; ok {
		delete(e.pageCache, offset)
	}
}

func (e *Engine) cachePage(offset int64, buf []byte) {
	if !e.mmapEnabled {
		return
	}
	if _, ok := e.pageCache[offset]; !ok {
		e.pageOrder = append(e.pageOrder, offset)
	}
	e.pageCache[offset] = buf
	if len(e.pageCache) > e.pageCap {
		victim := e.pageOrder[0]
		e.pageOrder = e.pageOrder[1:]
		delete(e.pageCache, victim)
	}
}

// WriteDocument appends payload to the document region at the current
// free-space offset, indexes it under key in the primary B+tree, and
// returns the (offset, length) entry recorded.
func (e *Engine) WriteDocument(key string, payload []byte) (diskbtree.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	offset := int64(e.header.FreeSpaceOffset)
	entryBuf := make([]byte, docEntryHeaderSize+len(payload))
	entryBuf[0] = 1
	binary.BigEndian.PutUint32(entryBuf[1:], uint32(len(payload)))
	copy(entryBuf[docEntryHeaderSize:], payload)

	if _, err := e.file.WriteAt(entryBuf, offset); err != nil {
		return diskbtree.Entry{}, &dberrors.IOError{Path: e.path, Cause: err}
	}
	e.header.FreeSpaceOffset = uint32(offset + int64(len(entryBuf)))

	entry := diskbtree.Entry{Offset: uint32(offset), Length: uint32(len(payload))}
	_, existed, err := e.tree.Find(key)
	if err != nil {
		return diskbtree.Entry{}, err
	}
	if err := e.tree.Insert(key, entry); err != nil {
		return diskbtree.Entry{}, err
	}
	if !existed {
		e.header.DocumentCount++
	}
	// Queued node writes ride the batch (size or time trigger); Flush,
	// Compact, and Close are the points that force them plus the
	// header to disk.
	return entry, nil
}

// ReadDocument fetches the raw payload for key, going through the page
// cache for the entry header plus payload bytes.
func (e *Engine) ReadDocument(key string) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok, err := e.tree.Find(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return e.readPayload(entry)
}

func (e *Engine) readPayload(entry diskbtree.Entry) ([]byte, bool, error) {
	if cached, ok := e.pageCache[int64(entry.Offset)]; ok && e.mmapEnabled {
		valid := cached[0] == 1
		if !valid {
			return nil, false, nil
		}
		out := make([]byte, len(cached)-docEntryHeaderSize)
		copy(out, cached[docEntryHeaderSize:])
		return out, true, nil
	}

	total := docEntryHeaderSize + int(entry.Length)
	buf := make([]byte, total)
	if _, err := e.file.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, false, &dberrors.IOError{Path: e.path, Cause: err}
	}
	e.cachePage(int64(entry.Offset), buf)

	if buf[0] != 1 {
		return nil, false, nil
	}
	out := make([]byte, entry.Length)
	copy(out, buf[docEntryHeaderSize:])
	return out, true, nil
}

// RemoveDocument tombstones the document's entry header in place and
// drops it from the primary index. Space is reclaimed by Compact, not
// by this call.
func (e *Engine) RemoveDocument(key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok, err := e.tree.Find(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var zero [1]byte
	if _, err := e.file.WriteAt(zero[:], int64(entry.Offset)); err != nil {
		return false, &dberrors.IOError{Path: e.path, Cause: err}
	}
	e.invalidatePage(int64(entry.Offset))

	removed, err := e.tree.Remove(key)
	if err != nil {
		return false, err
	}
	if removed && e.header.DocumentCount > 0 {
		e.header.DocumentCount--
	}
	return removed, nil
}

// DocumentCount reports the number of live (non-tombstoned) documents.
func (e *Engine) DocumentCount() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.header.DocumentCount
}

// AllKeys returns every key currently indexed, in ascending order.
func (e *Engine) AllKeys() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all, err := e.tree.GetAllEntries()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(all))
	for i, kv := range all {
		keys[i] = kv.Key
	}
	return keys, nil
}

// Compact rewrites the file into a fresh temp file containing only
// live documents and a freshly bulk-loaded B+tree, then atomically
// replaces the original, keeping it as a backup until the replacement
// is in place.
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.flushLocked(); err != nil {
		return err
	}

	all, err := e.tree.GetAllEntries()
	if err != nil {
		return err
	}

	tmpPath := e.path + ".compact." + uuid.NewString()
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return &dberrors.IOError{Path: tmpPath, Cause: err}
	}

	// Read all live entries into memory first: the new layout's document
	// region doesn't start until after the freshly sized B+tree area,
	// whose size depends on the live count.
	type liveDoc struct {
		key     string
		payload []byte
	}
	live := make([]liveDoc, 0, len(all))
	for _, kv := range all {
		payload, ok, err := e.readPayload(kv.Entry)
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return &dberrors.CompactionFailedError{Cause: err}
		}
		if !ok {
			continue
		}
		live = append(live, liveDoc{key: kv.Key, payload: payload})
	}

	treeStart := alignUpToNodeSize(HeaderSize)
	reserved1 := requiredTreeAreaSize(len(live))
	docStart := HeaderSize + reserved1

	writeOffset := int64(docStart)
	newEntries := make([]diskbtree.KV, 0, len(live))
	for _, d := range live {
		buf := make([]byte, docEntryHeaderSize+len(d.payload))
		buf[0] = 1
		binary.BigEndian.PutUint32(buf[1:], uint32(len(d.payload)))
		copy(buf[docEntryHeaderSize:], d.payload)
		if _, err := tmpFile.WriteAt(buf, writeOffset); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return &dberrors.CompactionFailedError{Cause: err}
		}
		newEntries = append(newEntries, diskbtree.KV{
			Key:   d.key,
			Entry: diskbtree.Entry{Offset: uint32(writeOffset), Length: uint32(len(d.payload))},
		})
		writeOffset += int64(len(buf))
	}

	newHeader := NewHeader(treeStart, reserved1, docStart)
	newHeader.FreeSpaceOffset = uint32(writeOffset)

	treeAreaEnd := int64(docStart)
	newTree := diskbtree.New(
		func(off int64) ([]byte, error) {
			b := make([]byte, diskbtree.NodeSize)
			tmpFile.ReadAt(b, off)
			return b, nil
		},
		func(off int64, b []byte) error {
			if off+int64(len(b)) > treeAreaEnd {
				return &dberrors.TreeAreaExhaustedError{Path: tmpPath, Reserved: reserved1}
			}
			_, err := tmpFile.WriteAt(b, off)
			return err
		},
		-1, int64(treeStart), diskbtree.Options{},
	)
	if err := newTree.BulkInsert(newEntries); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return &dberrors.CompactionFailedError{Cause: err}
	}
	newHeader.RootNodeOffset = newTree.RootOffset()
	newHeader.NextNodeOffset = uint32(newTree.NextNodeOffset())
	newHeader.DocumentCount = uint32(len(newEntries))
	buf := newHeader.Encode()
	if _, err := tmpFile.WriteAt(buf[:], 0); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return &dberrors.CompactionFailedError{Cause: err}
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return &dberrors.CompactionFailedError{Cause: err}
	}
	tmpFile.Close()

	if err := e.file.Close(); err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}
	// The original becomes the sidecar backup until the replacement is
	// in place; on failure it is restored, on success it is deleted.
	backupPath := e.path + ".backup"
	if err := os.Rename(e.path, backupPath); err != nil {
		os.Remove(tmpPath)
		return &dberrors.CompactionFailedError{Cause: err}
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		os.Rename(backupPath, e.path)
		os.Remove(tmpPath)
		if reopened, reopenErr := os.OpenFile(e.path, os.O_RDWR, 0o666); reopenErr == nil {
			e.file = reopened
		}
		return &dberrors.CompactionFailedError{Cause: err}
	}
	os.Remove(backupPath)

	reopened, err := os.OpenFile(e.path, os.O_RDWR, 0o666)
	if err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}
	e.file = reopened
	e.header = newHeader
	e.docRegionStart = docStart
	e.pageCache = make(map[int64][]byte, e.pageCap)
	e.pageOrder = nil
	e.pendingNodes = make(map[int64][]byte)
	e.tree = diskbtree.New(e.readNode, e.writeNode, e.header.RootNodeOffset,
		int64(e.header.NextNodeOffset), diskbtree.Options{CacheSize: e.pageCap})
	e.tree.ClearCache()
	return nil
}

func (e *Engine) String() string {
	return fmt.Sprintf("binfile.Engine{path=%s %s}", e.path, e.header)
}
