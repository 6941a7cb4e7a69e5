package walstore

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bobboyms/bmdb/pkg/dberrors"
)

// compactionSliceSize bounds how much of the old log is held in memory
// at once while streaming it into the replacement file.
const compactionSliceSize = 4 * 1024 * 1024

func (e *Engine) maybeCompactLocked() error {
	if e.recordsSinceCompact < e.opts.CompactionThreshold {
		return nil
	}
	return e.timerCompactLocked()
}

// timerCompactLocked compacts unless a pass is already running or the
// minimum interval since the last one has not elapsed.
func (e *Engine) timerCompactLocked() error {
	if e.compacting {
		return nil
	}
	if !e.lastCompact.IsZero() && time.Since(e.lastCompact) < e.opts.MinCompactionInterval {
		return nil
	}
	return e.compactLocked()
}

// Compact checkpoints the current stable snapshot to the data file,
// drops every committed transaction below stableTxid from in-memory
// history, and rewrites the log to retain only begin/staged-op records
// for transactions still active, streamed in bounded slices into a
// temp file (the log's name plus ".tmp.<uuid>") and atomically renamed
// over the live log. On error the
// original log is left intact.
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compactLocked()
}

func (e *Engine) compactLocked() error {
	if e.compacting {
		return nil
	}
	e.compacting = true
	defer func() { e.compacting = false }()

	if err := e.flushLocked(); err != nil {
		return err
	}

	latest := e.baseline
	if n := len(e.committed); n > 0 {
		latest = e.committed[n-1].data
	}
	e.baseline = latest
	e.committed = e.committed[:0]
	if err := e.persistSnapshotLocked(); err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}

	// A per-pass suffix keeps two engine instances (tests, mainly) from
	// colliding on a shared temp name in the same directory.
	tmpPath := e.file.Name() + ".tmp." + uuid.NewString()
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}

	for txid, st := range e.active {
		beginRec := Record{Type: RecordBegin, Txid: txid}
		if err := e.writeCompactRecord(tmpFile, beginRec); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return err
		}
		for _, op := range st.ops {
			if err := e.writeCompactRecord(tmpFile, op); err != nil {
				tmpFile.Close()
				os.Remove(tmpPath)
				return err
			}
		}
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return &dberrors.CompactionFailedError{Cause: err}
	}
	tmpFile.Close()

	oldPath := e.file.Name()
	if err := e.file.Close(); err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}
	if err := os.Rename(tmpPath, oldPath); err != nil {
		// Roll back to the original file: it is untouched on disk since
		// the rewrite happened entirely in tmpPath.
		reopened, reopenErr := os.OpenFile(oldPath, os.O_RDWR|os.O_APPEND, 0o644)
		if reopenErr == nil {
			e.file = reopened
		}
		return &dberrors.CompactionFailedError{Cause: err}
	}

	reopened, err := os.OpenFile(oldPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}
	e.file = reopened
	e.recordsSinceCompact = 0
	e.lastCompact = time.Now()
	if _, err := e.file.Seek(0, 2); err != nil {
		return &dberrors.IOError{Path: oldPath, Cause: err}
	}
	return nil
}

func (e *Engine) writeCompactRecord(w io.Writer, rec Record) error {
	line, err := rec.Encode(e.opts.UseMsgPack)
	if err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}
	if err := writeSliced(w, append(line, '\n')); err != nil {
		return &dberrors.CompactionFailedError{Cause: err}
	}
	return nil
}

func writeSliced(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n := compactionSliceSize
		if n > len(buf) {
			n = len(buf)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
