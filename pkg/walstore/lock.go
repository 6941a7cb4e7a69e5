package walstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bobboyms/bmdb/pkg/dberrors"
)

// lockPayload is the owner record written into the lock file and into
// a `.stale` marker. Only the marker's copy is read back: acquireLock
// compares its nonce with the caller's to recognize the caller's own
// failed release.
type lockPayload struct {
	Nonce string `json:"nonce"`
	PID   int    `json:"pid"`
}

// fileLock is an advisory, filesystem-based mutual-exclusion lock: the
// presence of the lock file, created with O_EXCL, is the lock.
type fileLock struct {
	path  string
	nonce string
}

// newLockNonce mints the owner identity an Engine presents on every
// lock acquisition for its whole lifetime. Keeping it stable across
// acquisitions is what makes the stale-marker reclaim below reachable:
// a marker written by one failed release can be matched by the same
// owner's next attempt.
func newLockNonce() string { return uuid.NewString() }

// acquireLock creates the engine's lock file, retrying on contention
// per opts.LockRetries/LockRetryBackoff. If a `.stale` marker is found
// next to an unremovable lock file from a prior failed release, its
// recorded nonce is compared against the caller's; a match means this
// owner's own earlier release failed to unlink, so the lock is still
// logically its and may be reclaimed. A marker from a different owner
// is left untouched.
func acquireLock(dir string, fileName string, nonce string, opts Options) (*fileLock, error) {
	path := filepath.Join(dir, fileName)
	stalePath := path + ".stale"
	payload, _ := json.Marshal(lockPayload{Nonce: nonce, PID: os.Getpid()})

	for attempt := 0; attempt < opts.LockRetries; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := f.Write(payload); werr != nil {
				f.Close()
				return nil, &dberrors.IOError{Path: path, Cause: werr}
			}
			f.Close()
			os.Remove(stalePath)
			return &fileLock{path: path, nonce: nonce}, nil
		}

		if staleBuf, serr := os.ReadFile(stalePath); serr == nil {
			var marker lockPayload
			if json.Unmarshal(staleBuf, &marker) == nil && marker.Nonce == nonce {
				os.Remove(stalePath)
				return &fileLock{path: path, nonce: nonce}, nil
			}
		}

		time.Sleep(opts.LockRetryBackoff)
	}
	return nil, &dberrors.LockContentionError{Path: path, Attempts: opts.LockRetries}
}

// release removes the lock file. If removal fails (e.g. another
// process still has it open on a filesystem that forbids unlinking a
// held file), a `.stale` marker recording this lock's nonce is written
// so a subsequent acquireLock by the same logical owner can detect and
// reclaim it instead of contending until its retries run out.
func (l *fileLock) release() error {
	if err := os.Remove(l.path); err != nil {
		marker, merr := json.Marshal(lockPayload{Nonce: l.nonce, PID: os.Getpid()})
		if merr == nil {
			_ = os.WriteFile(l.path+".stale", marker, 0o644)
		}
		return &dberrors.IOError{Path: l.path, Cause: err}
	}
	return nil
}
