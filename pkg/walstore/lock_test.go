package walstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobboyms/bmdb/pkg/dberrors"
)

func TestAcquireReleaseLock(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.LockRetries = 3
	opts.LockRetryBackoff = time.Millisecond

	lock, err := acquireLock(dir, opts.lockFileName(), newLockNonce(), opts)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if err := lock.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquireLockReclaimsOwnStaleMarker(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.LockRetries = 3
	opts.LockRetryBackoff = time.Millisecond

	nonce := newLockNonce()
	held, err := acquireLock(dir, opts.lockFileName(), nonce, opts)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a release whose unlink failed: the lock file stays on
	// disk and a .stale marker records the owner's nonce.
	lockPath := filepath.Join(dir, opts.lockFileName())
	marker, err := json.Marshal(lockPayload{Nonce: held.nonce, PID: os.Getpid()})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lockPath+".stale", marker, 0o644); err != nil {
		t.Fatal(err)
	}

	// The same owner re-acquiring with its stable nonce reclaims the
	// lock and consumes the marker.
	reclaimed, err := acquireLock(dir, opts.lockFileName(), nonce, opts)
	if err != nil {
		t.Fatalf("expected same-nonce acquisition to reclaim the stale lock: %v", err)
	}
	if _, err := os.Stat(lockPath + ".stale"); !os.IsNotExist(err) {
		t.Fatalf("expected the stale marker to be consumed on reclaim")
	}
	if err := reclaimed.release(); err != nil {
		t.Fatalf("release after reclaim: %v", err)
	}

	// A different owner's marker must not be reclaimable.
	held2, err := acquireLock(dir, opts.lockFileName(), newLockNonce(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer held2.release()
	if err := os.WriteFile(lockPath+".stale", marker, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := acquireLock(dir, opts.lockFileName(), newLockNonce(), opts); err == nil {
		t.Fatalf("expected a foreign stale marker to be left alone and acquisition to contend")
	}
	os.Remove(lockPath + ".stale")
}

func TestBeginContendsAcrossEngineHandles(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.SyncPolicy = SyncEveryWrite
	opts.LockRetries = 3
	opts.LockRetryBackoff = time.Millisecond

	e1, err := Open(opts)
	if err != nil {
		t.Fatalf("Open e1: %v", err)
	}
	defer e1.Close()
	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("Open e2: %v", err)
	}
	defer e2.Close()

	txA, err := e1.Begin()
	if err != nil {
		t.Fatalf("Begin on e1: %v", err)
	}

	var contention *dberrors.LockContentionError
	if _, err := e2.Begin(); !errors.As(err, &contention) {
		t.Fatalf("Begin on e2 while e1 holds the lock = %v, want LockContentionError", err)
	}

	if err := e1.Commit(txA); err != nil {
		t.Fatalf("Commit on e1: %v", err)
	}

	txB, err := e2.Begin()
	if err != nil {
		t.Fatalf("Begin on e2 after e1 committed: %v", err)
	}
	if err := e2.Abort(txB); err != nil {
		t.Fatalf("Abort on e2: %v", err)
	}
}

func TestAcquireLockContention(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.LockRetries = 2
	opts.LockRetryBackoff = time.Millisecond

	held, err := acquireLock(dir, opts.lockFileName(), newLockNonce(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer held.release()

	_, err = acquireLock(dir, opts.lockFileName(), newLockNonce(), opts)
	if err == nil {
		t.Fatalf("expected lock contention error while already held")
	}
}
