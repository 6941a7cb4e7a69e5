package storage

import (
	"testing"

	"github.com/bobboyms/bmdb/pkg/catalog"
)

func openTestWALStore(t *testing.T) *WALStore {
	t.Helper()
	s, err := OpenWALStore(t.TempDir(), JSONCodec{})
	if err != nil {
		t.Fatalf("OpenWALStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWALStoreTransactionalWrite(t *testing.T) {
	s := openTestWALStore(t)

	txid, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.WriteTx(txid, "users", "1", []byte(`{"name":"ada"}`)); err != nil {
		t.Fatalf("WriteTx: %v", err)
	}
	if _, ok, _ := s.Read("users", "1"); ok {
		t.Fatalf("expected uncommitted write to be invisible")
	}
	if err := s.Commit(txid); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, ok, err := s.Read("users", "1")
	if err != nil || !ok || string(data) != `{"name":"ada"}` {
		t.Fatalf("Read after commit = %q, %v, %v", data, ok, err)
	}
}

func TestWALStoreAbortRollsBackIndexUpdate(t *testing.T) {
	s := openTestWALStore(t)
	if err := s.CreateIndex(catalog.IndexDef{Name: "by_email", Table: "users", Fields: []string{"email"}, Unique: true}); err != nil {
		t.Fatal(err)
	}

	txid, _ := s.Begin()
	if err := s.WriteTx(txid, "users", "1", []byte(`{"email":"a@example.com"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Abort(txid); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if err := s.Write("users", "2", []byte(`{"email":"a@example.com"}`)); err != nil {
		t.Fatalf("expected write to succeed since aborted value never committed: %v", err)
	}
}

func TestWALStoreSupportsFeature(t *testing.T) {
	s := openTestWALStore(t)
	for _, f := range []Feature{FeatureCompoundIndex, FeatureBatch, FeatureTx, FeatureAsync, FeatureFileLocking} {
		if !s.SupportsFeature(f) {
			t.Fatalf("WAL store should support %s", f)
		}
	}
	for _, f := range []Feature{FeatureVectorSearch, FeatureDocumentWrite} {
		if s.SupportsFeature(f) {
			t.Fatalf("WAL store should not support %s", f)
		}
	}
}

func TestWALStoreBulkReadAndUpdate(t *testing.T) {
	s := openTestWALStore(t)
	docs := map[string][]byte{
		"1": []byte(`{"name":"ada"}`),
		"2": []byte(`{"name":"grace"}`),
		"3": []byte(`{"name":"linus"}`),
	}
	if err := s.UpdateDocumentsBulk("users", docs); err != nil {
		t.Fatalf("UpdateDocumentsBulk: %v", err)
	}

	all, err := s.ReadTable("users")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ReadTable len = %d, want 3", len(all))
	}
	for k, want := range docs {
		if string(all[k]) != string(want) {
			t.Fatalf("ReadTable[%s] = %q, want %q", k, all[k], want)
		}
	}

	some, err := s.ReadDocuments("users", []string{"1", "3", "missing"})
	if err != nil {
		t.Fatalf("ReadDocuments: %v", err)
	}
	if len(some) != 2 {
		t.Fatalf("ReadDocuments len = %d, want 2 (absent keys omitted)", len(some))
	}
}

func TestWALStoreSnapshotIsolation(t *testing.T) {
	s := openTestWALStore(t)
	if err := s.Write("users", "1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if err := s.Write("users", "1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	data, ok := snap.Get("users", "1")
	if !ok || string(data) != "v1" {
		t.Fatalf("snapshot should see v1, got %q, %v", data, ok)
	}
}
