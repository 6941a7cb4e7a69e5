package storage

import (
	"testing"

	"github.com/bobboyms/bmdb/pkg/catalog"
)

func openTestBinaryStore(t *testing.T) *BinaryStore {
	t.Helper()
	s, err := OpenBinaryStore(t.TempDir(), JSONCodec{})
	if err != nil {
		t.Fatalf("OpenBinaryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBinaryStoreWriteReadDelete(t *testing.T) {
	s := openTestBinaryStore(t)
	if err := s.Write("users", "1", []byte(`{"name":"ada"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, ok, err := s.Read("users", "1")
	if err != nil || !ok {
		t.Fatalf("Read: %v, %v", ok, err)
	}
	if string(data) != `{"name":"ada"}` {
		t.Fatalf("Read = %q", data)
	}

	removed, err := s.Delete("users", "1")
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	if _, ok, _ := s.Read("users", "1"); ok {
		t.Fatalf("expected document gone after delete")
	}
}

func TestBinaryStoreUniqueIndexRejectsDuplicate(t *testing.T) {
	s := openTestBinaryStore(t)
	if err := s.Write("users", "1", []byte(`{"email":"a@example.com"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateIndex(catalog.IndexDef{Name: "by_email", Table: "users", Fields: []string{"email"}, Unique: true}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := s.Write("users", "2", []byte(`{"email":"a@example.com"}`)); err == nil {
		t.Fatalf("expected unique constraint violation")
	}
	if err := s.Write("users", "2", []byte(`{"email":"b@example.com"}`)); err != nil {
		t.Fatalf("expected distinct email to be accepted: %v", err)
	}
}

func TestBinaryStoreQueryExact(t *testing.T) {
	s := openTestBinaryStore(t)
	if err := s.CreateIndex(catalog.IndexDef{Name: "by_status", Table: "orders", Fields: []string{"status"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("orders", "1", []byte(`{"status":"open"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("orders", "2", []byte(`{"status":"closed"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("orders", "3", []byte(`{"status":"open"}`)); err != nil {
		t.Fatal(err)
	}

	bm, err := s.Indexes().QueryExact("by_status", "open")
	if err != nil {
		t.Fatalf("QueryExact: %v", err)
	}
	if bm.Size() != 2 {
		t.Fatalf("QueryExact(open) size = %d, want 2", bm.Size())
	}
}

func TestBinaryStoreSupportsFeature(t *testing.T) {
	s := openTestBinaryStore(t)
	if s.SupportsFeature(FeatureTx) {
		t.Fatalf("binary store should not support transactions")
	}
	if s.SupportsFeature(FeatureFileLocking) {
		t.Fatalf("binary store should not report file locking")
	}
	for _, f := range []Feature{FeatureCompoundIndex, FeatureBatch, FeatureDocumentWrite} {
		if !s.SupportsFeature(f) {
			t.Fatalf("binary store should support %s", f)
		}
	}
}

func TestBinaryStoreBulkReads(t *testing.T) {
	s := openTestBinaryStore(t)
	if err := s.UpdateDocumentsBulk("users", map[string][]byte{
		"1": []byte(`{"n":1}`),
		"2": []byte(`{"n":2}`),
	}); err != nil {
		t.Fatalf("UpdateDocumentsBulk: %v", err)
	}

	all, err := s.ReadTable("users")
	if err != nil || len(all) != 2 {
		t.Fatalf("ReadTable = %v, %v", all, err)
	}
	some, err := s.ReadDocuments("users", []string{"2", "missing"})
	if err != nil || len(some) != 1 || string(some["2"]) != `{"n":2}` {
		t.Fatalf("ReadDocuments = %v, %v", some, err)
	}
}
