package catalog

import (
	"path/filepath"
	"testing"
)

func TestCreateListDropIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.json")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := c.CreateIndex(IndexDef{Name: "by_email", Table: "users", Fields: []string{"email"}, Unique: true}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := c.CreateCompoundIndex("by_last_first", "users", []string{"lastName", "firstName"}, false); err != nil {
		t.Fatalf("CreateCompoundIndex: %v", err)
	}

	list := c.ListIndexes()
	if len(list) != 2 {
		t.Fatalf("ListIndexes returned %d, want 2", len(list))
	}
	if !list[1].Compound() {
		t.Fatalf("expected by_last_first to be compound")
	}

	ok, err := c.DropIndex("by_email")
	if err != nil || !ok {
		t.Fatalf("DropIndex = %v, %v", ok, err)
	}
	if len(c.ListIndexes()) != 1 {
		t.Fatalf("expected 1 index after drop")
	}
}

func TestCreateIndexDuplicateNameFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.json")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	def := IndexDef{Name: "dup", Table: "t", Fields: []string{"f"}}
	if err := c.CreateIndex(def); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateIndex(def); err == nil {
		t.Fatalf("expected error creating duplicate index name")
	}
}

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.json")
	c1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.CreateIndex(IndexDef{Name: "idx1", Table: "orders", Fields: []string{"status"}}); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	d, ok := c2.Get("idx1")
	if !ok {
		t.Fatalf("expected idx1 to persist across reopen")
	}
	if d.Table != "orders" {
		t.Fatalf("Table = %q, want orders", d.Table)
	}
}

func TestIndexesForTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.json")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateIndex(IndexDef{Name: "a", Table: "users", Fields: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateIndex(IndexDef{Name: "b", Table: "orders", Fields: []string{"y"}}); err != nil {
		t.Fatal(err)
	}
	got := c.IndexesForTable("users")
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("IndexesForTable(users) = %v", got)
	}
}
