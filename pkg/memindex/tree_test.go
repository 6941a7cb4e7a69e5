package memindex

import (
	"fmt"
	"reflect"
	"testing"
)

func TestInsertAndGetExact(t *testing.T) {
	idx := New()
	idx.Insert(EncodeString("alice"), 1)
	idx.Insert(EncodeString("bob"), 2)
	idx.Insert(EncodeString("alice"), 3)

	got := idx.GetExact(EncodeString("alice")).ToSet()
	if !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("GetExact(alice) = %v, want [1 3]", got)
	}
	got = idx.GetExact(EncodeString("carol")).ToSet()
	if len(got) != 0 {
		t.Fatalf("GetExact(carol) = %v, want empty", got)
	}
}

func TestRemovePrunesEmptyKey(t *testing.T) {
	idx := New()
	idx.Insert(EncodeString("x"), 1)
	idx.Remove(EncodeString("x"), 1)
	if !idx.GetExact(EncodeString("x")).IsEmpty() {
		t.Fatalf("expected key to be pruned after last removal")
	}
	all := idx.GetAllDocIDs()
	if !all.IsEmpty() {
		t.Fatalf("expected empty index, got %v", all.ToSet())
	}
}

func TestIntOrderingSurvivesSplit(t *testing.T) {
	idx := New()
	n := 500
	for i := 0; i < n; i++ {
		idx.Insert(EncodeInt(int64(i)), i)
	}

	got := idx.GetRange(EncodeInt(100), EncodeInt(110)).ToSet()
	want := make([]int, 0, 11)
	for i := 100; i <= 110; i++ {
		want = append(want, i)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetRange(100,110) = %v, want %v", got, want)
	}
}

func TestNegativeIntOrdering(t *testing.T) {
	idx := New()
	values := []int64{-100, -1, 0, 1, 100}
	for i, v := range values {
		idx.Insert(EncodeInt(v), i)
	}
	got := idx.GetLessThan(EncodeInt(1), false).ToSet()
	want := []int{0, 1, 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetLessThan(1, false) = %v, want %v", got, want)
	}
	got = idx.GetLessThan(EncodeInt(1), true).ToSet()
	want = []int{0, 1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetLessThan(1, true) = %v, want %v", got, want)
	}
}

func TestFloatOrdering(t *testing.T) {
	idx := New()
	values := []float64{-3.5, -0.1, 0, 0.1, 2.2, 100.9}
	for i, v := range values {
		idx.Insert(EncodeFloat(v), i)
	}
	got := idx.GetGreaterThan(EncodeFloat(0), false).ToSet()
	want := []int{3, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetGreaterThan(0, false) = %v, want %v", got, want)
	}
	got = idx.GetGreaterThan(EncodeFloat(0), true).ToSet()
	want = []int{2, 3, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetGreaterThan(0, true) = %v, want %v", got, want)
	}
}

func TestBoolOrdering(t *testing.T) {
	idx := New()
	idx.Insert(EncodeBool(false), 1)
	idx.Insert(EncodeBool(true), 2)
	got := idx.GetLessThan(EncodeBool(true), false).ToSet()
	if !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("GetLessThan(true, false) = %v, want [1]", got)
	}
	got = idx.GetLessThan(EncodeBool(true), true).ToSet()
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("GetLessThan(true, true) = %v, want [1 2]", got)
	}
}

func TestEncodeValueDispatch(t *testing.T) {
	cases := []any{"s", 1, int64(2), 3.5, float32(1.5), true}
	for _, c := range cases {
		if _, err := EncodeValue(c); err != nil {
			t.Fatalf("EncodeValue(%v): %v", c, err)
		}
	}
	if _, err := EncodeValue(struct{}{}); err == nil {
		t.Fatalf("expected EncodeValue to reject unsupported type")
	}
}

func TestLargeIndexAllDocIDsMatchesInsertedSet(t *testing.T) {
	idx := New()
	n := 5000
	for i := 0; i < n; i++ {
		idx.Insert(EncodeString(fmt.Sprintf("field-%04d", i%37)), i)
	}
	all := idx.GetAllDocIDs()
	if all.Size() != n {
		t.Fatalf("GetAllDocIDs size = %d, want %d", all.Size(), n)
	}
}
