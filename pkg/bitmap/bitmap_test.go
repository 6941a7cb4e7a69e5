package bitmap

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
)

func TestFromSetAndToSet(t *testing.T) {
	ids := []int{5, 1, 33, 0, 64, 5}
	bm := FromSet(ids)

	want := []int{0, 1, 5, 33, 64}
	got := bm.ToSet()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ToSet() = %v, want %v", got, want)
	}
	if bm.Size() != len(want) {
		t.Fatalf("Size() = %d, want %d", bm.Size(), len(want))
	}
	if bm.MaxDocID() != 64 {
		t.Fatalf("MaxDocID() = %d, want 64", bm.MaxDocID())
	}
}

func TestIsEmptyAndFirst(t *testing.T) {
	empty := New()
	if !empty.IsEmpty() {
		t.Fatalf("expected empty bitmap")
	}
	if _, ok := empty.First(); ok {
		t.Fatalf("expected First() to report absent on empty bitmap")
	}

	bm := FromSet([]int{9, 2, 70})
	first, ok := bm.First()
	if !ok || first != 2 {
		t.Fatalf("First() = %d,%v want 2,true", first, ok)
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	bm := New()
	bm.Add(10)
	bm.Add(10)
	if bm.Size() != 1 {
		t.Fatalf("Add should be idempotent, size = %d", bm.Size())
	}
	bm.Remove(10)
	bm.Remove(10)
	if bm.Size() != 0 {
		t.Fatalf("Remove should be idempotent, size = %d", bm.Size())
	}
	if bm.Contains(10) {
		t.Fatalf("expected 10 to be removed")
	}
}

func TestIntersectUnionCommutative(t *testing.T) {
	a := FromSet([]int{1, 2, 3, 100})
	b := FromSet([]int{2, 3, 4, 50})

	i1 := Intersect(a, b)
	i2 := Intersect(b, a)
	if !reflect.DeepEqual(i1.ToSet(), i2.ToSet()) {
		t.Fatalf("intersect not commutative: %v vs %v", i1.ToSet(), i2.ToSet())
	}

	u1 := Union(a, b)
	u2 := Union(b, a)
	if !reflect.DeepEqual(u1.ToSet(), u2.ToSet()) {
		t.Fatalf("union not commutative: %v vs %v", u1.ToSet(), u2.ToSet())
	}

	want := []int{2, 3}
	if !reflect.DeepEqual(i1.ToSet(), want) {
		t.Fatalf("intersect = %v, want %v", i1.ToSet(), want)
	}
}

func TestIntersectOfUnionIsIdentity(t *testing.T) {
	a := FromSet([]int{1, 5, 9, 200})
	b := FromSet([]int{5, 9, 17})

	got := Intersect(a, Union(a, b))
	if !reflect.DeepEqual(got.ToSet(), a.ToSet()) {
		t.Fatalf("intersect(a, union(a,b)) = %v, want %v", got.ToSet(), a.ToSet())
	}
}

func TestSizeMatchesReferencePopcount(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	ids := make([]int, 0, 500)
	seen := make(map[int]bool)
	for len(ids) < 500 {
		id := rnd.Intn(5000)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	bm := FromSet(ids)

	refCount := 0
	for _, w := range bm.words {
		x := w
		for x != 0 {
			x &= x - 1
			refCount++
		}
	}
	if refCount != bm.Size() {
		t.Fatalf("popcount mismatch: ref=%d bm.Size()=%d", refCount, bm.Size())
	}
	sort.Ints(ids)
	if !reflect.DeepEqual(bm.ToSet(), ids) {
		t.Fatalf("ToSet mismatch after random fill")
	}
}

func TestMismatchedLengthsTreatedAsZero(t *testing.T) {
	short := FromSet([]int{1})
	long := FromSet([]int{1, 200})

	u := Union(short, long)
	if !reflect.DeepEqual(u.ToSet(), []int{1, 200}) {
		t.Fatalf("union with mismatched lengths = %v", u.ToSet())
	}
	i := Intersect(short, long)
	if !reflect.DeepEqual(i.ToSet(), []int{1}) {
		t.Fatalf("intersect with mismatched lengths = %v", i.ToSet())
	}
}
