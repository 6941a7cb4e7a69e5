package query_test

import (
	"reflect"
	"testing"

	"github.com/bobboyms/bmdb/pkg/memindex"
	"github.com/bobboyms/bmdb/pkg/query"
)

func buildIntTree(values []int) *memindex.Tree {
	tree := memindex.New()
	for i, v := range values {
		tree.Insert(memindex.EncodeInt(int64(v)), i)
	}
	return tree
}

func TestEqualCondition(t *testing.T) {
	tree := buildIntTree([]int{1, 2, 2, 3})
	bm, err := query.Equal(2).Eval(tree)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !reflect.DeepEqual(bm.ToSet(), []int{1, 2}) {
		t.Fatalf("Equal(2) = %v", bm.ToSet())
	}
}

func TestGreaterThanCondition(t *testing.T) {
	tree := buildIntTree([]int{1, 2, 3, 4, 5})
	bm, err := query.GreaterThan(3).Eval(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(bm.ToSet(), []int{3, 4}) {
		t.Fatalf("GreaterThan(3) = %v", bm.ToSet())
	}
}

func TestGreaterOrEqualCondition(t *testing.T) {
	tree := buildIntTree([]int{1, 2, 3, 4, 5})
	bm, err := query.GreaterOrEqual(3).Eval(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(bm.ToSet(), []int{2, 3, 4}) {
		t.Fatalf("GreaterOrEqual(3) = %v", bm.ToSet())
	}
}

func TestLessThanCondition(t *testing.T) {
	tree := buildIntTree([]int{1, 2, 3, 4, 5})
	bm, err := query.LessThan(3).Eval(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(bm.ToSet(), []int{0, 1}) {
		t.Fatalf("LessThan(3) = %v", bm.ToSet())
	}
}

func TestBetweenCondition(t *testing.T) {
	tree := buildIntTree([]int{1, 2, 3, 4, 5})
	bm, err := query.Between(2, 4).Eval(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(bm.ToSet(), []int{1, 2, 3}) {
		t.Fatalf("Between(2,4) = %v", bm.ToSet())
	}
}

func TestEvalUnsupportedValueType(t *testing.T) {
	tree := memindex.New()
	if _, err := query.Equal(struct{}{}).Eval(tree); err == nil {
		t.Fatalf("expected error for unsupported value type")
	}
}
