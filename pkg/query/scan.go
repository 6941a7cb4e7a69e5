// Package query builds range/equality conditions over bmdb secondary
// indexes, evaluated against pkg/memindex's bitmap postings: one key
// maps to many document ids, not one data pointer, so every condition
// resolves to a bitmap rather than a single entry.
package query

import (
	"fmt"

	"github.com/bobboyms/bmdb/pkg/bitmap"
	"github.com/bobboyms/bmdb/pkg/memindex"
)

// Operator identifies a scan condition's comparison.
type Operator int

const (
	OpEqual Operator = iota
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpBetween
)

// Condition describes one field comparison against an index.
type Condition struct {
	Operator Operator
	Value    any
	ValueEnd any // only for OpBetween
}

func Equal(value any) Condition          { return Condition{Operator: OpEqual, Value: value} }
func GreaterThan(value any) Condition    { return Condition{Operator: OpGreaterThan, Value: value} }
func GreaterOrEqual(value any) Condition { return Condition{Operator: OpGreaterOrEqual, Value: value} }
func LessThan(value any) Condition       { return Condition{Operator: OpLessThan, Value: value} }
func LessOrEqual(value any) Condition    { return Condition{Operator: OpLessOrEqual, Value: value} }
func Between(start, end any) Condition {
	return Condition{Operator: OpBetween, Value: start, ValueEnd: end}
}

// Eval resolves a condition against the given secondary-index tree,
// returning the bitmap of matching document ids. Equality reuses
// GetExact; every inequality walks the leaf chain via the matching
// memindex range method, passing its own inclusive bound through
// rather than unioning in GetExact separately.
func (c Condition) Eval(tree *memindex.Tree) (*bitmap.Bitmap, error) {
	switch c.Operator {
	case OpEqual:
		enc, err := memindex.EncodeValue(c.Value)
		if err != nil {
			return nil, err
		}
		return tree.GetExact(enc), nil
	case OpGreaterThan:
		enc, err := memindex.EncodeValue(c.Value)
		if err != nil {
			return nil, err
		}
		return tree.GetGreaterThan(enc, false), nil
	case OpGreaterOrEqual:
		enc, err := memindex.EncodeValue(c.Value)
		if err != nil {
			return nil, err
		}
		return tree.GetGreaterThan(enc, true), nil
	case OpLessThan:
		enc, err := memindex.EncodeValue(c.Value)
		if err != nil {
			return nil, err
		}
		return tree.GetLessThan(enc, false), nil
	case OpLessOrEqual:
		enc, err := memindex.EncodeValue(c.Value)
		if err != nil {
			return nil, err
		}
		return tree.GetLessThan(enc, true), nil
	case OpBetween:
		lo, err := memindex.EncodeValue(c.Value)
		if err != nil {
			return nil, err
		}
		hi, err := memindex.EncodeValue(c.ValueEnd)
		if err != nil {
			return nil, err
		}
		return tree.GetRange(lo, hi), nil
	default:
		return nil, fmt.Errorf("query: unknown operator %d", c.Operator)
	}
}
