package db

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrUnknownOp    = errors.New("db: unknown operation")
	ErrInvalidRange = errors.New("db: range start is greater than end")
)

// Comparison names the relation a Predicate tests a key against.
type Comparison uint8

const (
	GreaterThan Comparison = iota
	GreaterThanEq
	LessThan
	LessThanEq
	NotEqual
	InRange
	NotInRange
)

func (c Comparison) String() string {
	switch c {
	case GreaterThan:
		return "greater_than"
	case GreaterThanEq:
		return "greater_than_eq"
	case LessThan:
		return "less_than"
	case LessThanEq:
		return "less_than_eq"
	case NotEqual:
		return "not_equal"
	case InRange:
		return "range"
	case NotInRange:
		return "not_in_range"
	}
	return fmt.Sprintf("comparison(%d)", uint8(c))
}

// Predicate selects keys by comparison against Key, or against [Key, End)
// for the two range comparisons.
type Predicate struct {
	Cmp Comparison
	Key []byte
	End []byte
}

// Validate reports malformed bounds.
func (p Predicate) Validate() error {
	if p.Cmp > NotInRange {
		return fmt.Errorf("db: unknown comparison %d", p.Cmp)
	}
	if (p.Cmp == InRange || p.Cmp == NotInRange) && bytes.Compare(p.Key, p.End) > 0 {
		return ErrInvalidRange
	}
	return nil
}

// Match reports whether key satisfies the predicate.
func (p Predicate) Match(key []byte) bool {
	c := bytes.Compare(key, p.Key)
	switch p.Cmp {
	case GreaterThan:
		return c > 0
	case GreaterThanEq:
		return c >= 0
	case LessThan:
		return c < 0
	case LessThanEq:
		return c <= 0
	case NotEqual:
		return c != 0
	case InRange:
		return c >= 0 && bytes.Compare(key, p.End) < 0
	case NotInRange:
		return c < 0 || bytes.Compare(key, p.End) >= 0
	}
	return false
}

// Bounds returns the tightest [lower, upper) iteration bounds covering every
// matching key. Nil means unbounded.
func (p Predicate) Bounds() (lower, upper []byte) {
	switch p.Cmp {
	case GreaterThan, GreaterThanEq:
		return p.Key, nil
	case LessThan:
		return nil, p.Key
	case LessThanEq:
		return nil, Successor(p.Key)
	case InRange:
		return p.Key, p.End
	}
	return nil, nil
}

// Successor returns the smallest key strictly greater than key.
func Successor(key []byte) []byte {
	s := make([]byte, len(key)+1)
	copy(s, key)
	return s
}
