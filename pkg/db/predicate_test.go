package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicateMatch(t *testing.T) {
	keys := []string{"", "a", "b", "b\x00", "c", "d"}

	tests := []struct {
		name     string
		pred     Predicate
		expected []string
	}{
		{"greater_than", Predicate{Cmp: GreaterThan, Key: []byte("b")}, []string{"b\x00", "c", "d"}},
		{"greater_than_eq", Predicate{Cmp: GreaterThanEq, Key: []byte("b")}, []string{"b", "b\x00", "c", "d"}},
		{"less_than", Predicate{Cmp: LessThan, Key: []byte("b")}, []string{"", "a"}},
		{"less_than_eq", Predicate{Cmp: LessThanEq, Key: []byte("b")}, []string{"", "a", "b"}},
		{"not_equal", Predicate{Cmp: NotEqual, Key: []byte("b")}, []string{"", "a", "b\x00", "c", "d"}},
		{"range", Predicate{Cmp: InRange, Key: []byte("a"), End: []byte("c")}, []string{"a", "b", "b\x00"}},
		{"not_in_range", Predicate{Cmp: NotInRange, Key: []byte("a"), End: []byte("c")}, []string{"", "c", "d"}},
		{"empty_range", Predicate{Cmp: InRange, Key: []byte("b"), End: []byte("b")}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.pred.Validate())
			var got []string
			for _, k := range keys {
				if tc.pred.Match([]byte(k)) {
					got = append(got, k)
				}
			}
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestPredicateBoundsCoverMatches(t *testing.T) {
	preds := []Predicate{
		{Cmp: GreaterThan, Key: []byte("b")},
		{Cmp: LessThanEq, Key: []byte("b")},
		{Cmp: InRange, Key: []byte("a"), End: []byte("c")},
	}
	for _, p := range preds {
		lower, upper := p.Bounds()
		for _, k := range []string{"a", "b", "b\x00", "c"} {
			if !p.Match([]byte(k)) {
				continue
			}
			if lower != nil {
				assert.GreaterOrEqual(t, k, string(lower), p.Cmp.String())
			}
			if upper != nil {
				assert.Less(t, k, string(upper), p.Cmp.String())
			}
		}
	}
}

func TestPredicateValidate(t *testing.T) {
	err := Predicate{Cmp: InRange, Key: []byte("z"), End: []byte("a")}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRange)

	err = Predicate{Cmp: NotInRange, Key: []byte("z"), End: []byte("a")}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRange)

	err = Predicate{Cmp: Comparison(42)}.Validate()
	assert.Error(t, err)
}
