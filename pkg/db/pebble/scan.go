package pebble

import (
	"bytes"

	"github.com/eigerco/kvbridge/pkg/db"
)

// Scan evaluates p over a single point-in-time view and returns the live
// matching pairs in ascending key order.
func (s *KVStore) Scan(p db.Predicate) ([]db.KeyValue, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if p.Cmp == db.InRange && bytes.Equal(p.Key, p.End) {
		return nil, nil
	}

	lower, upper := p.Bounds()
	it, err := s.newIterator(lower, upper)
	if err != nil {
		return nil, err
	}
	defer it.Close() //nolint:errcheck // read-only iterator

	var result []db.KeyValue
	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if !p.Match(key) {
			// Everything in [Key, End) is excluded, jump over it.
			if p.Cmp == db.NotInRange && bytes.Compare(key, p.Key) >= 0 {
				if !it.seekGE(p.End) {
					break
				}
				key = it.Key()
			} else {
				continue
			}
		}
		value, err := it.Value()
		if err != nil {
			return nil, err
		}
		result = append(result, db.KeyValue{Key: key, Value: value})
	}
	return result, nil
}
