package pebble

import (
	"encoding/binary"
	"time"
)

// Every stored value is prefixed with a flag byte. When flagExpiry is set the
// next eight bytes hold the expiry as big-endian unix nanoseconds.
const (
	flagNone   byte = 0
	flagExpiry byte = 1

	expirySize = 8
)

func encodeValue(value []byte, expiry time.Time) []byte {
	if expiry.IsZero() {
		out := make([]byte, 1+len(value))
		out[0] = flagNone
		copy(out[1:], value)
		return out
	}
	out := make([]byte, 1+expirySize+len(value))
	out[0] = flagExpiry
	binary.BigEndian.PutUint64(out[1:], uint64(expiry.UnixNano()))
	copy(out[1+expirySize:], value)
	return out
}

// decodeValue returns the payload and the expiry in unix nanoseconds, zero
// when the value never expires. The payload aliases raw.
func decodeValue(raw []byte) (value []byte, expiry int64, err error) {
	if len(raw) == 0 {
		return nil, 0, ErrCorruptValue
	}
	switch raw[0] {
	case flagNone:
		return raw[1:], 0, nil
	case flagExpiry:
		if len(raw) < 1+expirySize {
			return nil, 0, ErrCorruptValue
		}
		return raw[1+expirySize:], int64(binary.BigEndian.Uint64(raw[1:])), nil
	}
	return nil, 0, ErrCorruptValue
}

func expired(expiry int64, now time.Time) bool {
	return expiry != 0 && now.UnixNano() >= expiry
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
