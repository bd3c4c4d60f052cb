package remote

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
)

// appendNatural appends x in the general natural encoding: a prefix byte
// whose leading ones count the little-endian bytes that follow, with the
// remaining prefix bits holding the most significant part of x.
func appendNatural(dst []byte, x uint64) []byte {
	var l uint8
	for l = 0; l < 8; l++ {
		if x < 1<<(7*(l+1)) {
			break
		}
	}
	if l == 8 {
		dst = append(dst, math.MaxUint8)
		return binary.LittleEndian.AppendUint64(dst, x)
	}
	prefix := uint8(math.MaxUint8)<<(8-l) | uint8(x>>(8*l))
	dst = append(dst, prefix)
	for i := uint8(0); i < l; i++ {
		dst = append(dst, uint8(x>>(8*i)))
	}
	return dst
}

// naturalLen returns the number of bytes the encoding that starts with prefix occupies.
func naturalLen(prefix byte) int {
	return 1 + bits.LeadingZeros8(^prefix)
}

// decodeNatural decodes a natural from the front of src.
func decodeNatural(src []byte) (uint64, int, error) {
	if len(src) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	n := naturalLen(src[0])
	if len(src) < n {
		return 0, 0, io.ErrUnexpectedEOF
	}
	l := uint8(n - 1)
	if l == 8 {
		return binary.LittleEndian.Uint64(src[1:9]), n, nil
	}

	var x uint64
	for i := uint8(0); i < l; i++ {
		x |= uint64(src[i+1]) << (8 * i)
	}
	x |= uint64(src[0]&(math.MaxUint8>>l)) << (8 * l)
	return x, n, nil
}

// readNatural reads exactly one natural from r.
func readNatural(r io.Reader) (uint64, error) {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, err
	}
	n := naturalLen(buf[0])
	if _, err := io.ReadFull(r, buf[1:n]); err != nil {
		return 0, fmt.Errorf("natural: %w", err)
	}
	x, _, err := decodeNatural(buf[:n])
	return x, err
}
