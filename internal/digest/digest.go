// Package digest computes the 20-byte record identifier the server uses
// as its primary lookup token.
package digest

import (
	"math"

	"golang.org/x/crypto/ripemd160"

	"github.com/citrusdb/citrusdb-go/internal/constants"
	"github.com/citrusdb/citrusdb-go/internal/value"
)

// Digest is the 20-byte record identifier derived from (set, key).
type Digest [constants.DigestSize]byte

// Calculate computes digest = ripemd160(set || particle_type || key).
// An empty set contributes a zero-length prefix rather than a
// null-terminated string: an empty or absent set is simply omitted.
func Calculate(set string, key value.Value) (Digest, error) {
	pt, err := key.ParticleType()
	if err != nil {
		return Digest{}, err
	}

	h := ripemd160.New()
	if set != "" {
		h.Write([]byte(set))
	}
	h.Write([]byte{pt})

	switch key.Tag {
	case value.TagInt:
		var buf [8]byte
		putBigEndianInt64(buf[:], key.Int)
		h.Write(buf[:])
	case value.TagFloat:
		var buf [8]byte
		putBigEndianFloat64(buf[:], key.Float)
		h.Write(buf[:])
	default:
		h.Write(key.Bytes)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

func putBigEndianInt64(buf []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(u >> (8 * i))
	}
}

func putBigEndianFloat64(buf []byte, v float64) {
	// float64 keys are rare on this wire; bit pattern matches the
	// codec's float encoding.
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(bits >> (8 * i))
	}
}
