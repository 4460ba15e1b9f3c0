package codec

import (
	"encoding/binary"
	"math"
)

// IntWidth returns the encoded byte width for v. The boundaries are
// intentionally asymmetric (0x7FFE vs 0x7FFF) and are normative as
// written; see DESIGN.md for the open-question resolution this
// preserves.
func IntWidth(v int64) int {
	switch {
	case v < 0:
		return 8
	case v <= 0x7F:
		return 1
	case v <= 0x7FFE:
		return 2
	case v <= 0x7FFFFFFE:
		return 4
	default:
		return 8
	}
}

// EncodeInt appends the variable-width big-endian encoding of v to dst
// and returns the extended slice.
func EncodeInt(dst []byte, v int64) []byte {
	width := IntWidth(v)
	switch width {
	case 1:
		return append(dst, byte(v))
	case 2:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(v))
		return append(dst, buf[:]...)
	case 4:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(v))
		return append(dst, buf[:]...)
	default:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		return append(dst, buf[:]...)
	}
}

// DecodeInt decodes a variable-width integer of the given byte width.
// Size 8 is unconditionally signed two's complement. Size 1 is the raw
// byte value. Size 0 decodes to 0. Sizes 2-7 are unsigned big-endian
// positive magnitudes: per the open-question resolution in DESIGN.md,
// no sign extension is applied, even though the top bit may be set.
func DecodeInt(buf []byte) int64 {
	switch len(buf) {
	case 0:
		return 0
	case 1:
		return int64(buf[0])
	case 8:
		return int64(binary.BigEndian.Uint64(buf))
	default:
		var magnitude uint64
		for _, b := range buf {
			magnitude = (magnitude << 8) | uint64(b)
		}
		return int64(magnitude)
	}
}

// EncodeFloat appends the 8-byte IEEE-754 bit pattern of v, network
// byte order, to dst.
func EncodeFloat(dst []byte, v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return append(dst, buf[:]...)
}

// DecodeFloat decodes an 8-byte IEEE-754 bit pattern in network byte
// order.
func DecodeFloat(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}
