// Package codec implements the byte-exact wire format: the 8-byte
// cl_proto frame header, the 22-byte cl_msg header, and the field/op
// sections that follow it. No I/O; pure functions over byte slices.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/citrusdb/citrusdb-go/internal/constants"
)

// ProtoHeader is the 64-bit frame header preceding every message:
// version:8, type:8, size:48. size is the byte count following the
// header.
type ProtoHeader struct {
	Version uint8
	Type    uint8
	Size    uint64 // 48 bits significant
}

// Encode writes the 8-byte big-endian proto header into buf[0:8].
func (h ProtoHeader) Encode(buf []byte) {
	var word uint64
	word |= uint64(h.Version) << 56
	word |= uint64(h.Type) << 48
	word |= h.Size & 0xFFFFFFFFFFFF
	binary.BigEndian.PutUint64(buf, word)
}

// DecodeProtoHeader reads the 8-byte big-endian proto header from buf.
func DecodeProtoHeader(buf []byte) (ProtoHeader, error) {
	if len(buf) < constants.ProtoHeaderSize {
		return ProtoHeader{}, fmt.Errorf("codec: short proto header (%d bytes)", len(buf))
	}
	word := binary.BigEndian.Uint64(buf)
	return ProtoHeader{
		Version: uint8(word >> 56),
		Type:    uint8(word >> 48),
		Size:    word & 0xFFFFFFFFFFFF,
	}, nil
}
