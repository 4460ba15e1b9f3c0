package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/citrusdb/citrusdb-go/internal/constants"
	"github.com/citrusdb/citrusdb-go/internal/digest"
	"github.com/citrusdb/citrusdb-go/internal/value"
)

// MsgHeader is the 22-byte cl_msg header, all multi-byte fields
// big-endian.
type MsgHeader struct {
	HeaderSize     uint8
	Info1          uint8
	Info2          uint8
	Info3          uint8
	Unused         uint8
	ResultCode     uint8
	Generation     uint32
	RecordTTL      uint32
	TransactionTTL uint32
	NFields        uint16
	NOps           uint16
}

func (h MsgHeader) encode(dst []byte) []byte {
	var buf [constants.MsgHeaderSize]byte
	buf[0] = h.HeaderSize
	buf[1] = h.Info1
	buf[2] = h.Info2
	buf[3] = h.Info3
	buf[4] = h.Unused
	buf[5] = h.ResultCode
	binary.BigEndian.PutUint32(buf[6:10], h.Generation)
	binary.BigEndian.PutUint32(buf[10:14], h.RecordTTL)
	binary.BigEndian.PutUint32(buf[14:18], h.TransactionTTL)
	binary.BigEndian.PutUint16(buf[18:20], h.NFields)
	binary.BigEndian.PutUint16(buf[20:22], h.NOps)
	return append(dst, buf[:]...)
}

func decodeMsgHeader(buf []byte) (MsgHeader, error) {
	if len(buf) < constants.MsgHeaderSize {
		return MsgHeader{}, fmt.Errorf("codec: short msg header (%d bytes)", len(buf))
	}
	return MsgHeader{
		HeaderSize:     buf[0],
		Info1:          buf[1],
		Info2:          buf[2],
		Info3:          buf[3],
		Unused:         buf[4],
		ResultCode:     buf[5],
		Generation:     binary.BigEndian.Uint32(buf[6:10]),
		RecordTTL:      binary.BigEndian.Uint32(buf[10:14]),
		TransactionTTL: binary.BigEndian.Uint32(buf[14:18]),
		NFields:        binary.BigEndian.Uint16(buf[18:20]),
		NOps:           binary.BigEndian.Uint16(buf[20:22]),
	}, nil
}

// RequestParams describes everything encode_request needs.
type RequestParams struct {
	Info1, Info2 uint8
	Namespace    string
	Set          string
	// Key, when non-nil, causes a KEY field to be emitted and the
	// digest to be derived from it. Digest, when non-nil, is used
	// verbatim (the digest-addressed verb variants) and no KEY field
	// is emitted.
	Key    *value.Value
	Digest *digest.Digest
	Write  *value.WriteParameters
	Ops    []value.Operation
}

// EncodeRequest encodes a full request frame (proto header + cl_msg +
// fields + ops) and returns the bytes along with the digest the request
// was routed on.
func EncodeRequest(p RequestParams) ([]byte, digest.Digest, error) {
	if p.Key == nil && p.Digest == nil {
		return nil, digest.Digest{}, fmt.Errorf("codec: request needs a key or a digest")
	}

	var d digest.Digest
	if p.Digest != nil {
		d = *p.Digest
	} else {
		var err error
		d, err = digest.Calculate(p.Set, *p.Key)
		if err != nil {
			return nil, digest.Digest{}, err
		}
	}

	for _, op := range p.Ops {
		if op.BinName != "" {
			if err := value.ValidateName(op.BinName); err != nil {
				return nil, digest.Digest{}, err
			}
		}
	}

	info2 := p.Info2
	var generation, ttl uint32
	if p.Write != nil {
		if p.Write.UseGeneration {
			info2 |= constants.Info2Generation
			generation = p.Write.Generation
		}
		ttl = p.Write.ExpirationSeconds
	}

	header := MsgHeader{
		HeaderSize: constants.MsgHeaderSize,
		Info1:      p.Info1,
		Info2:      info2,
		Info3:      0,
		Unused:     0,
		ResultCode: 0,
		Generation: generation,
		RecordTTL:  ttl,
	}

	var body []byte
	body = header.encode(body)

	var nFields uint16
	if p.Namespace != "" {
		body = encodeField(body, constants.FieldNamespace, []byte(p.Namespace))
		nFields++
	}
	if p.Set != "" {
		body = encodeField(body, constants.FieldSet, []byte(p.Set))
		nFields++
	}
	if p.Key != nil {
		pt, err := p.Key.ParticleType()
		if err != nil {
			return nil, digest.Digest{}, err
		}
		keyBytes, err := encodeKeyBytes(*p.Key)
		if err != nil {
			return nil, digest.Digest{}, err
		}
		payload := append([]byte{pt}, keyBytes...)
		body = encodeField(body, constants.FieldKey, payload)
		nFields++
	}
	body = encodeField(body, constants.FieldDigestRIPE, d[:])
	nFields++

	var nOps uint16
	for _, op := range p.Ops {
		var err error
		body, err = encodeOp(body, op)
		if err != nil {
			return nil, digest.Digest{}, err
		}
		nOps++
	}

	binary.BigEndian.PutUint16(body[18:20], nFields)
	binary.BigEndian.PutUint16(body[20:22], nOps)

	frame := make([]byte, constants.ProtoHeaderSize, constants.ProtoHeaderSize+len(body))
	proto := ProtoHeader{Version: constants.ProtoVersion, Type: constants.ProtoTypeMsg, Size: uint64(len(body))}
	proto.Encode(frame)
	frame = append(frame, body...)

	return frame, d, nil
}

func encodeKeyBytes(v value.Value) ([]byte, error) {
	switch v.Tag {
	case value.TagInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Int))
		return buf[:], nil
	case value.TagFloat:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.Float))
		return buf[:], nil
	default:
		return v.Bytes, nil
	}
}

func encodeField(dst []byte, fieldType byte, data []byte) []byte {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(data)+1))
	dst = append(dst, sizeBuf[:]...)
	dst = append(dst, fieldType)
	dst = append(dst, data...)
	return dst
}

func encodeOp(dst []byte, op value.Operation) ([]byte, error) {
	if op.BinName != "" {
		if err := value.ValidateName(op.BinName); err != nil {
			return nil, err
		}
	}
	pt, err := op.Value.ParticleType()
	if err != nil {
		return nil, err
	}

	var valueBytes []byte
	switch op.Value.Tag {
	case value.TagNull:
		valueBytes = nil
	case value.TagInt:
		valueBytes = EncodeInt(nil, op.Value.Int)
	case value.TagFloat:
		valueBytes = EncodeFloat(nil, op.Value.Float)
	default:
		valueBytes = op.Value.Bytes
	}

	opByte, err := opKindToWire(op.Kind)
	if err != nil {
		return nil, err
	}

	nameBytes := []byte(op.BinName)
	opSize := 4 + len(nameBytes) + len(valueBytes)

	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(opSize))
	dst = append(dst, head[:]...)
	dst = append(dst, opByte, pt, 0, byte(len(nameBytes)))
	dst = append(dst, nameBytes...)
	dst = append(dst, valueBytes...)
	return dst, nil
}

func opKindToWire(k value.OpKind) (byte, error) {
	switch k {
	case value.OpKindRead:
		return constants.OpRead, nil
	case value.OpKindWrite:
		return constants.OpWrite, nil
	case value.OpKindAdd:
		return constants.OpAdd, nil
	default:
		return 0, fmt.Errorf("codec: unrecognized op kind %d", k)
	}
}

// Response is the decoded result of a cl_msg body (the proto header is
// consumed by the caller before this is invoked).
type Response struct {
	ResultCode int
	Generation uint32
	TTLSeconds uint32
	Bins       []value.Bin
	// Malformed is set when n_fields/n_ops claimed more data than the
	// buffer held; ResultCode and Bins reflect whatever was parsed
	// before the overrun was detected: parsing is best-effort by design.
	Malformed bool
}

// DecodeResponse decodes a cl_msg body (everything after the 8-byte
// proto header) into typed result fields. now is the current time in
// seconds since the Unix epoch, used to translate the server's absolute
// void-time into a relative TTL.
func DecodeResponse(buf []byte, now int64) (Response, error) {
	header, err := decodeMsgHeader(buf)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		ResultCode: int(header.ResultCode),
		Generation: header.Generation,
		TTLSeconds: voidTimeToTTL(header.RecordTTL, now),
	}

	pos := int(header.HeaderSize)
	if pos < constants.MsgHeaderSize {
		pos = constants.MsgHeaderSize
	}

	for i := uint16(0); i < header.NFields; i++ {
		if pos+4 > len(buf) {
			resp.Malformed = true
			return resp, nil
		}
		fieldSize := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if fieldSize < 1 || pos+fieldSize > len(buf) {
			resp.Malformed = true
			return resp, nil
		}
		// field type (buf[pos]) and data (buf[pos+1:pos+fieldSize]) are
		// not surfaced to the caller: routing fields only matter on
		// the request path.
		pos += fieldSize
	}

	for i := uint16(0); i < header.NOps; i++ {
		if pos+4 > len(buf) {
			resp.Malformed = true
			return resp, nil
		}
		opSize := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if opSize < 4 || pos+opSize > len(buf) {
			resp.Malformed = true
			return resp, nil
		}
		opEnd := pos + opSize
		// op:8, particle_type:8, version:8, name_size:8
		particleType := buf[pos+1]
		nameSize := int(buf[pos+3])
		nameStart := pos + 4
		if nameStart+nameSize > opEnd {
			resp.Malformed = true
			return resp, nil
		}
		name := string(buf[nameStart : nameStart+nameSize])
		valStart := nameStart + nameSize
		valBytes := buf[valStart:opEnd]

		tag, err := value.TagFromParticleType(particleType)
		if err != nil {
			resp.Malformed = true
			return resp, nil
		}
		var v value.Value
		switch tag {
		case value.TagInt:
			v = value.Int(DecodeInt(valBytes))
		case value.TagFloat:
			if len(valBytes) < 8 {
				resp.Malformed = true
				return resp, nil
			}
			v = value.Float(DecodeFloat(valBytes))
		default:
			v = value.Value{Tag: tag, Bytes: append([]byte(nil), valBytes...)}
		}

		resp.Bins = append(resp.Bins, value.Bin{Name: name, Value: v})
		pos = opEnd
	}

	return resp, nil
}

// voidTimeToTTL converts a server absolute void-time (seconds since the
// shared epoch) into a relative TTL. A zero void-time (no
// expiration) maps to zero TTL.
func voidTimeToTTL(voidTime uint32, now int64) uint32 {
	if voidTime == 0 {
		return 0
	}
	nowSinceEpoch := now - constants.SharedEpoch
	ttl := int64(voidTime) - nowSinceEpoch
	if ttl < 0 {
		return 0
	}
	return uint32(ttl)
}
