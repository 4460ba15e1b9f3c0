// Package value implements the tagged-variant record value used on both
// sides of the wire codec: null, integer, float, string, and the four
// language-tagged blob sub-types.
package value

import (
	"fmt"

	"github.com/citrusdb/citrusdb-go/internal/constants"
)

// Tag identifies which field of a Value is meaningful.
type Tag uint8

const (
	TagNull Tag = iota
	TagInt
	TagFloat
	TagString
	TagBlob
	TagBlobJava
	TagBlobCSharp
	TagBlobPython
	TagBlobRuby
)

// Value is a tagged sum of the particle types the wire protocol knows
// about. Strings and blobs are not null-terminated on the wire; Bytes
// holds exactly the payload.
type Value struct {
	Tag   Tag
	Int   int64
	Float float64
	Bytes []byte
}

// Null returns the null value.
func Null() Value { return Value{Tag: TagNull} }

// Int returns an integer value.
func Int(v int64) Value { return Value{Tag: TagInt, Int: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{Tag: TagFloat, Float: v} }

// String returns a string value.
func String(s string) Value { return Value{Tag: TagString, Bytes: []byte(s)} }

// Blob returns a generic blob value.
func Blob(b []byte) Value { return Value{Tag: TagBlob, Bytes: b} }

// ParticleType maps a Tag to its on-wire particle type byte.
func (v Value) ParticleType() (byte, error) {
	switch v.Tag {
	case TagNull:
		return constants.ParticleNull, nil
	case TagInt:
		return constants.ParticleInteger, nil
	case TagFloat:
		return constants.ParticleFloat, nil
	case TagString:
		return constants.ParticleString, nil
	case TagBlob:
		return constants.ParticleBlob, nil
	case TagBlobJava:
		return constants.ParticleBlobJava, nil
	case TagBlobCSharp:
		return constants.ParticleBlobCSharp, nil
	case TagBlobPython:
		return constants.ParticleBlobPython, nil
	case TagBlobRuby:
		return constants.ParticleBlobRuby, nil
	default:
		return 0, fmt.Errorf("value: unrecognized tag %d", v.Tag)
	}
}

// TagFromParticleType maps a wire particle type byte back to a Tag.
func TagFromParticleType(pt byte) (Tag, error) {
	switch pt {
	case constants.ParticleNull:
		return TagNull, nil
	case constants.ParticleInteger:
		return TagInt, nil
	case constants.ParticleFloat:
		return TagFloat, nil
	case constants.ParticleString:
		return TagString, nil
	case constants.ParticleBlob:
		return TagBlob, nil
	case constants.ParticleBlobJava:
		return TagBlobJava, nil
	case constants.ParticleBlobCSharp:
		return TagBlobCSharp, nil
	case constants.ParticleBlobPython:
		return TagBlobPython, nil
	case constants.ParticleBlobRuby:
		return TagBlobRuby, nil
	default:
		return 0, fmt.Errorf("value: unrecognized particle type %d", pt)
	}
}

// Equal reports whether two values carry the same name-relevant payload.
// Used by codec round-trip tests.
func (v Value) Equal(o Value) bool {
	if v.Tag != o.Tag {
		return false
	}
	switch v.Tag {
	case TagInt:
		return v.Int == o.Int
	case TagFloat:
		return v.Float == o.Float
	case TagNull:
		return true
	default:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	}
}

// Bin is a named attribute of a record.
type Bin struct {
	Name  string
	Value Value
}

// ValidateName reports whether a bin name fits the inline wire buffer.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("value: bin name must not be empty")
	}
	if len(name) > constants.BinNameMaxLen {
		return fmt.Errorf("value: bin name %q exceeds %d bytes", name, constants.BinNameMaxLen)
	}
	return nil
}

// OpKind is the verb carried by a single operation within a multi-op
// request.
type OpKind uint8

const (
	OpKindRead OpKind = iota
	OpKindWrite
	OpKindAdd
)

// Operation is one read/write/increment entry in an operate() call.
type Operation struct {
	Kind    OpKind
	BinName string
	Value   Value
}

// WritePolicy selects retry-on-failure or one-shot semantics for a write
// (or any request) when the engine's fail path is taken.
type WritePolicy uint8

const (
	WritePolicyRetry WritePolicy = iota
	WritePolicyOneShot
)

// WriteParameters are the optional per-request write controls.
type WriteParameters struct {
	Policy            WritePolicy
	UseGeneration      bool
	Generation         uint32
	ExpirationSeconds  uint32
}
