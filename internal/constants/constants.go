// Package constants holds the wire-protocol and timing constants shared
// across the codec, cluster, and request packages.
package constants

import "time"

// cl_proto header: version:8, type:8, size:48 packed into a uint64.
const (
	ProtoHeaderSize = 8
	MsgHeaderSize   = 22

	ProtoVersion = 2
	ProtoTypeMsg = 3
)

// info1 bits.
const (
	Info1Read    = 1 << 0
	Info1GetAll  = 1 << 1
)

// info2 bits.
const (
	Info2Write      = 1 << 0
	Info2Delete     = 1 << 1
	Info2Generation = 1 << 2
)

// field types preceding ops in a cl_msg body.
const (
	FieldNamespace = 0
	FieldSet       = 1
	FieldKey       = 2
	FieldDigestRIPE = 4
)

// op types within the ops section.
const (
	OpRead  = 1
	OpWrite = 2
	OpAdd   = 3
)

// Particle type tags, shared between Value.Tag and the wire encoding.
const (
	ParticleNull       = 0
	ParticleInteger    = 1
	ParticleFloat      = 2
	ParticleString     = 3
	ParticleBlob       = 4
	ParticleBlobJava   = 7
	ParticleBlobCSharp = 8
	ParticleBlobPython = 9
	ParticleBlobRuby   = 10
)

// BinNameMaxLen is the inline name buffer size a bin name must fit in.
const BinNameMaxLen = 14

// DigestSize is the length, in bytes, of a record digest.
const DigestSize = 20

// Result codes (stable wire integers).
const (
	ResultOK                 = 0
	ResultNotFound           = 2
	ResultGenerationMismatch = 3
	ResultParameterError     = 4
	ResultClientError        = -1
	ResultServerSideTimeout  = 9
	ResultThrottled          = -2
	ResultTimeout            = -3
)

// SharedEpoch is the reference point (seconds since Unix epoch) that
// server void-times are expressed relative to, matching the original
// citrusleaf server/client convention (2010-01-01T00:00:00Z).
const SharedEpoch int64 = 1262304000

// Restart / retry shape for the request engine.
const MaxRestartAttempts = 5

// Timing defaults for cluster bookkeeping.
const (
	// DefaultDialTimeout is the default for cluster.Config.DialTimeout.
	// netutil.DialNonBlocking does not take a timeout; a pending connect
	// is bounded only by the request's own deadline timer.
	DefaultDialTimeout = 1 * time.Second

	// NodeTendInterval is a node-health tending period. This module has
	// no background tender, and nothing reads this constant.
	NodeTendInterval = 1 * time.Second
)

// InlineScratchSize is a scratch-buffer size. The request engine does not
// read it: requests encode into a slice grown with append, and response
// bodies use the engine's own inline threshold before internal/bufpool.
const InlineScratchSize = 2048
