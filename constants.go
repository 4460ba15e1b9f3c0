package citrusdb

import "github.com/citrusdb/citrusdb-go/internal/constants"

// ResultCode is the outcome of a single request: either a wire-stable
// integer returned by the server, or one of the client-synthesized
// negative codes that never cross the network (CLIENT_ERROR, THROTTLED,
// TIMEOUT).
type ResultCode int

const (
	ResultOK                 ResultCode = constants.ResultOK
	ResultNotFound           ResultCode = constants.ResultNotFound
	ResultGenerationMismatch ResultCode = constants.ResultGenerationMismatch
	ResultParameterError     ResultCode = constants.ResultParameterError
	ResultClientError        ResultCode = constants.ResultClientError
	ResultServerSideTimeout  ResultCode = constants.ResultServerSideTimeout
	ResultThrottled          ResultCode = constants.ResultThrottled
	ResultTimeout            ResultCode = constants.ResultTimeout
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not found"
	case ResultGenerationMismatch:
		return "generation mismatch"
	case ResultParameterError:
		return "parameter error"
	case ResultClientError:
		return "client error"
	case ResultServerSideTimeout:
		return "server-side timeout"
	case ResultThrottled:
		return "throttled"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown result code"
	}
}

// Re-exported limits callers need to validate their own input before a
// round trip.
const (
	BinNameMaxLen = constants.BinNameMaxLen
	DigestSize    = constants.DigestSize
)
