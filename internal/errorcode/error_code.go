package errorcode

import (
	"github.com/palantir/stacktrace"
)

// List of error codes that can be embedded into errors.
const (
	EcodeNoError = stacktrace.ErrorCode(iota)
	EcodeServiceNotStarted
	EcodeServiceTimeout
	EcodeServiceStopping
	EcodeServiceStopped
	// EcodeInvalidMessage marks an inbound message that cannot be turned into a command.
	EcodeInvalidMessage
	// EcodeInvalidASN marks an AS number or community outside of 0 < n < 2^32-1, or not an integer.
	EcodeInvalidASN
	EcodeSpeaker
	EcodeCache
)

// Is reports whether err carries the given code.
func Is(err error, code stacktrace.ErrorCode) bool {
	return err != nil && stacktrace.GetCode(err) == code
}
