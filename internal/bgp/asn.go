package bgp

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/errorcode"
)

const (
	// MaxASN is the upper bound (exclusive) of a valid 4 byte AS number.
	MaxASN = math.MaxUint32
	// maxSmall is the upper bound (exclusive) of values that fit a standard community half.
	maxSmall = 1 << 16
)

// ParseASN validates an AS number as decoded from a command. A nil value selects def.
func ParseASN(v interface{}, def uint32) (uint32, error) {
	return parseNumber("ASN", v, def)
}

// ParseCommunity validates a community value as decoded from a command. A nil value selects def.
func ParseCommunity(v interface{}, def uint32) (uint32, error) {
	return parseNumber("community", v, def)
}

// IsASNError reports whether err was raised by the numeric validation.
func IsASNError(err error) bool {
	return errorcode.Is(err, errorcode.EcodeInvalidASN)
}

func parseNumber(name string, v interface{}, def uint32) (uint32, error) {
	var n int64
	switch t := v.(type) {
	case nil:
		n = int64(def)
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, stacktrace.NewErrorWithCode(errorcode.EcodeInvalidASN, "%s <%s> is not an integer", name, t)
		}
		n = i
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint32:
		n = int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return 0, stacktrace.NewErrorWithCode(errorcode.EcodeInvalidASN, "%s <%d> is out of range, must be between 0 and %d", name, t, uint64(MaxASN))
		}
		n = int64(t)
	default:
		return 0, stacktrace.NewErrorWithCode(errorcode.EcodeInvalidASN, "%s <%v> is not an integer, has type <%s>", name, v, reflect.TypeOf(v))
	}
	if n <= 0 || n >= MaxASN {
		return 0, stacktrace.NewErrorWithCode(errorcode.EcodeInvalidASN, "%s <%d> is out of range, must be between 0 and %d", name, n, uint64(MaxASN))
	}
	return uint32(n), nil
}
