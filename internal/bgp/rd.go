package bgp

import (
	"net/netip"
	"strings"

	"github.com/juju/loggo"
)

// BaseVRF names the global table.
const BaseVRF = "base"

// StripRD turns a VRF destination formatted as "<rd-part1>:<rd-part2>:<prefix>" into its prefix.
// The boolean is false, and a warning logged, when nothing usable remains.
func StripRD(raw string) (netip.Prefix, bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		loggo.GetLogger("").Warningf("no route distinguisher found in <%s>", raw)
		return netip.Prefix{}, false
	}
	return parsePrefix(parts[2], raw)
}

// ParseDestination parses a destination listed from the table of vrf.
func ParseDestination(raw string, vrf string) (netip.Prefix, bool) {
	if vrf != BaseVRF && vrf != "" {
		return StripRD(raw)
	}
	return parsePrefix(raw, raw)
}

// parsePrefix accepts both prefixes and bare addresses.
func parsePrefix(s string, raw string) (netip.Prefix, bool) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix, true
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(addr, addr.BitLen()), true
	}
	loggo.GetLogger("").Warningf("fail to parse prefix out of <%s>", raw)
	return netip.Prefix{}, false
}
