package bgp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripRD(t *testing.T) {
	prefix, ok := StripRD("65000:100:198.51.100.0/24")
	assert.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("198.51.100.0/24"), prefix)

	prefix, ok = StripRD("192.0.2.1:7:2001:db8::/32")
	assert.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::/32"), prefix)

	_, ok = StripRD("198.51.100.0/24")
	assert.False(t, ok)
	_, ok = StripRD("65000:100:garbage")
	assert.False(t, ok)
}

func TestParseDestination(t *testing.T) {
	prefix, ok := ParseDestination("198.51.100.0/24", BaseVRF)
	assert.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("198.51.100.0/24"), prefix)

	prefix, ok = ParseDestination("65000:1:10.0.0.0/8", "v1")
	assert.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), prefix)

	prefix, ok = ParseDestination("2001:db8::1", BaseVRF)
	assert.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::1/128"), prefix)
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, IPv4, FamilyOf(netip.MustParseAddr("192.0.2.1")))
	assert.Equal(t, IPv6, FamilyOf(netip.MustParseAddr("2001:db8::1")))
	assert.Len(t, Families(), 2)
}

func TestParseASN(t *testing.T) {
	asn, err := ParseASN(nil, 65400)
	assert.NoError(t, err)
	assert.Equal(t, uint32(65400), asn)

	asn, err = ParseASN(int64(4294967294), 1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(4294967294), asn)

	_, err = ParseASN(int64(4294967295), 1)
	assert.True(t, IsASNError(err))
	_, err = ParseASN(3.0, 1)
	assert.True(t, IsASNError(err))
}
