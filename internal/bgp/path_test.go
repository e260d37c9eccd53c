package bgp

import (
	"encoding/json"
	"net/netip"
	"testing"

	api "github.com/osrg/gobgp/v3/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func attrsOf(t *testing.T, p *api.Path) []proto.Message {
	t.Helper()
	res := []proto.Message{}
	for _, a := range p.Pattrs {
		m, err := a.UnmarshalNew()
		require.NoError(t, err)
		res = append(res, m)
	}
	return res
}

func findAttr[T proto.Message](t *testing.T, p *api.Path) (T, bool) {
	t.Helper()
	for _, m := range attrsOf(t, p) {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func build(t *testing.T, req Request) *api.Path {
	t.Helper()
	path, err := NewBuilder(DefaultDefaults()).Build(req)
	require.NoError(t, err)
	return path
}

func TestBuildStandardCommunity(t *testing.T) {
	path := build(t, Request{
		Prefix:    netip.MustParsePrefix("198.51.100.0/24"),
		ASN:       json.Number("65001"),
		Community: json.Number("100"),
	})
	comms, ok := findAttr[*api.CommunitiesAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, []uint32{65001<<16 | 100}, comms.Communities)
	_, ok = findAttr[*api.LargeCommunitiesAttribute](t, path)
	assert.False(t, ok)
}

func TestBuildCommunityBoundary(t *testing.T) {
	tests := []struct {
		name      string
		asn       int64
		community int64
		large     bool
	}{
		{"both max small", 1<<16 - 1, 1<<16 - 1, false},
		{"asn too large", 1 << 16, 1, true},
		{"community too large", 1, 1 << 16, true},
		{"both large", 4200000000, 70000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := build(t, Request{
				Prefix:    netip.MustParsePrefix("192.0.2.0/24"),
				ASN:       tt.asn,
				Community: tt.community,
			})
			if !tt.large {
				comms, ok := findAttr[*api.CommunitiesAttribute](t, path)
				require.True(t, ok)
				assert.Equal(t, []uint32{uint32(tt.asn)<<16 | uint32(tt.community)}, comms.Communities)
				return
			}
			comms, ok := findAttr[*api.LargeCommunitiesAttribute](t, path)
			require.True(t, ok)
			require.Len(t, comms.Communities, 1)
			assert.Equal(t, uint32(tt.asn), comms.Communities[0].GlobalAdmin)
			assert.Equal(t, uint32(tt.community), comms.Communities[0].LocalData1)
			assert.Equal(t, uint32(0), comms.Communities[0].LocalData2)
			_, ok = findAttr[*api.CommunitiesAttribute](t, path)
			assert.False(t, ok)
		})
	}
}

func TestBuildIPv4NextHop(t *testing.T) {
	path := build(t, Request{Prefix: netip.MustParsePrefix("198.51.100.0/24")})
	nh, ok := findAttr[*api.NextHopAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.199", nh.NextHop)
	_, ok = findAttr[*api.MpReachNLRIAttribute](t, path)
	assert.False(t, ok)
	assert.Equal(t, api.Family_AFI_IP, path.Family.Afi)
	assert.Equal(t, api.Family_SAFI_UNICAST, path.Family.Safi)

	nlri := new(api.IPAddressPrefix)
	require.NoError(t, path.Nlri.UnmarshalTo(nlri))
	assert.Equal(t, "198.51.100.0", nlri.Prefix)
	assert.Equal(t, uint32(24), nlri.PrefixLen)
}

func TestBuildIPv6MpReach(t *testing.T) {
	path := build(t, Request{Prefix: netip.MustParsePrefix("2001:db8::/32")})
	_, ok := findAttr[*api.NextHopAttribute](t, path)
	assert.False(t, ok, "IPv6 must never carry a plain NEXT_HOP")
	mp, ok := findAttr[*api.MpReachNLRIAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, []string{"100::1"}, mp.NextHops)
	assert.Equal(t, api.Family_AFI_IP6, mp.Family.Afi)
	require.Len(t, mp.Nlris, 1)
	nlri := new(api.IPAddressPrefix)
	require.NoError(t, mp.Nlris[0].UnmarshalTo(nlri))
	assert.Equal(t, "2001:db8::", nlri.Prefix)
	assert.Equal(t, uint32(32), nlri.PrefixLen)
	assert.Equal(t, api.Family_AFI_IP6, path.Family.Afi)
}

func TestBuildExplicitNextHop(t *testing.T) {
	path := build(t, Request{
		Prefix:  netip.MustParsePrefix("2001:db8:1::/48"),
		NextHop: netip.MustParseAddr("2001:db8::1"),
	})
	mp, ok := findAttr[*api.MpReachNLRIAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, []string{"2001:db8::1"}, mp.NextHops)

	_, err := NewBuilder(DefaultDefaults()).Build(Request{
		Prefix:  netip.MustParsePrefix("192.0.2.0/24"),
		NextHop: netip.MustParseAddr("2001:db8::1"),
	})
	assert.Error(t, err)
}

func TestBuildOriginAndASPath(t *testing.T) {
	path := build(t, Request{Prefix: netip.MustParsePrefix("203.0.113.7/32"), ASN: json.Number("64512")})
	origin, ok := findAttr[*api.OriginAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, uint32(2), origin.Origin)
	asPath, ok := findAttr[*api.AsPathAttribute](t, path)
	require.True(t, ok)
	require.Len(t, asPath.Segments, 1)
	assert.Equal(t, []uint32{64512}, asPath.Segments[0].Numbers)
	assert.Equal(t, api.AsSegment_AS_SEQUENCE, asPath.Segments[0].Type)
	assert.Len(t, path.Pattrs, 4)
}

func TestBuildDefaults(t *testing.T) {
	path := build(t, Request{Prefix: netip.MustParsePrefix("203.0.113.0/24")})
	asPath, ok := findAttr[*api.AsPathAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, []uint32{65400}, asPath.Segments[0].Numbers)
	comms, ok := findAttr[*api.CommunitiesAttribute](t, path)
	require.True(t, ok)
	assert.Equal(t, []uint32{65400<<16 | 666}, comms.Communities)
}

func TestBuildInvalidASN(t *testing.T) {
	builder := NewBuilder(DefaultDefaults())
	for _, asn := range []interface{}{json.Number("0"), json.Number("4294967295"), json.Number("-5"), json.Number("12.5"), "65001", true} {
		_, err := builder.Build(Request{Prefix: netip.MustParsePrefix("203.0.113.0/24"), ASN: asn})
		require.Error(t, err, "asn %v", asn)
		assert.True(t, IsASNError(err), "asn %v", asn)
	}
	_, err := builder.Build(Request{Prefix: netip.MustParsePrefix("203.0.113.0/24"), Community: json.Number("4294967296")})
	assert.True(t, IsASNError(err))
}

func TestDescribe(t *testing.T) {
	path := build(t, Request{Prefix: netip.MustParsePrefix("198.51.100.0/24"), ASN: json.Number("65001"), Community: json.Number("100")})
	assert.Equal(t, "nlri=[198.51.100.0/24] nextHop=[192.0.2.199] asPath=[65001] communities=[65001:100]", Describe(path))
	path = build(t, Request{Prefix: netip.MustParsePrefix("198.51.100.0/24"), ASN: json.Number("4200000000"), Community: json.Number("100")})
	assert.Equal(t, "nlri=[198.51.100.0/24] nextHop=[192.0.2.199] asPath=[4200000000] communities=[4200000000:100:0]", Describe(path))
}
