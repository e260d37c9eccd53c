/*
Package bgp turns block requests into gobgp paths.

A path always carries ORIGIN (incomplete), the NLRI, the next hop (NEXT_HOP for IPv4,
MP_REACH_NLRI for IPv6), an AS_PATH made of the single requested AS and one community.
The community is a standard one when both the AS and the community value fit in 16 bits
and a large community otherwise.
*/
package bgp

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/juju/loggo"
	api "github.com/osrg/gobgp/v3/api"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/palantir/stacktrace"
	"google.golang.org/protobuf/types/known/anypb"
)

// Defaults are applied to the fields a request leaves out.
type Defaults struct {
	ASN       uint32
	Community uint32
	NextHopV4 netip.Addr
	NextHopV6 netip.Addr
}

// DefaultDefaults returns the built-in defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		ASN:       65400,
		Community: 666,
		NextHopV4: netip.MustParseAddr("192.0.2.199"),
		NextHopV6: netip.MustParseAddr("100::1"),
	}
}

// Request is a single announcement or withdrawal to translate.
// ASN and Community hold the values as decoded from the command, nil meaning default.
// A zero NextHop means default.
type Request struct {
	Prefix    netip.Prefix
	ASN       interface{}
	Community interface{}
	NextHop   netip.Addr
}

// Builder builds gobgp paths. It does no I/O.
type Builder struct {
	defaults Defaults
}

// NewBuilder returns a Builder using the given defaults.
func NewBuilder(defaults Defaults) *Builder {
	return &Builder{defaults: defaults}
}

// Build returns the path announcing req.Prefix.
// Errors raised by ASN or community validation satisfy IsASNError.
func (b *Builder) Build(req Request) (*api.Path, error) {
	if !req.Prefix.IsValid() {
		return nil, stacktrace.NewError("invalid prefix <%s>", req.Prefix)
	}
	asn, err := ParseASN(req.ASN, b.defaults.ASN)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to validate ASN for <%s>", req.Prefix)
	}
	community, err := ParseCommunity(req.Community, b.defaults.Community)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to validate community for <%s>", req.Prefix)
	}
	prefix := req.Prefix.Masked()
	family := FamilyOf(prefix.Addr())
	nextHop := req.NextHop
	if !nextHop.IsValid() {
		nextHop = family.defaultNextHop(b.defaults)
	}
	if FamilyOf(nextHop) != family {
		return nil, stacktrace.NewError("next hop <%s> does not match family <%s> of <%s>", nextHop, family, prefix)
	}

	origin, err := anypb.New(&api.OriginAttribute{Origin: uint32(bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE)})
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to pack origin")
	}
	nlri, err := anypb.New(&api.IPAddressPrefix{
		PrefixLen: uint32(prefix.Bits()),
		Prefix:    prefix.Addr().String(),
	})
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to pack nlri <%s>", prefix)
	}
	nextHopAttr, err := family.nextHop(family, nextHop, nlri)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to pack next hop <%s>", nextHop)
	}
	asPath, err := anypb.New(&api.AsPathAttribute{
		Segments: []*api.AsSegment{{
			Type:    api.AsSegment_AS_SEQUENCE,
			Numbers: []uint32{asn},
		}},
	})
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to pack as path")
	}
	communities, err := communitiesAttr(asn, community)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to pack communities")
	}
	return &api.Path{
		Nlri:   nlri,
		Pattrs: []*anypb.Any{origin, nextHopAttr, asPath, communities},
		Family: family.API(),
	}, nil
}

// communitiesAttr packs (asn, community) losslessly. The standard form is only usable
// when both halves fit in 16 bits.
func communitiesAttr(asn, community uint32) (*anypb.Any, error) {
	if asn < maxSmall && community < maxSmall {
		return anypb.New(&api.CommunitiesAttribute{Communities: []uint32{asn<<16 | community}})
	}
	loggo.GetLogger("").Debugf("large community used for asn <%d> community <%d>", asn, community)
	return anypb.New(&api.LargeCommunitiesAttribute{
		Communities: []*api.LargeCommunity{{
			GlobalAdmin: asn,
			LocalData1:  community,
			LocalData2:  0,
		}},
	})
}

func fmtSlice[T any](t []T, name string, sb *strings.Builder) {
	if len(t) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprintf("%s=%v", name, t))
	}
}

// Describe renders a path for logging.
func Describe(p *api.Path) string {
	if p == nil {
		return "<nil>"
	}
	var (
		sb      strings.Builder
		nlri    []string
		nextHop []string
		asPath  []uint32
		comms   []string
	)
	if prefix := new(api.IPAddressPrefix); p.Nlri != nil && p.Nlri.UnmarshalTo(prefix) == nil {
		nlri = append(nlri, fmt.Sprintf("%s/%d", prefix.Prefix, prefix.PrefixLen))
	}
	for _, a := range p.Pattrs {
		m, err := a.UnmarshalNew()
		if err != nil {
			continue
		}
		switch attr := m.(type) {
		case *api.NextHopAttribute:
			nextHop = append(nextHop, attr.NextHop)
		case *api.MpReachNLRIAttribute:
			nextHop = append(nextHop, attr.NextHops...)
		case *api.AsPathAttribute:
			for _, s := range attr.Segments {
				asPath = append(asPath, s.Numbers...)
			}
		case *api.CommunitiesAttribute:
			for _, c := range attr.Communities {
				comms = append(comms, fmt.Sprintf("%d:%d", c>>16, c&0x0000FFFF))
			}
		case *api.LargeCommunitiesAttribute:
			for _, c := range attr.Communities {
				comms = append(comms, bgp.NewLargeCommunity(c.GlobalAdmin, c.LocalData1, c.LocalData2).String())
			}
		}
	}
	fmtSlice[string](nlri, "nlri", &sb)
	fmtSlice[string](nextHop, "nextHop", &sb)
	fmtSlice[uint32](asPath, "asPath", &sb)
	fmtSlice[string](comms, "communities", &sb)
	return sb.String()
}
