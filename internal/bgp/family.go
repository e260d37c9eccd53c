package bgp

import (
	"net/netip"

	api "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/types/known/anypb"
)

// Family gathers everything that differs between IPv4 and IPv6 unicast routes.
type Family struct {
	Name string
	Afi  api.Family_Afi
	// defaultNextHop picks the family next hop out of the configured defaults.
	defaultNextHop func(d Defaults) netip.Addr
	// nextHop builds the attribute carrying the next hop: NEXT_HOP or MP_REACH_NLRI.
	nextHop func(f *Family, nextHop netip.Addr, nlri *anypb.Any) (*anypb.Any, error)
}

var (
	// IPv4 unicast, next hop carried by a plain NEXT_HOP attribute.
	IPv4 = &Family{
		Name:           "ipv4",
		Afi:            api.Family_AFI_IP,
		defaultNextHop: func(d Defaults) netip.Addr { return d.NextHopV4 },
		nextHop: func(_ *Family, nextHop netip.Addr, _ *anypb.Any) (*anypb.Any, error) {
			return anypb.New(&api.NextHopAttribute{NextHop: nextHop.String()})
		},
	}
	// IPv6 unicast, next hop and NLRI carried by MP_REACH_NLRI.
	IPv6 = &Family{
		Name:           "ipv6",
		Afi:            api.Family_AFI_IP6,
		defaultNextHop: func(d Defaults) netip.Addr { return d.NextHopV6 },
		nextHop: func(f *Family, nextHop netip.Addr, nlri *anypb.Any) (*anypb.Any, error) {
			return anypb.New(&api.MpReachNLRIAttribute{
				Family:   f.API(),
				NextHops: []string{nextHop.String()},
				Nlris:    []*anypb.Any{nlri},
			})
		},
	}
	families = []*Family{IPv4, IPv6}
)

// Families returns every supported family, IPv4 first.
func Families() []*Family {
	return families
}

// FamilyOf returns the family of addr.
func FamilyOf(addr netip.Addr) *Family {
	if addr.Is4() {
		return IPv4
	}
	return IPv6
}

// API returns the unicast gobgp family.
func (f *Family) API() *api.Family {
	return &api.Family{Afi: f.Afi, Safi: api.Family_SAFI_UNICAST}
}

func (f *Family) String() string {
	return f.Name
}
