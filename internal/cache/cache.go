/*
Package cache mirrors, per VRF, the set of prefixes held by the speaker.

A set lives under the key route-table-<vrf> in the configured store. It is only ever
rewritten as a whole from a fresh listing of the speaker table, and it expires after the
configured TTL so that an idle translator does not serve stale answers for long.
*/
package cache

import (
	"context"
	"net/netip"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/errorcode"
	"github.com/limhud/bgp-translator/internal/metrics"
	"github.com/limhud/bgp-translator/internal/store"
)

// KeyPrefix prefixes the store key of every VRF set.
const KeyPrefix = "route-table-"

// minStaleMargin is the least remaining lifetime a set needs to skip a lazy refill.
const minStaleMargin = time.Second

// Strategy selects how Refill treats an existing set.
type Strategy uint

const (
	// Lazy refills only when the set is absent, expired or about to expire.
	Lazy Strategy = iota
	// Eager always refills.
	Eager
	// Expire drops the set without refilling it, the next Lazy refill rebuilds it.
	Expire
)

func (s Strategy) String() string {
	switch s {
	case Lazy:
		return "lazy"
	case Eager:
		return "eager"
	case Expire:
		return "expire"
	}
	return "unknown"
}

// Lister returns the prefixes currently held in the table of a VRF.
type Lister interface {
	ListPrefixes(ctx context.Context, vrf string) ([]netip.Prefix, error)
}

// Cache answers membership queries from the store, refilling it from the lister.
type Cache struct {
	store   store.Store
	lister  Lister
	ttl     time.Duration
	timeout time.Duration
}

// New returns a Cache. A timeout of 0 disables the per store operation timeout.
func New(s store.Store, lister Lister, ttl time.Duration, timeout time.Duration) (*Cache, error) {
	if s == nil {
		return nil, stacktrace.NewError("invalid <nil> store")
	}
	if lister == nil {
		return nil, stacktrace.NewError("invalid <nil> lister")
	}
	if ttl <= 0 {
		return nil, stacktrace.NewError("invalid cache ttl <%s>", ttl)
	}
	return &Cache{store: s, lister: lister, ttl: ttl, timeout: timeout}, nil
}

// Key returns the store key of the set of vrf.
func Key(vrf string) string {
	return KeyPrefix + vrf
}

func (c *Cache) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func cacheError(err error, format string, vals ...interface{}) error {
	return stacktrace.PropagateWithCode(err, errorcode.EcodeCache, format, vals...)
}

// Refill brings the set of vrf up to date according to strategy.
func (c *Cache) Refill(ctx context.Context, vrf string, strategy Strategy) error {
	err := c.refill(ctx, vrf, strategy)
	if err == errSkipped {
		metrics.ObserveCacheRefillSkipped(strategy.String())
		return nil
	}
	metrics.ObserveCacheRefill(strategy.String(), err)
	return err
}

var errSkipped = stacktrace.NewError("refill skipped")

func (c *Cache) refill(ctx context.Context, vrf string, strategy Strategy) error {
	key := Key(vrf)
	switch strategy {
	case Expire:
		sctx, cancel := c.storeContext(ctx)
		defer cancel()
		if err := c.store.Expire(sctx, key, 0); err != nil {
			return cacheError(err, "fail to expire <%s>", key)
		}
		loggo.GetLogger("").Debugf("cache <%s> expired", key)
		return nil
	case Lazy:
		ttl, err := c.ttlOf(ctx, key)
		if err != nil {
			return err
		}
		if ttl > c.staleMargin() {
			return errSkipped
		}
	case Eager:
	default:
		return stacktrace.NewError("unknown refill strategy <%d>", strategy)
	}
	prefixes, err := c.lister.ListPrefixes(ctx, vrf)
	if err != nil {
		return stacktrace.Propagate(err, "fail to list prefixes of vrf <%s>", vrf)
	}
	members := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		members = append(members, prefix.Masked().String())
	}
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.store.Replace(sctx, key, members, c.ttl); err != nil {
		return cacheError(err, "fail to replace <%s>", key)
	}
	loggo.GetLogger("").Debugf("cache <%s> refilled with %d prefixes (%s)", key, len(members), strategy)
	return nil
}

// staleMargin keeps a set from expiring between a lazy refill and the lookup
// that follows it. It is the store timeout, at least minStaleMargin and at
// most half the set lifetime.
func (c *Cache) staleMargin() time.Duration {
	margin := c.timeout
	if margin < minStaleMargin {
		margin = minStaleMargin
	}
	if margin > c.ttl/2 {
		margin = c.ttl / 2
	}
	return margin
}

func (c *Cache) ttlOf(ctx context.Context, key string) (time.Duration, error) {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	ttl, err := c.store.TTL(sctx, key)
	if err != nil {
		return 0, cacheError(err, "fail to get TTL of <%s>", key)
	}
	return ttl, nil
}

// TTL returns the remaining lifetime of the set of vrf, <= 0 when it is absent.
func (c *Cache) TTL(ctx context.Context, vrf string) (time.Duration, error) {
	return c.ttlOf(ctx, Key(vrf))
}

// IsBlocked reports whether route is announced in vrf, either exactly or through a
// covering prefix. The set is refilled first when it is absent or expired.
func (c *Cache) IsBlocked(ctx context.Context, route netip.Prefix, vrf string) (bool, error) {
	if !route.IsValid() {
		return false, stacktrace.NewError("invalid route <%s>", route)
	}
	if err := c.Refill(ctx, vrf, Lazy); err != nil {
		return false, stacktrace.Propagate(err, "fail to refresh cache of vrf <%s>", vrf)
	}
	key := Key(vrf)
	route = route.Masked()
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	found, err := c.store.IsMember(sctx, key, route.String())
	if err != nil {
		return false, cacheError(err, "fail to look <%s> up in <%s>", route, key)
	}
	if found {
		return true, nil
	}
	members, err := c.store.Members(sctx, key)
	if err != nil {
		return false, cacheError(err, "fail to read <%s>", key)
	}
	for _, member := range members {
		cached, err := netip.ParsePrefix(member)
		if err != nil {
			loggo.GetLogger("").Warningf("ignoring unparsable cache entry <%s> in <%s>", member, key)
			continue
		}
		if covers(cached, route) {
			loggo.GetLogger("").Tracef("<%s> covered by <%s> in <%s>", route, cached, key)
			return true, nil
		}
	}
	return false, nil
}

// covers reports whether outer contains the whole of inner.
func covers(outer netip.Prefix, inner netip.Prefix) bool {
	return outer.Addr().Is4() == inner.Addr().Is4() &&
		outer.Bits() <= inner.Bits() &&
		outer.Contains(inner.Addr())
}
