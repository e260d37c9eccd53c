/*
Package store provides the set stores backing the prefix cache.

A store keeps named sets of strings, each set having a single TTL. A set is only ever
rewritten as a whole by Replace, which must be atomic: a reader observes either the
previous content or the new one, never an empty or partial set.
*/
package store

import (
	"context"
	"time"

	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/config"
)

// Store is a TTL'd set store.
type Store interface {
	// Replace atomically drops key, adds members and sets the TTL of the set.
	Replace(ctx context.Context, key string, members []string, ttl time.Duration) error
	IsMember(ctx context.Context, key string, member string) (bool, error)
	Members(ctx context.Context, key string) ([]string, error)
	// TTL returns the remaining lifetime of key. A value <= 0 means the set is absent,
	// expired or has no expiration.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Expire changes the TTL of key. A ttl <= 0 drops the set.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// New returns the store selected by the cache configuration.
func New(cfg *config.CacheConfig) (Store, error) {
	if cfg == nil {
		return nil, stacktrace.NewError("invalid <nil> cache config")
	}
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendRedis:
		return NewRedis(&cfg.Redis), nil
	case config.BackendEtcd:
		s, err := NewEtcd(&cfg.Etcd)
		if err != nil {
			return nil, stacktrace.Propagate(err, "fail to create etcd store")
		}
		return s, nil
	}
	return nil, stacktrace.NewError("unknown cache backend <%s>", cfg.Backend)
}
