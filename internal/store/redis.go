package store

import (
	"context"
	"sort"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	"github.com/redis/go-redis/v9"

	"github.com/limhud/bgp-translator/internal/config"
)

var _ Store = (*redisStore)(nil)

// redisStore keeps each set in a redis SET. Redis cannot hold an empty set, so an empty
// refill leaves the key absent and its TTL reported as expired.
type redisStore struct {
	client redis.UniversalClient
}

// NewRedis returns a store backed by the redis server described by cfg.
// The connection is established lazily by the client.
func NewRedis(cfg *config.RedisConfig) Store {
	loggo.GetLogger("").Debugf("redis store on <%s> db <%d>", cfg.Address, cfg.DB)
	return NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Replace(ctx context.Context, key string, members []string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(members) == 0 || ttl <= 0 {
			return nil
		}
		args := make([]interface{}, 0, len(members))
		for _, m := range members {
			args = append(args, m)
		}
		pipe.SAdd(ctx, key, args...)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return stacktrace.Propagate(err, "fail to replace set <%s>", key)
	}
	return nil
}

func (s *redisStore) IsMember(ctx context.Context, key string, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, stacktrace.Propagate(err, "fail to check <%s> membership in <%s>", member, key)
	}
	return ok, nil
}

func (s *redisStore) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to list members of <%s>", key)
	}
	sort.Strings(members)
	return members, nil
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, stacktrace.Propagate(err, "fail to get TTL of <%s>", key)
	}
	return ttl, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		err = s.client.Del(ctx, key).Err()
	} else {
		err = s.client.Expire(ctx, key, ttl).Err()
	}
	if err != nil {
		return stacktrace.Propagate(err, "fail to expire <%s>", key)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
