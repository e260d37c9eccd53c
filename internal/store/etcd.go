package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/limhud/bgp-translator/internal/config"
)

var _ Store = (*etcdStore)(nil)

// maxReplaceAttempts bounds the compare-and-swap loop of Replace against concurrent refills.
const maxReplaceAttempts = 3

// etcdStore keeps a set as a marker key holding the current generation and one key per
// member under that generation:
//
//	<prefix>/<key>                       -> <generation>
//	<prefix>/<key>/<generation>/<member> -> ""
//
// Every key of a generation is bound to the same lease, which carries the TTL.
// etcd refuses a transaction deleting and putting the same key, so a refill writes a new
// generation and switches the marker in one transaction instead of rewriting in place.
type etcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd connects to the etcd cluster described by cfg.
func NewEtcd(cfg *config.EtcdConfig) (Store, error) {
	etcdConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}
	loggo.GetLogger("").Debugf("etcd endpoints: <%v>", etcdConfig.Endpoints)
	client, err := clientv3.New(etcdConfig)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize etcd client for endpoints <%v>", etcdConfig.Endpoints)
	}
	return NewEtcdFromClient(client, cfg.Prefix), nil
}

// NewEtcdFromClient wraps an existing client, storing keys under prefix.
func NewEtcdFromClient(client *clientv3.Client, prefix string) Store {
	return &etcdStore{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *etcdStore) markerKey(key string) string {
	return fmt.Sprintf("%s/%s", s.prefix, key)
}

func (s *etcdStore) generationPrefix(key string, generation string) string {
	return fmt.Sprintf("%s/%s/%s/", s.prefix, key, generation)
}

func leaseSeconds(ttl time.Duration) int64 {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// current returns the marker of key, without any kv when the set is absent.
func (s *etcdStore) current(ctx context.Context, key string) (*clientv3.GetResponse, error) {
	response, err := s.client.Get(ctx, s.markerKey(key))
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to retrieve marker of <%s>", key)
	}
	if len(response.Kvs) > 1 {
		return nil, stacktrace.NewError("multiple values returned for <%s> by Get: <%#v>", key, response.Kvs)
	}
	return response, nil
}

func (s *etcdStore) Replace(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Expire(ctx, key, 0)
	}
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return stacktrace.Propagate(err, "fail to grant lease for <%s>", key)
	}
	generation := fmt.Sprintf("%x", int64(lease.ID))
	puts := []clientv3.Op{clientv3.OpPut(s.markerKey(key), generation, clientv3.WithLease(lease.ID))}
	for _, m := range members {
		puts = append(puts, clientv3.OpPut(s.generationPrefix(key, generation)+m, "", clientv3.WithLease(lease.ID)))
	}
	for attempt := 0; attempt < maxReplaceAttempts; attempt++ {
		response, err := s.current(ctx, key)
		if err != nil {
			s.revoke(lease.ID)
			return err
		}
		marker := s.markerKey(key)
		var (
			cmp clientv3.Cmp
			ops = puts
		)
		if len(response.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(marker), "=", 0)
		} else {
			previous := response.Kvs[0]
			cmp = clientv3.Compare(clientv3.ModRevision(marker), "=", previous.ModRevision)
			ops = append([]clientv3.Op{clientv3.OpDelete(s.generationPrefix(key, string(previous.Value)), clientv3.WithPrefix())}, puts...)
		}
		txn, err := s.client.Txn(ctx).If(cmp).Then(ops...).Commit()
		if err != nil {
			s.revoke(lease.ID)
			return stacktrace.Propagate(err, "transaction failed for set <%s>", key)
		}
		if txn.Succeeded {
			if len(response.Kvs) > 0 && response.Kvs[0].Lease != 0 {
				// the previous generation is gone, its lease is useless
				s.revoke(clientv3.LeaseID(response.Kvs[0].Lease))
			}
			return nil
		}
		loggo.GetLogger("").Debugf("set <%s> changed concurrently, retrying", key)
	}
	s.revoke(lease.ID)
	return stacktrace.NewError("fail to replace set <%s> after %d attempts", key, maxReplaceAttempts)
}

func (s *etcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		loggo.GetLogger("").Debugf("fail to revoke lease <%x>: %s", int64(id), err)
	}
}

func (s *etcdStore) IsMember(ctx context.Context, key string, member string) (bool, error) {
	response, err := s.current(ctx, key)
	if err != nil {
		return false, err
	}
	if len(response.Kvs) == 0 {
		return false, nil
	}
	memberKey := s.generationPrefix(key, string(response.Kvs[0].Value)) + member
	found, err := s.client.Get(ctx, memberKey, clientv3.WithRev(response.Header.Revision), clientv3.WithCountOnly())
	if err != nil {
		return false, stacktrace.Propagate(err, "fail to retrieve <%s>", memberKey)
	}
	return found.Count > 0, nil
}

func (s *etcdStore) Members(ctx context.Context, key string) ([]string, error) {
	response, err := s.current(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(response.Kvs) == 0 {
		return []string{}, nil
	}
	prefix := s.generationPrefix(key, string(response.Kvs[0].Value))
	found, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithRev(response.Header.Revision))
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to list members of <%s>", key)
	}
	members := make([]string, 0, len(found.Kvs))
	for _, kv := range found.Kvs {
		members = append(members, strings.TrimPrefix(string(kv.Key), prefix))
	}
	sort.Strings(members)
	return members, nil
}

func (s *etcdStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	response, err := s.current(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(response.Kvs) == 0 {
		return -2, nil
	}
	if response.Kvs[0].Lease == 0 {
		return -1, nil
	}
	lease, err := s.client.TimeToLive(ctx, clientv3.LeaseID(response.Kvs[0].Lease))
	if err != nil {
		return 0, stacktrace.Propagate(err, "fail to get TTL of <%s>", key)
	}
	return time.Duration(lease.TTL) * time.Second, nil
}

func (s *etcdStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl > 0 {
		members, err := s.Members(ctx, key)
		if err != nil {
			return stacktrace.Propagate(err, "fail to read <%s> before changing its TTL", key)
		}
		return s.Replace(ctx, key, members, ttl)
	}
	response, err := s.current(ctx, key)
	if err != nil {
		return err
	}
	if len(response.Kvs) == 0 {
		return nil
	}
	previous := response.Kvs[0]
	ops := []clientv3.Op{
		clientv3.OpDelete(s.markerKey(key)),
		clientv3.OpDelete(s.generationPrefix(key, string(previous.Value)), clientv3.WithPrefix()),
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return stacktrace.Propagate(err, "transaction failed for operations <%#v>", ops)
	}
	if previous.Lease != 0 {
		s.revoke(clientv3.LeaseID(previous.Lease))
	}
	return nil
}

func (s *etcdStore) Close() error {
	if err := s.client.Close(); err != nil {
		return stacktrace.Propagate(err, "fail to close etcd client")
	}
	return nil
}
