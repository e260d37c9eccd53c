/*
Package speaker drives the external gobgp speaker through its gRPC API.

Paths go to the global table for the "base" VRF and to the named VRF table otherwise.
Every call carries the client timeout. Errors are returned to the caller unmasked.
*/
package speaker

import (
	"context"
	"io"
	"net/netip"
	"time"

	"github.com/juju/loggo"
	api "github.com/osrg/gobgp/v3/api"
	"github.com/palantir/stacktrace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/limhud/bgp-translator/internal/bgp"
	"github.com/limhud/bgp-translator/internal/errorcode"
	"github.com/limhud/bgp-translator/internal/metrics"
)

// Client issues path operations against a gobgp speaker.
type Client struct {
	conn    *grpc.ClientConn
	api     api.GobgpApiClient
	timeout time.Duration
}

// Dial returns a client connected to the gobgp API at address.
// The connection is established lazily and kept until Close.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create gobgp client for <%s>", address)
	}
	c := New(api.NewGobgpApiClient(conn), timeout)
	c.conn = conn
	return c, nil
}

// New wraps an existing gobgp API client.
func New(client api.GobgpApiClient, timeout time.Duration) *Client {
	return &Client{api: client, timeout: timeout}
}

// Close releases the underlying connection, if owned.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return stacktrace.Propagate(err, "fail to close gobgp connection")
	}
	return nil
}

// table selects the table holding the paths of vrf.
func table(vrf string) (api.TableType, string) {
	if vrf == bgp.BaseVRF || vrf == "" {
		return api.TableType_GLOBAL, ""
	}
	return api.TableType_VRF, vrf
}

func (c *Client) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	metrics.ObserveSpeakerRequest(operation, time.Since(start), err)
	if err != nil {
		return stacktrace.PropagateWithCode(err, errorcode.EcodeSpeaker, "gobgp %s failed", operation)
	}
	return nil
}

// AddPath announces path in the table of vrf.
func (c *Client) AddPath(ctx context.Context, path *api.Path, vrf string) error {
	tableType, vrfID := table(vrf)
	loggo.GetLogger("").Debugf("adding path <%s> to %s table <%s>", bgp.Describe(path), tableType, vrf)
	return c.call(ctx, "add_path", func(ctx context.Context) error {
		_, err := c.api.AddPath(ctx, &api.AddPathRequest{TableType: tableType, VrfId: vrfID, Path: path})
		return err
	})
}

// DeletePath withdraws path from the table of vrf.
func (c *Client) DeletePath(ctx context.Context, path *api.Path, vrf string) error {
	tableType, vrfID := table(vrf)
	loggo.GetLogger("").Debugf("deleting path <%s> from %s table <%s>", bgp.Describe(path), tableType, vrf)
	return c.call(ctx, "delete_path", func(ctx context.Context) error {
		_, err := c.api.DeletePath(ctx, &api.DeletePathRequest{TableType: tableType, VrfId: vrfID, Path: path})
		return err
	})
}

// DeleteAll withdraws every locally originated path of the table of vrf.
// The paths are listed then withdrawn one by one: a DeletePath without a path
// would flush the local paths of every table.
func (c *Client) DeleteAll(ctx context.Context, vrf string) error {
	var paths []*api.Path
	err := c.walk(ctx, vrf, func(family *bgp.Family, destination *api.Destination) {
		for _, path := range destination.Paths {
			if path == nil || path.IsFromExternal {
				continue
			}
			if path.Family == nil {
				path.Family = family.API()
			}
			paths = append(paths, path)
		}
	})
	if err != nil {
		return err
	}
	loggo.GetLogger("").Warningf("withdrawing ALL %d paths from table <%s>", len(paths), vrf)
	var firstErr error
	for _, path := range paths {
		if err := c.DeletePath(ctx, path, vrf); err != nil {
			loggo.GetLogger("").Errorf(err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return stacktrace.Propagate(firstErr, "fail to withdraw every path of table <%s>", vrf)
	}
	return nil
}

// ListPrefixes returns the prefixes of every family held in the table of vrf.
// Destinations that cannot be parsed are logged and skipped.
func (c *Client) ListPrefixes(ctx context.Context, vrf string) ([]netip.Prefix, error) {
	prefixes := []netip.Prefix{}
	err := c.walk(ctx, vrf, func(_ *bgp.Family, destination *api.Destination) {
		if prefix, ok := bgp.ParseDestination(destination.Prefix, vrf); ok {
			prefixes = append(prefixes, prefix)
		}
	})
	if err != nil {
		return nil, err
	}
	loggo.GetLogger("").Tracef("listed %d prefixes from table <%s>", len(prefixes), vrf)
	return prefixes, nil
}

// walk streams the destinations of the table of vrf to fn, one family after the other.
func (c *Client) walk(ctx context.Context, vrf string, fn func(*bgp.Family, *api.Destination)) error {
	tableType, name := table(vrf)
	for _, family := range bgp.Families() {
		err := c.call(ctx, "list_path", func(ctx context.Context) error {
			stream, err := c.api.ListPath(ctx, &api.ListPathRequest{
				TableType: tableType,
				Name:      name,
				Family:    family.API(),
			})
			if err != nil {
				return err
			}
			for {
				response, err := stream.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if destination := response.GetDestination(); destination != nil {
					fn(family, destination)
				}
			}
		})
		if err != nil {
			return stacktrace.Propagate(err, "fail to list %s paths of table <%s>", family, vrf)
		}
	}
	return nil
}
