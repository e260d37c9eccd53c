package translator

import (
	"context"
	"time"

	"github.com/juju/loggo"
	api "github.com/osrg/gobgp/v3/api"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/bgp"
	"github.com/limhud/bgp-translator/internal/cache"
	"github.com/limhud/bgp-translator/internal/messages"
	"github.com/limhud/bgp-translator/internal/metrics"
)

// Speaker is the part of the gobgp client used by the dispatcher.
type Speaker interface {
	cache.Lister
	AddPath(ctx context.Context, path *api.Path, vrf string) error
	DeletePath(ctx context.Context, path *api.Path, vrf string) error
	DeleteAll(ctx context.Context, vrf string) error
}

// Dispatcher turns inbound messages into speaker calls and cache refills.
type Dispatcher struct {
	builder *bgp.Builder
	speaker Speaker
	cache   *cache.Cache
	name    string
}

// NewDispatcher returns a Dispatcher answering check commands as name.
func NewDispatcher(builder *bgp.Builder, speaker Speaker, c *cache.Cache, name string) (*Dispatcher, error) {
	if builder == nil {
		return nil, stacktrace.NewError("invalid <nil> path builder")
	}
	if speaker == nil {
		return nil, stacktrace.NewError("invalid <nil> speaker")
	}
	if c == nil {
		return nil, stacktrace.NewError("invalid <nil> cache")
	}
	return &Dispatcher{builder: builder, speaker: speaker, cache: c, name: name}, nil
}

// Handle processes one raw message and returns the reply to send back, if any.
// Every error is returned after being accounted for; none of them should stop the caller
// from handling the next message.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	cmd, err := messages.Parse(raw)
	if err != nil {
		metrics.ObserveMessage("unknown", metrics.ResultInvalid)
		return nil, stacktrace.Propagate(err, "dropping message")
	}
	loggo.GetLogger("").Debugf("processing %s", cmd)
	reply, res, err := d.dispatch(ctx, cmd)
	metrics.ObserveMessage(cmd.Kind.String(), res)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to process %s", cmd)
	}
	return reply, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd *messages.Command) ([]byte, string, error) {
	switch cmd.Kind {
	case messages.KindAdd:
		res, err := d.mutate(ctx, cmd, d.speaker.AddPath)
		return nil, res, err
	case messages.KindRemove:
		res, err := d.mutate(ctx, cmd, d.speaker.DeletePath)
		return nil, res, err
	case messages.KindRemoveAll:
		return d.removeAll(ctx, cmd)
	case messages.KindCheck:
		reply, err := d.check(ctx, cmd)
		if err != nil {
			return nil, metrics.ResultError, err
		}
		return reply, metrics.ResultOK, nil
	}
	return nil, metrics.ResultInvalid, stacktrace.NewError("unhandled command kind <%s>", cmd.Kind)
}

// mutate builds the path of cmd, hands it to op and refreshes the cache of its VRF.
// The refresh runs even when op fails so that the cache reflects what the speaker holds.
func (d *Dispatcher) mutate(ctx context.Context, cmd *messages.Command, op func(context.Context, *api.Path, string) error) (string, error) {
	path, err := d.builder.Build(cmd.Request())
	if err != nil {
		if bgp.IsASNError(err) {
			loggo.GetLogger("").Warningf("skipping %s: %s", cmd, err)
			return metrics.ResultSkipped, nil
		}
		return metrics.ResultInvalid, stacktrace.Propagate(err, "fail to build path")
	}
	opErr := op(ctx, path, cmd.VRF)
	if opErr != nil {
		loggo.GetLogger("").Errorf("%s: %s", cmd, opErr)
	} else {
		loggo.GetLogger("").Infof("%s: %s", cmd, bgp.Describe(path))
	}
	if err := d.cache.Refill(ctx, cmd.VRF, cache.Eager); err != nil {
		if opErr == nil {
			return metrics.ResultError, stacktrace.Propagate(err, "fail to refresh cache")
		}
		loggo.GetLogger("").Errorf("fail to refresh cache of vrf <%s>: %s", cmd.VRF, err)
	}
	if opErr != nil {
		return metrics.ResultError, opErr
	}
	return metrics.ResultOK, nil
}

func (d *Dispatcher) removeAll(ctx context.Context, cmd *messages.Command) ([]byte, string, error) {
	opErr := d.speaker.DeleteAll(ctx, cmd.VRF)
	if err := d.cache.Refill(ctx, cmd.VRF, cache.Expire); err != nil {
		if opErr == nil {
			return nil, metrics.ResultError, stacktrace.Propagate(err, "fail to expire cache")
		}
		loggo.GetLogger("").Errorf("fail to expire cache of vrf <%s>: %s", cmd.VRF, err)
	}
	if opErr != nil {
		return nil, metrics.ResultError, opErr
	}
	loggo.GetLogger("").Infof("%s: all paths withdrawn", cmd)
	return nil, metrics.ResultOK, nil
}

func (d *Dispatcher) check(ctx context.Context, cmd *messages.Command) ([]byte, error) {
	blocked, err := d.cache.IsBlocked(ctx, cmd.Route, cmd.VRF)
	if err != nil {
		return nil, err
	}
	ttl, err := d.cache.TTL(ctx, cmd.VRF)
	if err != nil {
		return nil, err
	}
	lastSeen := int64(ttl / time.Second)
	if lastSeen < 0 {
		lastSeen = 0
	}
	loggo.GetLogger("").Debugf("%s: blocked=%t last_seen=%d", cmd, blocked, lastSeen)
	return cmd.Reply(blocked, lastSeen, d.name)
}
