/*
Package events keeps the translator subscribed to the event bus.

The listener holds a single websocket connection at a time. Frames are handed to the
handler strictly one after the other and replies are written back on the connection the
request came from. Any connection failure leads to a new attempt after a backoff wait,
forever.
*/
package events

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	"golang.org/x/net/websocket"

	"github.com/limhud/bgp-translator/internal/config"
	"github.com/limhud/bgp-translator/internal/errorcode"
	"github.com/limhud/bgp-translator/internal/metrics"
	"github.com/limhud/bgp-translator/internal/service"
)

// Handler processes one inbound frame and returns the reply to send, if any.
type Handler interface {
	Handle(ctx context.Context, raw []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, raw []byte) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	return f(ctx, raw)
}

// Listener is the event bus connection loop.
type Listener interface {
	service.I
}

type srv struct {
	service.Service
	cfg     config.EventsConfig
	handler Handler
}

// NewListener returns a Listener ready to be started.
func NewListener(cfg *config.EventsConfig, handler Handler) (Listener, error) {
	if cfg == nil {
		return nil, stacktrace.NewError("invalid <nil> events config")
	}
	if handler == nil {
		return nil, stacktrace.NewError("invalid <nil> handler")
	}
	s := &srv{cfg: *cfg, handler: handler}
	if err := s.InitializeService("events listener", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize events listener")
	}
	return s, nil
}

func (s *srv) Run(shutdownSignal <-chan time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-shutdownSignal
		cancel()
	}()
	wait := NewBackOff(&s.cfg.Reconnect)
	attempt := 0
ConnectionLoop:
	for {
		if attempt > 0 {
			metrics.ObserveReconnect()
		}
		attempt++
		conn, err := s.dial(ctx)
		if err == nil {
			wait.Reset()
			metrics.SetConnected(true)
			loggo.GetLogger("").Infof("connected to <%s>", s.cfg.URL)
			err = s.serve(ctx, conn)
			metrics.SetConnected(false)
		}
		if ctx.Err() != nil {
			break ConnectionLoop
		}
		next := wait.NextBackOff()
		if next == backoff.Stop {
			next = s.cfg.Reconnect.MaxInterval
		}
		loggo.GetLogger("").Warningf("event bus connection lost, reconnecting in %s: %v", next, err)
		select {
		case <-ctx.Done():
			break ConnectionLoop
		case <-time.After(next):
		}
	}
	return nil
}

func (s *srv) dial(ctx context.Context) (*websocket.Conn, error) {
	wsConfig, err := websocket.NewConfig(s.cfg.URL, s.cfg.Origin)
	if err != nil {
		return nil, stacktrace.Propagate(err, "invalid event bus url <%s>", s.cfg.URL)
	}
	conn, err := wsConfig.DialContext(ctx)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to connect to <%s>", s.cfg.URL)
	}
	return conn, nil
}

// serve processes frames until the connection fails or ctx is cancelled.
func (s *srv) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			return stacktrace.Propagate(err, "fail to read from <%s>", s.cfg.URL)
		}
		reply := s.process(ctx, raw)
		if reply == nil {
			continue
		}
		if err := websocket.Message.Send(conn, string(reply)); err != nil {
			return stacktrace.Propagate(err, "fail to send reply to <%s>", s.cfg.URL)
		}
	}
}

// process runs the handler on one frame. Neither an error nor a panic goes past it.
func (s *srv) process(ctx context.Context, raw []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			loggo.GetLogger("").Errorf("recovered from panic while processing <%s>: %v", raw, r)
			reply = nil
		}
	}()
	reply, err := s.handler.Handle(ctx, raw)
	if err != nil {
		if errorcode.Is(err, errorcode.EcodeInvalidMessage) {
			loggo.GetLogger("").Warningf("%s: <%s>", err, raw)
		} else {
			loggo.GetLogger("").Errorf(err.Error())
		}
		return nil
	}
	return reply
}
