package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/limhud/bgp-translator/internal/service"
)

// Service serves the metrics endpoint.
type Service interface {
	service.I
	Addr() net.Addr
}

type srv struct {
	service.Service
	listen   string
	path     string
	mutex    sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewService returns a Service exposing the default registry on listen at path.
func NewService(listen string, path string) (Service, error) {
	if listen == "" {
		return nil, stacktrace.NewError("invalid empty listen address")
	}
	if path == "" {
		path = "/metrics"
	}
	s := &srv{listen: listen, path: path}
	if err := s.InitializeService("metrics service", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize metrics service")
	}
	return s, nil
}

// Initialize binds the listener so that an address conflict fails Start.
func (s *srv) Initialize() error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return stacktrace.Propagate(err, "fail to listen on <%s>", s.listen)
	}
	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *srv) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *srv) Run(shutdownSignal <-chan time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()
	loggo.GetLogger("").Infof("serving metrics on <%s%s>", s.listener.Addr(), s.path)
	select {
	case err := <-errCh:
		return stacktrace.Propagate(err, "metrics server crashed")
	case graceful := <-shutdownSignal:
		if graceful <= 0 {
			graceful = time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), graceful)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return stacktrace.Propagate(err, "fail to stop metrics server")
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return stacktrace.Propagate(err, "metrics server stopped with error")
		}
	}
	return nil
}
