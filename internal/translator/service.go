package translator

import (
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/bgp"
	"github.com/limhud/bgp-translator/internal/cache"
	"github.com/limhud/bgp-translator/internal/config"
	"github.com/limhud/bgp-translator/internal/events"
	"github.com/limhud/bgp-translator/internal/metrics"
	"github.com/limhud/bgp-translator/internal/service"
	"github.com/limhud/bgp-translator/internal/speaker"
	"github.com/limhud/bgp-translator/internal/store"
)

const subServiceShutdownTimeout = 15 * time.Second

// Service represents a service struct.
type Service interface {
	service.I
	ToggleDebug()
}

type srv struct {
	service.Service
	speaker        *speaker.Client
	store          store.Store
	listener       events.Listener
	metricsService metrics.Service
}

// NewService builds the translator out of the current configuration.
func NewService() (Service, error) {
	speakerConfig := config.GetSpeaker()
	speakerClient, err := speaker.Dial(speakerConfig.Address, speakerConfig.Timeout)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create speaker client")
	}
	cacheConfig := config.GetCache()
	cacheStore, err := store.New(cacheConfig)
	if err != nil {
		speakerClient.Close()
		return nil, stacktrace.Propagate(err, "fail to create cache store")
	}
	s, err := newService(speakerClient, cacheStore, cacheConfig)
	if err != nil {
		cacheStore.Close()
		speakerClient.Close()
		return nil, err
	}
	return s, nil
}

func newService(speakerClient *speaker.Client, cacheStore store.Store, cacheConfig *config.CacheConfig) (*srv, error) {
	prefixCache, err := cache.New(cacheStore, speakerClient, cacheConfig.TTL, cacheConfig.Timeout)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create prefix cache")
	}
	defaults := config.GetDefaults()
	v4, v6 := defaults.NextHops()
	builder := bgp.NewBuilder(bgp.Defaults{
		ASN:       defaults.ASN,
		Community: defaults.Community,
		NextHopV4: v4,
		NextHopV6: v6,
	})
	dispatcher, err := NewDispatcher(builder, speakerClient, prefixCache, config.GetTranslatorName())
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create dispatcher")
	}
	listener, err := events.NewListener(config.GetEvents(), dispatcher)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create events listener")
	}
	s := &srv{
		speaker:  speakerClient,
		store:    cacheStore,
		listener: listener,
	}
	if metricsConfig := config.GetMetrics(); metricsConfig.Listen != "" {
		if s.metricsService, err = metrics.NewService(metricsConfig.Listen, metricsConfig.Path); err != nil {
			return nil, stacktrace.Propagate(err, "fail to create metrics service")
		}
	}
	if err := s.InitializeService("translator service", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize translator service")
	}
	return s, nil
}

// ToggleDebug toggles log level between INFO, DEBUG and TRACE.
func (s *srv) ToggleDebug() {
	if loggo.GetLogger("").LogLevel() == loggo.INFO {
		loggo.GetLogger("").Infof("setting log level to Debug")
		loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
	} else if loggo.GetLogger("").LogLevel() == loggo.DEBUG {
		loggo.GetLogger("").Infof("setting log level to Trace")
		loggo.GetLogger("").SetLogLevel(loggo.TRACE)
	} else {
		loggo.GetLogger("").Infof("setting log level to Info")
		loggo.GetLogger("").SetLogLevel(loggo.INFO)
	}
}

// Run starts the metrics endpoint then the events listener and waits for shutdown.
// A listener that stops on its own stops the translator.
func (s *srv) Run(shutdownSignal <-chan time.Duration) error {
	if s.metricsService != nil {
		if err := s.metricsService.Start(); err != nil {
			return stacktrace.Propagate(err, "fail to start metrics service")
		}
	}
	if err := s.listener.Start(); err != nil {
		return stacktrace.Propagate(err, "fail to start events listener")
	}
	select {
	case <-shutdownSignal:
	case err := <-s.listener.Done():
		if err != nil {
			return stacktrace.Propagate(err, "events listener stopped")
		}
		return stacktrace.NewError("events listener stopped unexpectedly")
	}
	return nil
}

// Release stops the sub services in reverse order and closes the shared handles.
func (s *srv) Release() error {
	var services []service.I
	if s.listener != nil {
		services = append(services, s.listener)
	}
	if s.metricsService != nil {
		services = append(services, s.metricsService)
	}
	err := service.ShutdownAll(0, subServiceShutdownTimeout, services...)
	if s.store != nil {
		if closeErr := s.store.Close(); closeErr != nil {
			loggo.GetLogger("").Errorf(closeErr.Error())
		}
	}
	if s.speaker != nil {
		if closeErr := s.speaker.Close(); closeErr != nil {
			loggo.GetLogger("").Errorf(closeErr.Error())
		}
	}
	return err
}
