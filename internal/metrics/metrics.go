// Package metrics holds the translator prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultInvalid = "invalid"
	ResultSkipped = "skipped"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translator_messages_total",
		Help: "Messages received from the event bus, by type and result",
	}, []string{"type", "result"})

	speakerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translator_speaker_requests_total",
		Help: "gobgp API calls, by operation and result",
	}, []string{"operation", "result"})

	speakerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "translator_speaker_request_duration_seconds",
		Help:    "Latency of gobgp API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	cacheRefillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translator_cache_refills_total",
		Help: "Prefix cache refills, by strategy and result",
	}, []string{"strategy", "result"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "translator_event_reconnects_total",
		Help: "Connection attempts to the event bus after the first one",
	})

	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "translator_event_connected",
		Help: "1 while connected to the event bus",
	})
)

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// ObserveMessage counts a handled message.
func ObserveMessage(messageType string, res string) {
	messagesTotal.WithLabelValues(messageType, res).Inc()
}

// ObserveSpeakerRequest records a gobgp API call.
func ObserveSpeakerRequest(operation string, duration time.Duration, err error) {
	speakerRequestsTotal.WithLabelValues(operation, result(err)).Inc()
	speakerRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveCacheRefill counts a cache refill.
func ObserveCacheRefill(strategy string, err error) {
	cacheRefillsTotal.WithLabelValues(strategy, result(err)).Inc()
}

// ObserveCacheRefillSkipped counts a lazy refill that found a fresh set.
func ObserveCacheRefillSkipped(strategy string) {
	cacheRefillsTotal.WithLabelValues(strategy, ResultSkipped).Inc()
}

// ObserveReconnect counts a reconnection attempt.
func ObserveReconnect() {
	reconnectsTotal.Inc()
}

// SetConnected reports the event bus connection state.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}
