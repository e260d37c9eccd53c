package events

import (
	"github.com/cenkalti/backoff/v4"

	"github.com/limhud/bgp-translator/internal/config"
)

// NewBackOff returns the wait strategy between two connection attempts: exponential,
// jittered, capped at cfg.MaxInterval and never giving up.
func NewBackOff(cfg *config.ReconnectConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
