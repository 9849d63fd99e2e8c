package main

import (
	"github.com/sells-group/geocode-proxy/internal/config"
	"github.com/sells-group/geocode-proxy/internal/resilience"
	"github.com/sells-group/geocode-proxy/pkg/geocode"
)

// newCascade builds the backend cascade described by c. observer may be nil.
func newCascade(c *config.Config, observer geocode.Observer) (*geocode.Cascade, error) {
	backends, err := c.Finder.Backends()
	if err != nil {
		return nil, err
	}

	transport := geocode.NewTransport(geocode.WithStageTimeout(c.Client.StageTimeout()))

	opts := []geocode.CascadeOption{geocode.WithRateLimit(c.Client.RateLimitRPS)}
	if observer != nil {
		opts = append(opts, geocode.WithObserver(observer))
	}
	if c.Client.CircuitFailureThreshold > 0 {
		breakers := resilience.NewBackendBreakers(resilience.FromCircuitConfig(
			c.Client.CircuitFailureThreshold,
			c.Client.CircuitResetSecs,
		))
		opts = append(opts, geocode.WithGate(breakers))
	}

	return geocode.NewCascade(backends, transport, opts...), nil
}
