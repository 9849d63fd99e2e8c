package geocode

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NoBackendCause is the cause reported when no backend is configured.
const NoBackendCause = "No backend service configured"

// Attempter runs one attempt against one backend and returns its Result.
type Attempter interface {
	Attempt(ctx context.Context, p Protocol, location string) Result
}

// Gate may veto an attempt before it starts (e.g. an open circuit breaker)
// and is told the outcome of every attempt that ran.
type Gate interface {
	Allow(backend string) error
	Record(backend string, err error)
}

// Observer receives one event per finished attempt.
type Observer interface {
	ObserveAttempt(provider string, ok bool, elapsed time.Duration)
}

// CascadeOption configures a Cascade.
type CascadeOption func(*Cascade)

// WithRateLimit limits each backend to rps requests per second. Zero or a
// negative value leaves backends unlimited.
func WithRateLimit(rps float64) CascadeOption {
	return func(c *Cascade) {
		c.rps = rps
	}
}

// WithGate installs a pre-attempt gate.
func WithGate(g Gate) CascadeOption {
	return func(c *Cascade) {
		c.gate = g
	}
}

// WithObserver installs an attempt observer.
func WithObserver(o Observer) CascadeOption {
	return func(c *Cascade) {
		c.observer = o
	}
}

// Cascade tries backends strictly in configured order, one at a time, until
// one returns coordinates. It is immutable after construction and shared by
// every inbound request.
type Cascade struct {
	backends  []Protocol
	attempter Attempter
	rps       float64
	limiters  []*rate.Limiter
	gate      Gate
	observer  Observer
}

// NewCascade creates a Cascade over backends. The slice order is the
// failover priority.
func NewCascade(backends []Protocol, attempter Attempter, opts ...CascadeOption) *Cascade {
	c := &Cascade{
		backends:  append([]Protocol(nil), backends...),
		attempter: attempter,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rps > 0 {
		c.limiters = make([]*rate.Limiter, len(c.backends))
		burst := int(c.rps)
		if burst < 1 {
			burst = 1
		}
		for i := range c.limiters {
			c.limiters[i] = rate.NewLimiter(rate.Limit(c.rps), burst)
		}
	}
	return c
}

// Backends returns the number of configured backends.
func (c *Cascade) Backends() int { return len(c.backends) }

// Locate resolves location. Failed attempts are discarded and the next
// backend is tried; once every backend has been used the result is
// LocationNotFound with an empty cause, or NoBackendCause when none exist.
func (c *Cascade) Locate(ctx context.Context, location string) Result {
	for attempt := 0; ; attempt++ {
		if attempt >= len(c.backends) {
			cause := ""
			if len(c.backends) == 0 {
				cause = NoBackendCause
			}
			return Failure(LocationNotFound, cause)
		}

		res := c.try(ctx, attempt, location)
		if res.OK() {
			return res
		}
		zap.L().Debug("cascade: backend failed, trying next",
			zap.String("provider", c.backends[attempt].Name()),
			zap.Int("attempt", attempt),
			zap.String("cause", res.Err.Cause),
		)
	}
}

func (c *Cascade) try(ctx context.Context, i int, location string) Result {
	p := c.backends[i]
	key := backendKey(i, p)

	if c.gate != nil {
		if err := c.gate.Allow(key); err != nil {
			return Failure(BackendFailure, err.Error())
		}
	}
	if c.limiters != nil {
		if err := c.limiters[i].Wait(ctx); err != nil {
			return Failure(BackendFailure, err.Error())
		}
	}

	start := time.Now()
	res := c.attempter.Attempt(ctx, p, location)

	if c.observer != nil {
		c.observer.ObserveAttempt(p.Name(), res.OK(), time.Since(start))
	}
	if c.gate != nil {
		var err error
		if !res.OK() {
			err = res.Err
		}
		c.gate.Record(key, err)
	}
	return res
}

// backendKey distinguishes two entries of the same provider.
func backendKey(i int, p Protocol) string {
	return p.Name() + "#" + strconv.Itoa(i)
}
