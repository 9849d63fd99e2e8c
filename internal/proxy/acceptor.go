package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Acceptor accepts connections and hands each one to its own Coordinator.
type Acceptor struct {
	ln  net.Listener
	cfg ServiceConfig
	wg  sync.WaitGroup
}

// Listen binds addr and returns an Acceptor serving cfg.
func Listen(addr string, cfg ServiceConfig) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, eris.Wrapf(err, "proxy: listen on %s", addr)
	}
	return NewAcceptor(ln, cfg), nil
}

// NewAcceptor wraps an existing listener.
func NewAcceptor(ln net.Listener, cfg ServiceConfig) *Acceptor {
	return &Acceptor{ln: ln, cfg: cfg}
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Serve accepts connections until ctx is cancelled. Accept errors are
// logged and ignored. Serve waits for in-flight connections before
// returning.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()
	defer a.wg.Wait()

	zap.L().Info("proxy: accepting connections", zap.String("addr", a.ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			zap.L().Warn("proxy: accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			NewCoordinator(conn, a.cfg).Serve(ctx)
		}()
	}
}

// nextBackoff grows the pause between failing accepts from 5ms up to 1s.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
