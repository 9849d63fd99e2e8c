package geocode

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is a stage of a single backend attempt.
type State int

// States in the order an attempt walks through them. Any failing stage
// jumps straight to StateDone.
const (
	StateResolving State = iota
	StateConnecting
	StateHandshaking
	StateSending
	StateAwaitingResponse
	StateShuttingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateShuttingDown:
		return "shutting_down"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Resolver looks up the addresses of a backend host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens the TCP connection underneath the TLS session.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithResolver overrides the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(t *Transport) {
		t.resolver = r
	}
}

// WithDialer overrides the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// WithTLSConfig sets the base TLS client configuration. ServerName defaults
// to the backend host when left empty.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) {
		t.tlsConfig = cfg
	}
}

// WithPort overrides the backend port (default "443").
func WithPort(port string) Option {
	return func(t *Transport) {
		t.port = port
	}
}

// WithStageTimeout bounds each stage of an attempt. Zero disables timeouts.
func WithStageTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.stageTimeout = d
		}
	}
}

// Transport holds the immutable settings shared by every attempt. It is safe
// for concurrent use.
type Transport struct {
	resolver     Resolver
	dialer       Dialer
	tlsConfig    *tls.Config
	port         string
	stageTimeout time.Duration
}

// NewTransport creates a Transport with the given options.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		resolver:  net.DefaultResolver,
		dialer:    &net.Dialer{},
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		port:      "443",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attempt runs one Client against p and blocks until its Result arrives.
func (t *Transport) Attempt(ctx context.Context, p Protocol, location string) Result {
	ch := make(chan Result, 1)
	NewClient(t, p, location).Start(ctx, func(r Result) { ch <- r })
	return <-ch
}

// Client performs one attempt: resolve, connect, TLS handshake, send the
// request, read the response, shut the session down and parse the body.
// The running goroutine owns the Client until done has returned.
type Client struct {
	transport *Transport
	protocol  Protocol
	location  string

	state atomic.Int32
	once  sync.Once
	done  func(Result)

	addrs    []string
	raw      net.Conn
	conn     *tls.Conn
	request  *http.Request
	body     []byte
	finished Result
}

// NewClient binds a client to one protocol and location.
func NewClient(t *Transport, p Protocol, location string) *Client {
	return &Client{
		transport: t,
		protocol:  p,
		location:  location,
	}
}

// State returns the stage the client is in. It may be called while the
// attempt is running.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Start runs the attempt on its own goroutine and calls done exactly once
// with the attempt's Result.
func (c *Client) Start(ctx context.Context, done func(Result)) {
	c.done = done
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Sprintf("panic: %v", r))
		}
		c.complete()
	}()

	for c.State() != StateDone {
		before := c.State()
		c.step(ctx)
		zap.L().Debug("geocode client: stage complete",
			zap.String("provider", c.protocol.Name()),
			zap.Stringer("from", before),
			zap.Stringer("to", c.State()),
		)
	}
}

func (c *Client) step(ctx context.Context) {
	switch c.State() {
	case StateResolving:
		c.advance(ctx, StateConnecting, c.resolve)
	case StateConnecting:
		c.advance(ctx, StateHandshaking, c.connect)
	case StateHandshaking:
		c.advance(ctx, StateSending, c.handshake)
	case StateSending:
		c.advance(ctx, StateAwaitingResponse, c.send)
	case StateAwaitingResponse:
		c.advance(ctx, StateShuttingDown, c.receive)
	case StateShuttingDown:
		c.shutdown()
		c.parse()
	}
}

// advance runs one stage and moves to next, or terminates with a
// BackendFailure carrying the underlying error text.
func (c *Client) advance(ctx context.Context, next State, stage func(context.Context) error) {
	stageCtx := ctx
	if c.transport.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, c.transport.stageTimeout)
		defer cancel()
	}
	if err := stage(stageCtx); err != nil {
		zap.L().Debug("geocode client: stage failed",
			zap.String("provider", c.protocol.Name()),
			zap.Stringer("state", c.State()),
			zap.Error(eris.Wrapf(err, "geocode: %s", c.State())),
		)
		c.fail(err.Error())
		return
	}
	c.setState(next)
}

func (c *Client) resolve(ctx context.Context) error {
	addrs, err := c.transport.resolver.LookupHost(ctx, c.protocol.Host())
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses found for %s", c.protocol.Host())
	}
	c.addrs = addrs
	return nil
}

// connect tries each resolved address in order until one accepts.
func (c *Client) connect(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.addrs {
		conn, err := c.transport.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, c.transport.port))
		if err == nil {
			c.raw = conn
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) handshake(ctx context.Context) error {
	cfg := c.transport.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.protocol.Host()
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	c.conn = tls.Client(c.raw, cfg)
	return c.conn.HandshakeContext(ctx)
}

func (c *Client) send(ctx context.Context) error {
	c.request = c.protocol.Request(c.location)
	defer c.watch(ctx)()
	w := bufio.NewWriter(c.conn)
	if err := c.request.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

func (c *Client) receive(ctx context.Context) error {
	defer c.watch(ctx)()
	resp, err := http.ReadResponse(bufio.NewReader(c.conn), c.request)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	zap.L().Debug("geocode client: response received",
		zap.String("provider", c.protocol.Name()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	c.body = body
	return nil
}

// shutdown closes the TLS session. Errors are ignored.
func (c *Client) shutdown() {
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Now().Add(time.Second))
		_ = c.conn.CloseWrite()
	}
	c.closeConn()
}

func (c *Client) parse() {
	coords, err := c.protocol.Parse(c.body)
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.finished = Success(coords)
	c.setState(StateDone)
}

func (c *Client) fail(cause string) {
	c.finished = Failure(BackendFailure, cause)
	c.setState(StateDone)
}

// complete delivers the single Result. It runs at most once per client.
func (c *Client) complete() {
	c.once.Do(func() {
		c.closeConn()
		if c.done != nil {
			c.done(c.finished)
		}
	})
}

// watch applies ctx's deadline to the connection and unblocks pending I/O
// if ctx is cancelled. The returned func stops watching.
func (c *Client) watch(ctx context.Context) func() bool {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	conn := c.conn
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.raw = nil
		return
	}
	if c.raw != nil {
		_ = c.raw.Close()
		c.raw = nil
	}
}
