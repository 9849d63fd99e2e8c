package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/geocode-proxy/pkg/geocode"
)

// QueryPrefix is the only request target prefix the proxy answers.
const QueryPrefix = "/geocode?location="

// Locator resolves a location through the configured backends.
type Locator interface {
	Locate(ctx context.Context, location string) geocode.Result
}

// RequestObserver is told the outcome kind of every answered request.
type RequestObserver interface {
	ObserveRequest(kind string)
}

// ServiceConfig is the read-only snapshot every connection is served with.
type ServiceConfig struct {
	Locator  Locator
	Observer RequestObserver
}

// Coordinator serves exactly one request on one accepted connection, then
// closes it.
type Coordinator struct {
	conn net.Conn
	cfg  ServiceConfig
	log  *zap.Logger
}

// NewCoordinator takes ownership of conn.
func NewCoordinator(conn net.Conn, cfg ServiceConfig) *Coordinator {
	return &Coordinator{
		conn: conn,
		cfg:  cfg,
		log: zap.L().With(
			zap.String("request_id", uuid.NewString()),
			zap.String("remote", conn.RemoteAddr().String()),
		),
	}
}

// Serve reads one request, answers it and closes the connection. A request
// that cannot be read is dropped without a response.
func (c *Coordinator) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	defer c.close()

	req, err := http.ReadRequest(bufio.NewReader(c.conn))
	if err != nil {
		c.log.Debug("proxy: read request", zap.Error(err))
		return
	}

	res := c.handle(ctx, req)

	resp, err := RenderResponse(res, req.ProtoMajor, req.ProtoMinor)
	if err != nil {
		c.log.Error("proxy: render response", zap.Error(err))
		res = geocode.Failure(geocode.BackendFailure, err.Error())
		if resp, err = RenderResponse(res, req.ProtoMajor, req.ProtoMinor); err != nil {
			c.log.Error("proxy: render fallback response", zap.Error(err))
			return
		}
	}
	if err := resp.Write(c.conn); err != nil {
		c.log.Debug("proxy: write response", zap.Error(err))
		return
	}

	kind := resultKind(res)
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveRequest(kind)
	}
	c.log.Info("proxy: request served",
		zap.String("method", req.Method),
		zap.String("target", req.RequestURI),
		zap.Int("status", resp.StatusCode),
		zap.String("kind", kind),
	)
}

// handle validates the request and runs the backend cascade for it.
func (c *Coordinator) handle(ctx context.Context, req *http.Request) geocode.Result {
	if req.Method != http.MethodGet || !strings.HasPrefix(req.RequestURI, QueryPrefix) {
		return geocode.Failure(geocode.BadRequest, "")
	}
	location := req.RequestURI[len(QueryPrefix):]
	return c.cfg.Locator.Locate(ctx, location)
}

// close shuts the connection down in both directions. Errors are ignored.
func (c *Coordinator) close() {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if hc, ok := c.conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		_ = hc.CloseRead()
	}
	_ = c.conn.Close()
}
