package geocode

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

const hereBody = `{"Response":{"View":[{"Result":[{"Location":{"DisplayPosition":{"Latitude":48.85,"Longitude":2.35}}}]}]}}`

// staticResolver answers every lookup with the same addresses or error.
type staticResolver struct {
	addrs []string
	err   error
}

func (r staticResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return r.addrs, r.err
}

// newBackend starts a TLS test server and returns a Transport that routes
// every backend host to it.
func newBackend(t *testing.T, h http.HandlerFunc) (*httptest.Server, *Transport) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	return srv, newTestTransport(t, srv)
}

func newTestTransport(t *testing.T, srv *httptest.Server, opts ...Option) *Transport {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split test server addr: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	base := []Option{
		WithResolver(staticResolver{addrs: []string{"127.0.0.1"}}),
		WithPort(port),
		WithTLSConfig(&tls.Config{RootCAs: pool, ServerName: "example.com"}),
	}
	return NewTransport(append(base, opts...)...)
}
