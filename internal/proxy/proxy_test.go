package proxy

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geocode-proxy/pkg/geocode"
)

// fakeLocator answers from a per-location script and records calls.
type fakeLocator struct {
	mu      sync.Mutex
	calls   []string
	results map[string]geocode.Result
}

func (f *fakeLocator) Locate(_ context.Context, location string) geocode.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, location)
	if r, ok := f.results[location]; ok {
		return r
	}
	return geocode.Failure(geocode.LocationNotFound, "")
}

func (f *fakeLocator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type kindCounter struct {
	mu    sync.Mutex
	kinds []string
}

func (k *kindCounter) ObserveRequest(kind string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kinds = append(k.kinds, kind)
}

// startProxy runs an Acceptor on a loopback port for the duration of the test.
func startProxy(t *testing.T, cfg ServiceConfig) string {
	t.Helper()
	a, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("acceptor did not stop")
		}
	})
	return a.Addr().String()
}

// roundTrip sends a raw request and reads one response.
func roundTrip(t *testing.T, addr, raw string) (*http.Response, string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func get(target string) string {
	return "GET " + target + " HTTP/1.1\r\nHost: proxy.test\r\n\r\n"
}

func TestCoordinator_Success(t *testing.T) {
	loc := &fakeLocator{results: map[string]geocode.Result{
		"Paris": geocode.Success(geocode.Coordinates{Latitude: 48.85, Longitude: 2.35}),
	}}
	kinds := &kindCounter{}
	addr := startProxy(t, ServiceConfig{Locator: loc, Observer: kinds})

	resp, body := roundTrip(t, addr, get("/geocode?location=Paris"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, resp.ProtoMinor)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"Ok":{"latitude":48.85,"longitude":2.35}}`, body)
	assert.Equal(t, []string{"Paris"}, loc.Calls())

	kinds.mu.Lock()
	assert.Equal(t, []string{"Ok"}, kinds.kinds)
	kinds.mu.Unlock()
}

func TestCoordinator_UnrenderableResultStillAnswered(t *testing.T) {
	loc := &fakeLocator{results: map[string]geocode.Result{
		"Paris": geocode.Success(geocode.Coordinates{Latitude: math.Inf(1), Longitude: 2.35}),
	}}
	kinds := &kindCounter{}
	addr := startProxy(t, ServiceConfig{Locator: loc, Observer: kinds})

	resp, body := roundTrip(t, addr, get("/geocode?location=Paris"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"kind": "BackendFailure"`)
	assert.Contains(t, body, "unsupported value")

	kinds.mu.Lock()
	assert.Equal(t, []string{"BackendFailure"}, kinds.kinds)
	kinds.mu.Unlock()
}

func TestCoordinator_LocationIsVerbatim(t *testing.T) {
	loc := &fakeLocator{}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	roundTrip(t, addr, get("/geocode?location=New%20York&country=US"))

	assert.Equal(t, []string{"New%20York&country=US"}, loc.Calls())
}

func TestCoordinator_EmptyLocationStillDispatched(t *testing.T) {
	loc := &fakeLocator{}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	resp, body := roundTrip(t, addr, get("/geocode?location="))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"Err":{"kind":"LocationNotFound","cause":[""]}}`, body)
	assert.Equal(t, []string{""}, loc.Calls())
}

func TestCoordinator_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"post", "POST /geocode?location=Paris HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n"},
		{"head", "HEAD /geocode?location=Paris HTTP/1.1\r\nHost: x\r\n\r\n"},
		{"wrong path", get("/geocod?location=Paris")},
		{"missing query", get("/geocode")},
		{"wrong parameter", get("/geocode?city=Paris")},
		{"root", get("/")},
		{"absolute form", get("http://proxy.test/geocode?location=Paris")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := &fakeLocator{}
			addr := startProxy(t, ServiceConfig{Locator: loc})

			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()
			_, err = io.WriteString(conn, tt.raw)
			require.NoError(t, err)

			req, _ := http.NewRequest(http.MethodGet, "/", nil)
			if tt.name == "head" {
				req.Method = http.MethodHead
			}
			resp, err := http.ReadResponse(bufio.NewReader(conn), req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			if tt.name != "head" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.JSONEq(t, `{"Err":{"kind":"BadRequest","cause":[""]}}`, string(body))
			}
			assert.Empty(t, loc.Calls(), "no backend may be contacted for a bad request")
		})
	}
}

func TestCoordinator_EchoesHTTP10(t *testing.T) {
	loc := &fakeLocator{}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	resp, _ := roundTrip(t, addr, "GET /geocode?location=x HTTP/1.0\r\n\r\n")

	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, 0, resp.ProtoMinor)
}

func TestCoordinator_ClosesAfterOneRequest(t *testing.T) {
	loc := &fakeLocator{}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, get("/geocode?location=a"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	assert.True(t, resp.Close)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a"}, loc.Calls())
}

func TestCoordinator_MalformedRequestDropped(t *testing.T) {
	loc := &fakeLocator{}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "this is not http\r\n\r\n")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Empty(t, loc.Calls())
}

func TestCoordinator_IndependentConnections(t *testing.T) {
	loc := &fakeLocator{results: map[string]geocode.Result{
		"Paris":   geocode.Success(geocode.Coordinates{Latitude: 48.85, Longitude: 2.35}),
		"Nowhere": geocode.Failure(geocode.LocationNotFound, ""),
	}}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	_, first := roundTrip(t, addr, get("/geocode?location=Paris"))
	_, second := roundTrip(t, addr, get("/geocode?location=Nowhere"))

	assert.JSONEq(t, `{"Ok":{"latitude":48.85,"longitude":2.35}}`, first)
	assert.JSONEq(t, `{"Err":{"kind":"LocationNotFound","cause":[""]}}`, second)
	assert.Equal(t, []string{"Paris", "Nowhere"}, loc.Calls())
}

func TestCoordinator_ConcurrentConnections(t *testing.T) {
	loc := &fakeLocator{results: map[string]geocode.Result{
		"a": geocode.Success(geocode.Coordinates{Latitude: 1}),
		"b": geocode.Success(geocode.Coordinates{Latitude: 2}),
	}}
	addr := startProxy(t, ServiceConfig{Locator: loc})

	var wg sync.WaitGroup
	bodies := make(map[string]string)
	var mu sync.Mutex
	for _, location := range []string{"a", "b", "a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, body := roundTrip(t, addr, get("/geocode?location="+location))
			mu.Lock()
			bodies[location] = body
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.JSONEq(t, `{"Ok":{"latitude":1,"longitude":0}}`, bodies["a"])
	assert.JSONEq(t, `{"Ok":{"latitude":2,"longitude":0}}`, bodies["b"])
	assert.Len(t, loc.Calls(), 4)
}

func TestAcceptor_StopsOnCancel(t *testing.T) {
	a, err := Listen("127.0.0.1:0", ServiceConfig{Locator: &fakeLocator{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:80", ServiceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy: listen")
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, nextBackoff(0))
	assert.Equal(t, 10*time.Millisecond, nextBackoff(5*time.Millisecond))
	assert.Equal(t, time.Second, nextBackoff(800*time.Millisecond))
}
