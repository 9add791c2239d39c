package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gpsreporter/internal/gps"
)

// collector records every request by path and answers with per-path codes.
type collector struct {
	mu     sync.Mutex
	codes  map[string]int
	hits   map[string]int
	bodies map[string][]string
	auth   map[string]string
	ids    map[string]string
}

func newCollector(primaryCode, fallbackCode int) *collector {
	return &collector{
		codes: map[string]int{
			"/v1/gps-embed/send": primaryCode,
			"/v1/gps":            fallbackCode,
		},
		hits:   map[string]int{},
		bodies: map[string][]string{},
		auth:   map[string]string{},
		ids:    map[string]string{},
	}
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.hits[r.URL.Path]++
	c.bodies[r.URL.Path] = append(c.bodies[r.URL.Path], string(body))
	c.auth[r.URL.Path] = r.Header.Get("Authorization")
	c.ids[r.URL.Path] = r.Header.Get("X-Request-ID")
	code, ok := c.codes[r.URL.Path]
	c.mu.Unlock()
	if !ok {
		code = http.StatusNotFound
	}
	w.WriteHeader(code)
}

func (c *collector) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func sampleFix() gps.Fix {
	return gps.Fix{Latitude: -7.25, Longitude: 112.75, CapturedAt: time.UnixMilli(1700000000000)}
}

func newPipeline(t *testing.T, url string) *Pipeline {
	t.Helper()
	p, err := New(Endpoint{BaseURL: url + "/v1", Token: "tok"}, 2*time.Second)
	require.NoError(t, err)
	return p
}

func TestDeliver_PrimarySuccess(t *testing.T) {
	c := newCollector(http.StatusOK, http.StatusOK)
	server := httptest.NewServer(c)
	defer server.Close()

	res := newPipeline(t, server.URL).Deliver(context.Background(), sampleFix())

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, TransportPrimary, res.Transport)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, 1, c.count("/v1/gps-embed/send"))
	assert.Equal(t, 0, c.count("/v1/gps"))
}

func TestDeliver_FallbackOnServerError(t *testing.T) {
	c := newCollector(http.StatusInternalServerError, http.StatusOK)
	server := httptest.NewServer(c)
	defer server.Close()

	res := newPipeline(t, server.URL).Deliver(context.Background(), sampleFix())

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, TransportFallback, res.Transport)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Error(t, res.PrimaryErr)
	assert.Equal(t, 1, c.count("/v1/gps-embed/send"))
	assert.Equal(t, 1, c.count("/v1/gps"))

	want := `{"latitude":-7.25,"longitude":112.75,"timestamp":"1700000000000"}`
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, want, c.bodies["/v1/gps-embed/send"][0])
	assert.Equal(t, want, c.bodies["/v1/gps"][0])
	assert.Equal(t, "Bearer tok", c.auth["/v1/gps"])
	assert.Equal(t, res.RequestID, c.ids["/v1/gps"])
	assert.Equal(t, res.RequestID, c.ids["/v1/gps-embed/send"])
}

func TestDeliver_TotalFailure(t *testing.T) {
	c := newCollector(http.StatusInternalServerError, http.StatusBadGateway)
	server := httptest.NewServer(c)
	defer server.Close()

	res := newPipeline(t, server.URL).Deliver(context.Background(), sampleFix())

	require.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrTotalDelivery)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, 1, c.count("/v1/gps-embed/send"))
	assert.Equal(t, 1, c.count("/v1/gps"), "fallback is attempted exactly once")
}

func TestDeliver_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	res := newPipeline(t, url).Deliver(context.Background(), sampleFix())

	require.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrTotalDelivery)
	assert.Equal(t, 0, res.StatusCode)
}

func TestDeliver_CancelledSkipsFallback(t *testing.T) {
	c := newCollector(http.StatusOK, http.StatusOK)
	server := httptest.NewServer(c)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newPipeline(t, server.URL).Deliver(ctx, sampleFix())

	require.False(t, res.OK())
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, TransportPrimary, res.Transport)
	assert.Equal(t, 0, c.count("/v1/gps"))
}

func TestNew_InvalidEndpoint(t *testing.T) {
	_, err := New(Endpoint{BaseURL: "192.168.1.1:3000"}, 0)
	assert.Error(t, err)
}
