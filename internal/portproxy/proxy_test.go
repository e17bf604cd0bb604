package portproxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPortOf extracts the numeric TCP port an httptest.Server is bound to.
func tcpPortOf(t *testing.T, rawURL string) int {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestRouteParsesPortAndRest(t *testing.T) {
	port, upstreamPath, upstreamQuery, err := Route("/proxy/8080/index.html", "a=1")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
	assert.Equal(t, "/index.html", upstreamPath)
	assert.Equal(t, "a=1", upstreamQuery)
}

func TestRouteMissingPortIsInvalid(t *testing.T) {
	_, _, _, err := Route("/proxy/", "")
	require.Error(t, err)
}

func TestRouteNonNumericPortIsInvalid(t *testing.T) {
	_, _, _, err := Route("/proxy/abc/x", "")
	require.Error(t, err)
}

func TestProxyForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/index.html", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	registry := NewRegistry()
	upstreamPort := tcpPortOf(t, upstream.URL)
	_, err := registry.ExposePort(upstreamPort, "test")
	require.NoError(t, err)

	p := NewProxy(registry, logrus.New().WithField("test", true))

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+strconv.Itoa(upstreamPort)+"/index.html", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProxyPreservesQueryString(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "q=a+b&page=2", r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	registry := NewRegistry()
	upstreamPort := tcpPortOf(t, upstream.URL)
	_, err := registry.ExposePort(upstreamPort, "test")
	require.NoError(t, err)

	p := NewProxy(registry, logrus.New().WithField("test", true))

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+strconv.Itoa(upstreamPort)+"/search?q=a+b&page=2", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyUnexposedPortIs404(t *testing.T) {
	registry := NewRegistry()
	p := NewProxy(registry, logrus.New().WithField("test", true))

	req := httptest.NewRequest(http.MethodGet, "/proxy/9/index.html", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
