package portproxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

// Proxy forwards requests shaped `/proxy/<port>/<rest...>` to
// `http://127.0.0.1:<port>/<rest...>`, implementing spec.md §4.5.
type Proxy struct {
	registry *Registry
	log      *logrus.Entry
}

// NewProxy builds a Proxy backed by registry.
func NewProxy(registry *Registry, log *logrus.Entry) *Proxy {
	return &Proxy{registry: registry, log: log.WithField("component", "port-proxy")}
}

// Route parses the `/proxy/<port>/<rest...>` path shape and returns the
// port plus upstream path and query, kept as separate net/url fields
// (not concatenated) so a query string survives Rewrite's URL assembly
// intact rather than being re-percent-encoded as part of Path, per
// spec.md §4.5. Returns an apierrors.Error classifying the failure.
func Route(path, rawQuery string) (port int, upstreamPath, upstreamQuery string, err error) {
	trimmed := strings.TrimPrefix(path, "/proxy/")
	if trimmed == path || trimmed == "" {
		return 0, "", "", apierrors.New(apierrors.InvalidProxyURL, "missing port segment", map[string]any{"path": path})
	}

	parts := strings.SplitN(trimmed, "/", 2)
	port, convErr := strconv.Atoi(parts[0])
	if convErr != nil {
		return 0, "", "", apierrors.New(apierrors.InvalidProxyURL, "non-numeric port", map[string]any{"path": path})
	}

	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	return port, "/" + rest, rawQuery, nil
}

// ServeHTTP implements the `/proxy/<port>/<rest...>` handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	port, upstreamPath, upstreamQuery, err := Route(r.URL.Path, r.URL.RawQuery)
	if err != nil {
		apiErr, _ := apierrors.As(err)
		writeJSONError(w, apiErr)
		return
	}

	if _, ok := p.registry.Lookup(port); !ok {
		apiErr := apierrors.New(apierrors.ResourceNotFound, "port is not exposed", map[string]any{"port": port})
		writeJSONError(w, apiErr)
		return
	}
	p.registry.Touch(port)

	target, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = upstreamPath
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = upstreamQuery
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.WithError(err).WithField("port", port).Warn("upstream unreachable")
			apiErr := apierrors.New(apierrors.UpstreamUnreachable, "upstream unreachable", map[string]any{"port": port, "error": err.Error()})
			writeJSONError(w, apiErr)
		},
	}
	rp.ServeHTTP(w, r)
}

func writeJSONError(w http.ResponseWriter, e *apierrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	body := map[string]any{"error": string(e.Code), "message": e.Message, "port": e.Details["port"]}
	_ = json.NewEncoder(w).Encode(body)
}
