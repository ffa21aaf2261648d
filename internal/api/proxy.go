package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"originguard/internal/models"
)

// NewUpstreamProxy returns a reverse proxy to rawURL. Upstream failures are
// answered with a 502 JSON body.
func NewUpstreamProxy(rawURL string) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", rawURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("Upstream request failed",
			"upstream", target.Host,
			"path", r.URL.Path,
			"error", err)
		writeJSON(w, http.StatusBadGateway, models.NewErrorResponse("Upstream service unavailable", models.ErrorCodeBadGateway))
	}
	return proxy, nil
}
