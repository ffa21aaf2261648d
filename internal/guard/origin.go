package guard

import (
	"net"
	"net/http"
	"strings"
)

// OriginResolver extracts the origin identifier of an HTTP request.
type OriginResolver struct {
	// TrustForwardedFor uses the first X-Forwarded-For entry when present.
	TrustForwardedFor bool
}

// Origin returns the client address of r without its port.
func (o OriginResolver) Origin(r *http.Request) string {
	if o.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewRequest builds a pipeline Request from r.
func (o OriginResolver) NewRequest(r *http.Request) Request {
	return Request{
		Origin:      o.Origin(r),
		Method:      r.Method,
		URL:         r.URL.RequestURI(),
		UserAgent:   r.UserAgent(),
		HeaderBytes: headerBytes(r.Header),
	}
}

func headerBytes(h http.Header) int {
	n := 0
	for k, vs := range h {
		for _, v := range vs {
			// "Key: value\r\n"
			n += len(k) + len(v) + 4
		}
	}
	return n
}
