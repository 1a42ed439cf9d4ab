package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an HTTP middleware that caps requests per IP address over
// the given window. This is a coarse outer ceiling that sheds floods before
// any body parsing; the activation quota buckets are enforced inside the
// client handlers, where the device identity is known.
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requests, window)
}

// RateLimitByHeader returns an HTTP middleware that caps requests by a header
// value (e.g. X-API-Key) over the given window. Requests without the header
// share one bucket and get rejected by authentication anyway.
func RateLimitByHeader(headerName string, requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return r.Header.Get(headerName), nil
		}),
	)
}
