package otel

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// untraced paths are polled or long-lived and would only add noise.
var untraced = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// HTTPMiddleware returns a chi-compatible middleware that creates a span per
// request, named after the method and path. Health probes and websocket
// streams are not traced.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !untraced[r.URL.Path]
			}),
		)
	}
}
