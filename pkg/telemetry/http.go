package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddleware wraps next with otelhttp so every admin surface
// request (spec §4.8) gets a span and the standard otelhttp request
// metrics, grounded on the teacher's telemetry/http.go TracingMiddleware —
// simplified to the single-argument form since the admin surface has no
// per-path exclusions or custom span naming to configure.
func TracingMiddleware(serviceName string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, serviceName)
}
