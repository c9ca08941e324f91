package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MetricsMiddleware records request counts and latency labelled by the
// matched route pattern, so ids in paths do not multiply series.
func MetricsMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			path := routePattern(r)
			status := ww.Status()
			switch {
			case status == 0 && r.Header.Get("Upgrade") != "":
				// Hijacked upgrades write their status on the raw connection.
				status = http.StatusSwitchingProtocols
			case status == 0:
				status = http.StatusOK
			}
			HttpRequestsTotal.WithLabelValues(serviceName, r.Method, path, strconv.Itoa(status)).Inc()
			HttpRequestDuration.WithLabelValues(serviceName, r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
