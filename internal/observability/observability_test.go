package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) PingContext(ctx context.Context) error { return p.err }

func TestHealthReadyHandler(t *testing.T) {
	tests := []struct {
		name string
		deps []Pinger
		want int
	}{
		{"no deps", nil, http.StatusOK},
		{"healthy", []Pinger{pinger{}, nil}, http.StatusOK},
		{"one down", []Pinger{pinger{}, pinger{err: errors.New("down")}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthReadyHandler(tt.deps...)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMetricsMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware("metrics-test"))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}

	var m dto.Metric
	require.NoError(t, HttpRequestsTotal.WithLabelValues("metrics-test", http.MethodGet, "/items/{id}", "200").Write(&m))
	assert.Equal(t, float64(3), m.GetCounter().GetValue())
}

func TestTraceFields_NoSpan(t *testing.T) {
	assert.Nil(t, TraceFields(context.Background()))
	assert.NotNil(t, GetLogger(context.Background()))
}
