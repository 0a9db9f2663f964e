package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/api"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

func TestRouterServesHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := api.NewHandler(nil, nil, nil, zerolog.Nop(), api.Options{Metrics: telemetry.NewMetrics(reg)})
	r := newRouter(h, reg)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "payout_http_requests_total") {
		t.Error("request counter missing from /metrics")
	}
}
