package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHTTP(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("/api/imports", "POST", "202"))
	ObserveHTTP("/api/imports", "POST", http.StatusAccepted, 20*time.Millisecond)
	after := testutil.ToFloat64(HTTPRequests.WithLabelValues("/api/imports", "POST", "202"))
	if after-before != 1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}

	ObserveHTTP("", "GET", http.StatusNotFound, time.Millisecond)
	if got := testutil.ToFloat64(HTTPRequests.WithLabelValues("unmatched", "GET", "404")); got < 1 {
		t.Errorf("unmatched counter = %v, want >= 1", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	ImportsTotal.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "productimport_imports_total") {
		t.Error("metrics output missing productimport_imports_total")
	}
}
