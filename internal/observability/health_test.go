package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestReadinessLifecycle(t *testing.T) {
	h := NewHealthChecker()

	probe := func() int {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest("GET", "/readyz", nil))
		return rec.Code
	}

	if got := probe(); got != http.StatusServiceUnavailable {
		t.Fatalf("before ready: got %d", got)
	}

	h.SetReady(true)
	if got := probe(); got != http.StatusOK {
		t.Fatalf("ready: got %d", got)
	}

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	if got := probe(); got != http.StatusServiceUnavailable {
		t.Fatalf("failing check: got %d", got)
	}
	if f := h.RunChecks(context.Background()); f["postgres"] != "connection refused" {
		t.Errorf("failures: %v", f)
	}
}

func TestLivenessAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsRegisterOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetChannelMetrics("persist", 3, 10)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}
