package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers against the default Prometheus registry, so
// these tests build isolated collectors of the same shape rather than
// calling NewMetrics() directly, mirroring the teacher's own
// metrics_test.go pattern.

func TestToolCallsCounterLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_ape_tool_calls_total",
			Help: "Test tool call counter",
		},
		[]string{"tool", "outcome"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("echo", "success").Inc()
	counter.WithLabelValues("echo", "success").Inc()
	counter.WithLabelValues("echo", "validation_error").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Fatalf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP test_ape_tool_calls_total Test tool call counter
		# TYPE test_ape_tool_calls_total counter
		test_ape_tool_calls_total{outcome="success",tool="echo"} 2
		test_ape_tool_calls_total{outcome="validation_error",tool="echo"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected metric value: %v", err)
	}
}

func TestStagnationRecoveriesCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_ape_stagnation_recoveries_total",
		Help: "Test stagnation recovery counter",
	})
	registry.MustRegister(counter)

	counter.Inc()
	counter.Inc()
	counter.Inc()

	if got := testutil.ToFloat64(counter); got != 3 {
		t.Fatalf("expected 3 recoveries, got %v", got)
	}
}
