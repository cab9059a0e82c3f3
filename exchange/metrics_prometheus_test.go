package exchange

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	attrs := map[string]string{"engine": "bulk", "peer": "0"}
	metrics.PushBlocked(attrs)
	metrics.Exchanged(attrs)
	metrics.SendCompleted(attrs)
	metrics.SendBlocked(attrs)
	metrics.PopCompleted(attrs)
	metrics.Terminated(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"pxchg_push_blocked_total":   1,
		"pxchg_exchanged_total":      1,
		"pxchg_send_completed_total": 1,
		"pxchg_send_blocked_total":   1,
		"pxchg_pop_completed_total":  1,
		"pxchg_terminated_total":     1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
