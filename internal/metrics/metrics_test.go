package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	InflightQueries.Set(3)
	ClientQueriesOffline.Inc()
	UpstreamSent.WithLabelValues("primary").Inc()
	UpstreamTimeout.WithLabelValues("retry").Inc()
	UpstreamFailures.WithLabelValues("192.0.2.1:53").Inc()
	UpstreamLive.WithLabelValues("192.0.2.1:53").Set(1)
	ProbesSent.WithLabelValues("192.0.2.2:53").Inc()
	CoalesceHits.Inc()
	PendingEvictions.Inc()
	WaitingClients.Set(7)

	if got := testutil.ToFloat64(InflightQueries); got != 3 {
		t.Errorf("InflightQueries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(ClientQueriesOffline); got != 1 {
		t.Errorf("ClientQueriesOffline = %v, want 1", got)
	}
	if got := testutil.ToFloat64(WaitingClients); got != 7 {
		t.Errorf("WaitingClients = %v, want 7", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") ||
			strings.HasPrefix(name, "process_") ||
			strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "edgedns_") {
			t.Errorf("metric %q does not have edgedns_ prefix", name)
		}
	}
}
