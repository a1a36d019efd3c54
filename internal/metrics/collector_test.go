package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector_NilDependencies_NoPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	c := NewCollector(nil, nil, nil)

	if err := c.UpdateRootProverLagMetrics(context.Background()); err != nil {
		t.Fatalf("UpdateRootProverLagMetrics with nil deps returned err: %v", err)
	}
}

func TestUpdateResourceMetrics_NoPanic(t *testing.T) {
	resetProm()
	UpdateResourceMetrics()
}
