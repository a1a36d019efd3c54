package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/ledger"
)

// Collector samples process resource usage and per-token root-prover lag on
// an interval, the way the teacher's collector periodically refreshed
// storage/transparency gauges from the database.
type Collector struct {
	tokens     *store.TokensRepo
	rootProver *store.RootProverRepo
	ledger     ledger.Client
}

// NewCollector creates a new metrics collector. Any argument may be nil;
// the corresponding update step is then skipped.
func NewCollector(tokens *store.TokensRepo, rootProver *store.RootProverRepo, ledgerClient ledger.Client) *Collector {
	return &Collector{tokens: tokens, rootProver: rootProver, ledger: ledgerClient}
}

// UpdateRootProverLagMetrics sets RootProverCompileLag/RootProverSubmitLag
// for every registered token, reading the persisted root-prover state and
// the ledger's current contract index.
func (c *Collector) UpdateRootProverLagMetrics(ctx context.Context) error {
	if c.tokens == nil || c.rootProver == nil || c.ledger == nil {
		return nil
	}

	tokens, err := c.tokens.List(ctx)
	if err != nil {
		return err
	}

	for _, token := range tokens {
		state, ok, err := c.rootProver.LoadState(ctx, token.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		contractIndex, err := c.ledger.ContractNextIndex(ctx, token)
		if err != nil {
			return err
		}

		compileLag := float64(0)
		if contractIndex > state.LastCompiledIndex {
			compileLag = float64(contractIndex - state.LastCompiledIndex)
		}
		submitLag := float64(0)
		if state.LastCompiledIndex > state.LastSubmittedIndex {
			submitLag = float64(state.LastCompiledIndex - state.LastSubmittedIndex)
		}

		RootProverCompileLag.WithLabelValues(token.Label).Set(compileLag)
		RootProverSubmitLag.WithLabelValues(token.Label).Set(submitLag)
	}
	return nil
}

// UpdateResourceMetrics samples Go runtime memory/goroutine/GC stats into
// the ambient resource-monitoring gauges.
func UpdateResourceMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryHeapAllocBytes.Set(float64(m.HeapAlloc))
	MemoryHeapSysBytes.Set(float64(m.HeapSys))
	MemoryStackInUseBytes.Set(float64(m.StackInuse))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if m.NumGC > 0 {
		GCPauseDurationSeconds.Set(float64(m.PauseNs[(m.NumGC+255)%256]) / 1e9)
	}
}

// StartPeriodicUpdates starts background metric updates; it returns once
// ctx is cancelled.
func (c *Collector) StartPeriodicUpdates(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			UpdateResourceMetrics()
			if err := c.UpdateRootProverLagMetrics(ctx); err != nil {
				// Best-effort: skip this tick, retry on the next one.
				continue
			}
		}
	}
}
