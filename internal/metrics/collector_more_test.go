package metrics

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jamie-anson/project-beacon-runner/internal/ledgersim"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping metrics collector integration test: TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpdateRootProverLagMetrics_SetsGaugesFromPersistedState(t *testing.T) {
	resetProm()
	db := openTestDB(t)
	ctx := context.Background()

	tokens := store.NewTokensRepo(db)
	tokenID, err := tokens.Upsert(ctx, models.Token{TokenAddress: "0xcollector", VerifierAddress: "0xverifier", ChainID: 99, Label: "collector-test"})
	if err != nil {
		t.Fatalf("upsert token: %v", err)
	}
	token := models.Token{ID: tokenID, TokenAddress: "0xcollector", VerifierAddress: "0xverifier", ChainID: 99, Label: "collector-test"}

	rootProver := store.NewRootProverRepo(db)
	if err := rootProver.UpsertState(ctx, models.RootProverState{TokenID: tokenID, BaseIndex: 0, LastCompiledIndex: 3, LastSubmittedIndex: 1}); err != nil {
		t.Fatalf("upsert root prover state: %v", err)
	}

	ledger := ledgersim.New()
	ledger.AppendTransfer(token, "0xfrom", "0xto", [32]byte{}, 1)
	ledger.AppendTransfer(token, "0xfrom", "0xto", [32]byte{}, 2)
	ledger.AppendTransfer(token, "0xfrom", "0xto", [32]byte{}, 3)
	ledger.AppendTransfer(token, "0xfrom", "0xto", [32]byte{}, 4)
	ledger.AppendTransfer(token, "0xfrom", "0xto", [32]byte{}, 5)

	c := NewCollector(tokens, rootProver, ledger)
	if err := c.UpdateRootProverLagMetrics(ctx); err != nil {
		t.Fatalf("UpdateRootProverLagMetrics: %v", err)
	}

	if got := testutil.ToFloat64(RootProverCompileLag.WithLabelValues(token.Label)); got != 2 {
		t.Fatalf("RootProverCompileLag = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RootProverSubmitLag.WithLabelValues(token.Label)); got != 2 {
		t.Fatalf("RootProverSubmitLag = %v, want 2", got)
	}
}

// resetProm resets the default prometheus registry to avoid duplicate registrations across tests
func resetProm() {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	// Re-register all package metrics via helper
	RegisterAll()
}
