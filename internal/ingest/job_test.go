package ingest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jamie-anson/project-beacon-runner/internal/ledgersim"
	"github.com/jamie-anson/project-beacon-runner/internal/lease"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping ingest integration test: TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSyncTokenForwardScanAdvancesContiguousIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tokens := store.NewTokensRepo(db)
	tokenID, err := tokens.Upsert(ctx, models.Token{TokenAddress: "0xingest", VerifierAddress: "0xverifier", ChainID: 11, Label: "ingest-test"})
	require.NoError(t, err)
	token := models.Token{ID: tokenID, TokenAddress: "0xingest", VerifierAddress: "0xverifier", ChainID: 11, Label: "ingest-test"}

	ledger := ledgersim.New()
	ledger.SetLatestBlock(11, 100)

	var v0, v1, v2 [32]byte
	v0[31] = 1
	v1[31] = 2
	v2[31] = 3
	ledger.AppendTransfer(token, "0xfrom", "0xto0", v0, 10)
	ledger.AppendTransfer(token, "0xfrom", "0xto1", v1, 20)
	ledger.AppendTransfer(token, "0xfrom", "0xto2", v2, 30)

	events := store.NewEventsRepo(db)
	job := &Job{
		DB:     db,
		Events: events,
		Ledger: ledger,
		Cfg:    Config{BlockSpan: 50, ForwardScanOverlap: 2},
	}

	job.RunCycle(ctx, []TokenContext{{Token: token, DeployedBlockNumber: 0}})

	state, ok, err := events.LoadState(ctx, tokenID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), state.ContiguousIndex)

	got, err := events.RangeByIndex(ctx, tokenID, 0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestSyncTokenSkipsOnLeaseContention(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tokens := store.NewTokensRepo(db)
	tokenID, err := tokens.Upsert(ctx, models.Token{TokenAddress: "0xcontend", VerifierAddress: "0xverifier", ChainID: 12, Label: "ingest-contend"})
	require.NoError(t, err)
	token := models.Token{ID: tokenID, TokenAddress: "0xcontend", VerifierAddress: "0xverifier", ChainID: 12, Label: "ingest-contend"}

	ledger := ledgersim.New()
	ledger.SetLatestBlock(12, 10)

	events := store.NewEventsRepo(db)
	job := &Job{DB: db, Events: events, Ledger: ledger, Cfg: Config{BlockSpan: 50, ForwardScanOverlap: 2}}

	key := lease.Key(token.Label, token.ChainID, token.TokenAddress, token.VerifierAddress, lease.SaltEvent)
	_, err = db.ExecContext(ctx, `INSERT INTO leases (lease_key, holder, expires_at, updated_at) VALUES ($1, 'someone-else', now() + interval '1 hour', now())`,
		key)
	require.NoError(t, err)

	job.RunCycle(ctx, []TokenContext{{Token: token, DeployedBlockNumber: 0}})

	_, ok, err := events.LoadState(ctx, tokenID)
	require.NoError(t, err)
	require.False(t, ok)
}
