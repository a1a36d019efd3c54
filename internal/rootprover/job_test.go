package rootprover

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jamie-anson/project-beacon-runner/internal/ledgersim"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/jamie-anson/project-beacon-runner/pkg/merkle"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping rootprover integration test: TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRootProverCompileThenSubmitEndToEnd(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tokens := store.NewTokensRepo(db)
	tokenID, err := tokens.Upsert(ctx, models.Token{TokenAddress: "0xrootcycle", VerifierAddress: "0xverifier", ChainID: 7, Label: "root-cycle-test"})
	require.NoError(t, err)
	token := models.Token{ID: tokenID, TokenAddress: "0xrootcycle", VerifierAddress: "0xverifier", ChainID: 7, Label: "root-cycle-test"}

	hasher := ivc.PoseidonHash{}
	tree, err := merkle.New(db, tokenID, 8, hasher, 1000)
	require.NoError(t, err)

	eventsRepo := store.NewEventsRepo(db)
	var addr [20]byte
	addr[19] = 1
	var value [32]byte
	value[31] = 42
	_, err = tree.AppendLeaf(ctx, addr, value)
	require.NoError(t, err)

	require.NoError(t, eventsRepo.InsertBatch(ctx, tokenID, []models.IndexedTransferEvent{
		{TokenID: tokenID, EventIndex: 0, FromAddress: "0xfrom", ToAddress: "0x0000000000000000000000000000000000000001", Value: value, EthBlockNumber: 1},
	}))

	ledger := ledgersim.New()
	ledger.AppendTransfer(token, "0xfrom", "0x0000000000000000000000000000000000000001", value, 1)

	job := &Job{
		DB:     db,
		Repo:   store.NewRootProverRepo(db),
		Events: eventsRepo,
		Ledger: ledger,
		Cfg: Config{
			HistoryWindow:      1000,
			ProverTimeout:      2 * time.Second,
			ProverPollInterval: 10 * time.Millisecond,
			SubmitEnabled:      true,
		},
	}

	tj := TokenJob{
		Token:   token,
		Tree:    tree,
		Folding: ivc.FakeFoldingScheme{Hasher: hasher},
		Decider: ivc.FakeDeciderScheme{},
		Circuit: "transfer",
	}

	job.RunCycle(ctx, []TokenJob{tj}, true, true)

	state, ok, err := job.Repo.LoadState(ctx, tokenID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), state.BaseIndex)
	require.Equal(t, uint64(1), state.LastSubmittedIndex)

	proved, err := ledger.LatestProvedIndex(ctx, token)
	require.NoError(t, err)
	require.Equal(t, uint64(1), proved)
}
