package treebuilder

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
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
		t.Skip("skipping treebuilder integration test: TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunCycleAppendsContiguousEventsOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tokens := store.NewTokensRepo(db)
	tokenID, err := tokens.Upsert(ctx, models.Token{TokenAddress: "0xtreejob", VerifierAddress: "0xverifier", ChainID: 9, Label: "tree-job-test"})
	require.NoError(t, err)
	token := models.Token{ID: tokenID, TokenAddress: "0xtreejob", VerifierAddress: "0xverifier", ChainID: 9, Label: "tree-job-test"}

	hasher := ivc.PoseidonHash{}
	tree, err := merkle.New(db, tokenID, 8, hasher, 1000)
	require.NoError(t, err)

	eventsRepo := store.NewEventsRepo(db)
	var value0, value1, value2 [32]byte
	value0[31] = 1
	value1[31] = 2
	value2[31] = 3

	require.NoError(t, eventsRepo.InsertBatch(ctx, tokenID, []models.IndexedTransferEvent{
		{TokenID: tokenID, EventIndex: 0, FromAddress: "0xfrom", ToAddress: "0x0000000000000000000000000000000000000001", Value: value0, EthBlockNumber: 1},
		{TokenID: tokenID, EventIndex: 1, FromAddress: "0xfrom", ToAddress: "0x0000000000000000000000000000000000000002", Value: value1, EthBlockNumber: 2},
	}))
	require.NoError(t, eventsRepo.SaveState(ctx, models.EventIndexerState{TokenID: tokenID, ContiguousIndex: 1, LastSyncedBlock: 2}))

	// A third event exists but is beyond the contiguously-confirmed index
	// and must not be appended this cycle.
	require.NoError(t, eventsRepo.InsertBatch(ctx, tokenID, []models.IndexedTransferEvent{
		{TokenID: tokenID, EventIndex: 2, FromAddress: "0xfrom", ToAddress: "0x0000000000000000000000000000000000000003", Value: value2, EthBlockNumber: 3},
	}))

	job := &Job{DB: db, Events: eventsRepo, Cfg: Config{BatchSize: 500}}
	job.RunCycle(ctx, []TokenJob{{Token: token, Tree: tree}})

	treeIndex, err := tree.LatestIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), treeIndex)
}

func TestRunCycleRespectsBatchSize(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tokens := store.NewTokensRepo(db)
	tokenID, err := tokens.Upsert(ctx, models.Token{TokenAddress: "0xtreebatch", VerifierAddress: "0xverifier", ChainID: 10, Label: "tree-batch-test"})
	require.NoError(t, err)
	token := models.Token{ID: tokenID, TokenAddress: "0xtreebatch", VerifierAddress: "0xverifier", ChainID: 10, Label: "tree-batch-test"}

	hasher := ivc.PoseidonHash{}
	tree, err := merkle.New(db, tokenID, 8, hasher, 1000)
	require.NoError(t, err)

	eventsRepo := store.NewEventsRepo(db)
	events := make([]models.IndexedTransferEvent, 0, 5)
	for i := uint64(0); i < 5; i++ {
		var value [32]byte
		value[31] = byte(i + 1)
		events = append(events, models.IndexedTransferEvent{
			TokenID: tokenID, EventIndex: i, FromAddress: "0xfrom",
			ToAddress: "0x0000000000000000000000000000000000000009", Value: value, EthBlockNumber: i + 1,
		})
	}
	require.NoError(t, eventsRepo.InsertBatch(ctx, tokenID, events))
	require.NoError(t, eventsRepo.SaveState(ctx, models.EventIndexerState{TokenID: tokenID, ContiguousIndex: 4, LastSyncedBlock: 5}))

	job := &Job{DB: db, Events: eventsRepo, Cfg: Config{BatchSize: 2}}
	job.RunCycle(ctx, []TokenJob{{Token: token, Tree: tree}})

	treeIndex, err := tree.LatestIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), treeIndex)

	job.RunCycle(ctx, []TokenJob{{Token: token, Tree: tree}})
	job.RunCycle(ctx, []TokenJob{{Token: token, Tree: tree}})

	treeIndex, err = tree.LatestIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), treeIndex)
}
