package merkle

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to a throwaway token row in the real schema. These
// tests are skipped unless TEST_DATABASE_URL is set, matching the rest of
// the repo's integration-test convention.
func openTestDB(t *testing.T) (*sql.DB, int64) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping merkle engine integration test: TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var tokenID int64
	err = db.QueryRow(`INSERT INTO tokens (token_address, verifier_address, chain_id, label)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		"0xtest-"+t.Name(), "0xverifier", 1, "merkle-engine-test").Scan(&tokenID)
	require.NoError(t, err)
	return db, tokenID
}

func TestEngineAppendLeafAdvancesIndexAndRoot(t *testing.T) {
	db, tokenID := openTestDB(t)
	eng, err := New(db, tokenID, 8, ivc.PoseidonHash{}, 100)
	require.NoError(t, err)

	var addr [20]byte
	addr[19] = 1
	var value [32]byte
	value[31] = 100

	result, err := eng.AppendLeaf(context.Background(), addr, value)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Index)
	require.Equal(t, uint64(0), result.LeafIndex)
	require.NotEqual(t, eng.ZeroRoot(), result.Root)

	latest, err := eng.LatestIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest)
}

func TestEngineProveRoundTrip(t *testing.T) {
	db, tokenID := openTestDB(t)
	eng, err := New(db, tokenID, 8, ivc.PoseidonHash{}, 100)
	require.NoError(t, err)

	ctx := context.Background()
	var lastRoot [32]byte
	for i := 0; i < 4; i++ {
		var addr [20]byte
		addr[19] = byte(i + 1)
		var value [32]byte
		value[31] = byte((i + 1) * 10)
		res, err := eng.AppendLeaf(ctx, addr, value)
		require.NoError(t, err)
		lastRoot = res.Root
	}

	proof, err := eng.Prove(ctx, 4, 0)
	require.NoError(t, err)
	require.Equal(t, lastRoot, proof.Root)

	var addr0 [20]byte
	addr0[19] = 1
	var value0 [32]byte
	value0[31] = 10
	leafHash := ivc.PoseidonHash{}.HashLeaf(addr0, value0)
	reconstructed := GetRoot(ivc.PoseidonHash{}, leafHash, proof.LeafIndex, proof.Siblings)
	require.Equal(t, proof.Root, reconstructed)
}

func TestEngineProveTargetZeroRejected(t *testing.T) {
	db, tokenID := openTestDB(t)
	eng, err := New(db, tokenID, 8, ivc.PoseidonHash{}, 100)
	require.NoError(t, err)

	_, err = eng.Prove(context.Background(), 0, 0)
	require.True(t, apperr.Is(err, apperr.UserInput))
}

func TestEngineProveLeafIndexOutOfBounds(t *testing.T) {
	db, tokenID := openTestDB(t)
	eng, err := New(db, tokenID, 8, ivc.PoseidonHash{}, 100)
	require.NoError(t, err)
	ctx := context.Background()

	var addr [20]byte
	var value [32]byte
	_, err = eng.AppendLeaf(ctx, addr, value)
	require.NoError(t, err)

	_, err = eng.Prove(ctx, 1, 1)
	require.True(t, apperr.Is(err, apperr.UserInput))
}

func TestEngineProveRetentionWindowExceeded(t *testing.T) {
	db, tokenID := openTestDB(t)
	eng, err := New(db, tokenID, 8, ivc.PoseidonHash{}, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		var addr [20]byte
		addr[19] = byte(i + 1)
		var value [32]byte
		_, err := eng.AppendLeaf(ctx, addr, value)
		require.NoError(t, err)
	}

	_, err = eng.Prove(ctx, 1, 0)
	require.True(t, apperr.Is(err, apperr.ContractViolation))
}
