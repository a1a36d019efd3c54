package ledgersim

import (
	"context"
	"testing"

	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestLedgerAppendAndFetchTransfers(t *testing.T) {
	l := New()
	ctx := context.Background()
	token := models.Token{ID: 1, TokenAddress: "0xabc", ChainID: 1}

	var value [32]byte
	value[31] = 5
	l.AppendTransfer(token, "0xfrom", "0xto", value, 100)

	idx, err := l.ContractNextIndex(ctx, token)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	logs, err := l.FetchTransferLogs(ctx, token, 0, 200)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, uint64(0), logs[0].EventIndex)
}

func TestReserveHashChainThenProveTransferRoot(t *testing.T) {
	l := New()
	ctx := context.Background()
	token := models.Token{ID: 1, TokenAddress: "0xabc", ChainID: 1}

	idx, hashChain, err := l.ReserveHashChain(ctx, token, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), idx)
	require.NotEqual(t, [32]byte{}, hashChain)

	reservedIdx, ok, err := l.LatestReservedIndex(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), reservedIdx)

	receipt, err := l.ProveTransferRoot(ctx, token, []byte("proof"))
	require.NoError(t, err)
	require.NotEmpty(t, receipt)

	proved, err := l.LatestProvedIndex(ctx, token)
	require.NoError(t, err)
	require.Equal(t, uint64(4), proved)

	_, ok, err = l.LatestReservedIndex(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProveTransferRootWithoutReservationFails(t *testing.T) {
	l := New()
	ctx := context.Background()
	token := models.Token{ID: 1, TokenAddress: "0xabc", ChainID: 1}

	_, err := l.ProveTransferRoot(ctx, token, []byte("proof"))
	require.Error(t, err)
}
