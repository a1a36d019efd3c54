package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLedger implements pkg/ledger.Client with a configurable LatestBlock
// that fails transiently a fixed number of times before succeeding, and
// counts calls to every other method for call-through verification.
type stubLedger struct {
	failTransientCount int32
	latestBlockCalls   int32
	contractNextIndex  uint64
	reserveErr         error
}

func (s *stubLedger) LatestBlock(ctx context.Context, chainID uint64) (uint64, error) {
	atomic.AddInt32(&s.latestBlockCalls, 1)
	if atomic.AddInt32(&s.failTransientCount, -1) >= 0 {
		return 0, apperr.New(apperr.Transient, "rpc hiccup")
	}
	return 42, nil
}

func (s *stubLedger) ContractNextIndex(ctx context.Context, token models.Token) (uint64, error) {
	return s.contractNextIndex, nil
}

func (s *stubLedger) FetchTransferLogs(ctx context.Context, token models.Token, fromBlock, toBlock uint64) ([]models.IndexedTransferEvent, error) {
	return nil, nil
}

func (s *stubLedger) LatestProvedIndex(ctx context.Context, token models.Token) (uint64, error) {
	return 0, nil
}

func (s *stubLedger) LatestReservedIndex(ctx context.Context, token models.Token) (uint64, bool, error) {
	return 0, false, nil
}

func (s *stubLedger) ReserveHashChain(ctx context.Context, token models.Token, targetIndex uint64) (uint64, [32]byte, error) {
	if s.reserveErr != nil {
		return 0, [32]byte{}, s.reserveErr
	}
	return targetIndex, [32]byte{1}, nil
}

func (s *stubLedger) ProveTransferRoot(ctx context.Context, token models.Token, deciderProof []byte) (string, error) {
	return "0xreceipt", nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxElapsedTime:  500 * time.Millisecond,
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	inner := &stubLedger{failTransientCount: 2}
	client := NewWithRetryConfig(inner, fastRetryConfig())

	block, err := client.LatestBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.latestBlockCalls))
}

func TestClientSurfacesPermanentFailureWithoutRetry(t *testing.T) {
	inner := &stubLedger{reserveErr: apperr.New(apperr.UserInput, "bad target index")}
	client := NewWithRetryConfig(inner, fastRetryConfig())

	_, _, err := client.ReserveHashChain(context.Background(), models.Token{}, 10)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.UserInput))
}

func TestClientPassesThroughSuccessfulCalls(t *testing.T) {
	inner := &stubLedger{contractNextIndex: 7}
	client := New(inner)

	idx, err := client.ContractNextIndex(context.Background(), models.Token{Label: "tok"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), idx)

	receipt, err := client.ProveTransferRoot(context.Background(), models.Token{}, []byte("proof"))
	require.NoError(t, err)
	assert.Equal(t, "0xreceipt", receipt)
}
