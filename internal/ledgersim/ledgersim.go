// Package ledgersim provides an in-memory ledger.Client for local
// development and integration tests, standing in for a live contract RPC
// connection the way the teacher's internal/golem mock executors stand in
// for a live Golem provider network.
package ledgersim

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

type tokenKey struct {
	address string
	chainID uint64
}

func keyOf(t models.Token) tokenKey {
	return tokenKey{address: t.TokenAddress, chainID: t.ChainID}
}

type tokenState struct {
	nextIndex      uint64
	events         []models.IndexedTransferEvent
	provedIndex    uint64
	reservedIndex  *uint64
	reservedChain  *[32]byte
	submittedCount int
}

// Ledger is a deterministic, in-process stand-in for the real on-chain
// contract surface. All mutating operations are serialized by mu.
type Ledger struct {
	mu     sync.Mutex
	blocks map[uint64]uint64
	tokens map[tokenKey]*tokenState
}

func New() *Ledger {
	return &Ledger{
		blocks: map[uint64]uint64{},
		tokens: map[tokenKey]*tokenState{},
	}
}

func (l *Ledger) stateFor(t models.Token) *tokenState {
	k := keyOf(t)
	s, ok := l.tokens[k]
	if !ok {
		s = &tokenState{}
		l.tokens[k] = s
	}
	return s
}

// SetLatestBlock lets tests control the chain head observed by the ingester.
func (l *Ledger) SetLatestBlock(chainID, block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[chainID] = block
}

func (l *Ledger) LatestBlock(ctx context.Context, chainID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocks[chainID], nil
}

// AppendTransfer enqueues one transfer at the next contract-assigned index.
func (l *Ledger) AppendTransfer(token models.Token, from, to string, value [32]byte, block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(token)
	ev := models.IndexedTransferEvent{
		TokenID:        token.ID,
		EventIndex:     s.nextIndex,
		FromAddress:    from,
		ToAddress:      to,
		Value:          value,
		EthBlockNumber: block,
	}
	s.events = append(s.events, ev)
	s.nextIndex++
}

func (l *Ledger) ContractNextIndex(ctx context.Context, token models.Token) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateFor(token).nextIndex, nil
}

func (l *Ledger) FetchTransferLogs(ctx context.Context, token models.Token, fromBlock, toBlock uint64) ([]models.IndexedTransferEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(token)
	var out []models.IndexedTransferEvent
	for _, ev := range s.events {
		if ev.EthBlockNumber >= fromBlock && ev.EthBlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *Ledger) LatestProvedIndex(ctx context.Context, token models.Token) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateFor(token).provedIndex, nil
}

func (l *Ledger) LatestReservedIndex(ctx context.Context, token models.Token) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(token)
	if s.reservedIndex == nil {
		return 0, false, nil
	}
	return *s.reservedIndex, true, nil
}

// ReserveHashChain deterministically derives a hash chain from the target
// index so repeated reservations for the same target are idempotent,
// approximating the real contract's HashChainReserved event semantics.
func (l *Ledger) ReserveHashChain(ctx context.Context, token models.Token, targetIndex uint64) (uint64, [32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(token)

	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", token.TokenAddress, token.ChainID, targetIndex)))
	s.reservedIndex = &targetIndex
	s.reservedChain = &digest
	return targetIndex, digest, nil
}

func (l *Ledger) ProveTransferRoot(ctx context.Context, token models.Token, deciderProof []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(token)
	if s.reservedIndex == nil {
		return "", fmt.Errorf("no pending hash chain reservation for token %s", token.TokenAddress)
	}
	s.provedIndex = *s.reservedIndex
	s.reservedIndex = nil
	s.reservedChain = nil
	s.submittedCount++
	return fmt.Sprintf("0xsimreceipt%d", s.submittedCount), nil
}
