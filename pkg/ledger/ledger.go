// Package ledger declares the on-chain contract surface the indexer and
// root prover depend on, kept as a black-box interface so the rest of the
// core is testable without a live RPC endpoint.
package ledger

import (
	"context"

	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// Client is the external ledger contract surface: event-log queries and
// contract-state reads are idempotent; ReserveHashChain and
// ProveTransferRoot are the only two mutating calls.
type Client interface {
	LatestBlock(ctx context.Context, chainID uint64) (uint64, error)
	ContractNextIndex(ctx context.Context, token models.Token) (uint64, error)
	FetchTransferLogs(ctx context.Context, token models.Token, fromBlock, toBlock uint64) ([]models.IndexedTransferEvent, error)
	LatestProvedIndex(ctx context.Context, token models.Token) (uint64, error)
	LatestReservedIndex(ctx context.Context, token models.Token) (uint64, bool, error)
	ReserveHashChain(ctx context.Context, token models.Token, targetIndex uint64) (index uint64, hashChain [32]byte, err error)
	ProveTransferRoot(ctx context.Context, token models.Token, deciderProof []byte) (receipt string, err error)
}
