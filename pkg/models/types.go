// Package models holds the data-model types shared across the indexer and
// prover binaries: tokens, indexed transfer events, Merkle bookkeeping rows,
// queue-backed job records, and root-prover state.
package models

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Token is a registered (token_address, chain_id) pair. Upserted when first
// registered from the tokens file; never deleted. Every subsequent relation
// is partitioned by TokenID.
type Token struct {
	ID              int64     `db:"id"`
	TokenAddress    string    `db:"token_address"`
	VerifierAddress string    `db:"verifier_address"`
	ChainID         uint64    `db:"chain_id"`
	Label           string    `db:"label"`
	CreatedAt       time.Time `db:"created_at"`
}

// IndexedTransferEvent is one ledger transfer, assigned a monotonic
// EventIndex by the contract per token. For a given token the set of
// EventIndex values is a subset of [0, latest_contract_index); gaps are
// permitted transiently and closed by backfill.
type IndexedTransferEvent struct {
	TokenID        int64
	EventIndex     uint64
	FromAddress    string
	ToAddress      string
	Value          [32]byte
	EthBlockNumber uint64
}

// EventIndexerState is the single per-token row tracking ingest progress.
// ContiguousIndex advances only in unit increments after lock-protected
// verification that the corresponding event row exists; -1 means no event
// has been contiguously confirmed yet.
type EventIndexerState struct {
	TokenID               int64
	ContiguousIndex       int64
	ContiguousBlock       *uint64
	LastSyncedBlock       uint64
	LastSeenContractIndex *uint64
	UpdatedAt             time.Time
}

// NodePath encodes a (depth, offset) pair in the sparse Merkle tree as a
// fixed 12-byte tuple: 4-byte big-endian length || 8-byte big-endian offset.
// This arena-indexed addressing avoids node<->tree back-pointers.
type NodePath struct {
	Depth  uint32
	Offset uint64
}

// Encode returns the canonical 12-byte wire/storage form.
func (p NodePath) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Depth)
	binary.BigEndian.PutUint64(buf[4:12], p.Offset)
	return buf
}

// DecodeNodePath parses the 12-byte form produced by Encode.
func DecodeNodePath(b []byte) (NodePath, error) {
	if len(b) != 12 {
		return NodePath{}, fmt.Errorf("node path must be 12 bytes, got %d", len(b))
	}
	return NodePath{
		Depth:  binary.BigEndian.Uint32(b[0:4]),
		Offset: binary.BigEndian.Uint64(b[4:12]),
	}, nil
}

// IsEmpty reports whether the path has been walked all the way to the root.
func (p NodePath) IsEmpty() bool { return p.Depth == 0 }

// Sibling flips the last bit of Offset, yielding the path's sibling at the
// same depth.
func (p NodePath) Sibling() NodePath {
	p.Offset ^= 1
	return p
}

// Pop walks one level toward the root, shifting off and returning the low
// bit (true = this node was the right child of its parent).
func (p *NodePath) Pop() bool {
	bit := p.Offset & 1
	p.Offset >>= 1
	p.Depth--
	return bit == 1
}

// MerkleNodeCurrent stores only non-zero nodes; absent paths are interpreted
// via the precomputed zero-hash ladder (see pkg/merkle).
type MerkleNodeCurrent struct {
	TokenID        int64
	Path           NodePath
	Hash           [32]byte
	UpdatedAtIndex uint64
}

// MerkleUpdate is a differential log entry: one row per node change, keyed
// by the snapshot (tree) index at which the change was applied. It is the
// sole mechanism for historical-proof reconstruction, and is pruned once
// TreeIndex <= latest_tree_index - HISTORY_WINDOW.
type MerkleUpdate struct {
	TokenID   int64
	TreeIndex uint64
	Path      NodePath
	OldHash   *[32]byte
	NewHash   [32]byte
}

// MerkleSnapshot records the root and hash-chain state after appending
// TreeIndex leaves (TreeIndex == number_of_leaves). TreeIndex is strictly
// increasing per token.
type MerkleSnapshot struct {
	TokenID   int64
	TreeIndex uint64
	RootHash  [32]byte
	HashChain [32]byte
}

// JobState is the lifecycle of a decider proof job.
type JobState string

const (
	JobQueued     JobState = "Queued"
	JobProcessing JobState = "Processing"
	JobCompleted  JobState = "Completed"
	JobFailed     JobState = "Failed"
)

// maxErrorLen truncates stored job errors; see spec for the 512-char cap.
const maxErrorLen = 512

// JobRecord is a client-supplied, globally unique decider job. ExpiresAt
// enforces TTL-based garbage collection independent of queue visibility.
type JobRecord struct {
	JobID     string
	Circuit   string
	State     JobState
	MessageID *int64
	Result    *string
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// TruncateError clips an error string to the stored cap, appending "..." to
// mark truncation, matching the worker's truncate_error behavior.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen] + "..."
}

// QueueMessage binds back to JobRecord.MessageID. VT is the visibility
// timestamp: the message is invisible to other dequeuers until VT passes.
type QueueMessage struct {
	MsgID       int64
	JobID       string
	VT          time.Time
	MessageJSON []byte
	ReadCount   int
	EnqueuedAt  time.Time
}

// DeciderJobPayload is the message_json body enqueued for a decider job.
type DeciderJobPayload struct {
	JobID   string `json:"job_id"`
	Circuit string `json:"circuit"`
	IVCProofBase64 string `json:"ivc_proof"`
}

// RootProverState is the single per-token row the root prover job's
// Compile/Submit cycles read and advance. BaseIndex is the index the current
// IVC chain was rebased from; LastCompiledIndex/LastSubmittedIndex track
// progress of the two sub-cycles independently. PendingReservedIndex/
// PendingReservedHashChain record an in-flight ledger hash-chain reservation
// awaiting a matching compiled proof.
type RootProverState struct {
	TokenID                  int64
	BaseIndex                uint64
	LastCompiledIndex        uint64
	LastSubmittedIndex       uint64
	PendingReservedIndex     *uint64
	PendingReservedHashChain *[32]byte
	UpdatedAt                time.Time
}

// RootIVCProof is one compiled IVC artifact spanning [StartIndex, EndIndex],
// awaiting submission. StateHashChain/StateRoot are the public outputs
// extracted from the folding scheme's state vector at EndIndex.
type RootIVCProof struct {
	TokenID        int64
	StartIndex     uint64
	EndIndex       uint64
	IVCProof       []byte
	StateHashChain [32]byte
	StateRoot      [32]byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lease is a TTL-based cooperative mutex row; see internal/lease. LeaseKey is
// fnv64(label, chain_id, token_address, verifier_address, salt), one salt
// per job type (event ingest, tree build, root prove) so the same token
// supports independent concurrent leases.
type Lease struct {
	LeaseKey  int64
	Holder    string
	ExpiresAt time.Time
}
