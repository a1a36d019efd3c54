// Package ivc declares the black-box folding-scheme collaborators the
// Merkle engine and the decider worker pool drive, plus a Poseidon-backed
// HashFn used by default.
package ivc

import "context"

// HashFn is the tree hash: a 2-to-1 internal-node compression function and
// a leaf hash binding an address to its transfer value.
type HashFn interface {
	Hash(left, right [32]byte) [32]byte
	HashLeaf(address [20]byte, value [32]byte) [32]byte
}

// FoldingScheme folds one circuit step (real or dummy) into an IVC state and
// can verify/extract the public state of an accumulated proof. ProveStep is
// CPU-bound; the root prover calls it on an ordinary goroutine, without
// pinning it to an OS thread.
type FoldingScheme interface {
	ProveStep(ctx context.Context, state []byte, externalInput []byte, isDummy bool) ([]byte, error)
	Verify(ctx context.Context, state []byte) error
	ExtractPublicState(state []byte) (hashChain [32]byte, root [32]byte, index uint64, err error)
}

// DeciderScheme compresses an accumulated IVC state into a succinct decider
// proof for on-chain verification, and can verify one back.
type DeciderScheme interface {
	Compress(ctx context.Context, circuit string, ivcState []byte) ([]byte, error)
	Verify(ctx context.Context, circuit string, deciderProof []byte) error
}
