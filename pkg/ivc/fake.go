package ivc

import (
	"context"
	"encoding/binary"
	"fmt"
)

// FakeFoldingScheme is a deterministic, non-cryptographic FoldingScheme used
// by tests and local development in place of a real folding-scheme wire-up.
// State is encoded as hashChain(32) || root(32) || index(8).
type FakeFoldingScheme struct {
	Hasher HashFn
}

func (f FakeFoldingScheme) ProveStep(ctx context.Context, state []byte, externalInput []byte, isDummy bool) ([]byte, error) {
	hashChain, root, index, err := f.ExtractPublicState(state)
	if err != nil && len(state) != 0 {
		return nil, err
	}

	if !isDummy {
		var left, right [32]byte
		copy(left[:], hashChain[:])
		copy(right[:], externalInput)
		hashChain = f.hasher().Hash(left, right)
		root = f.hasher().Hash(root, right)
		index++
	}

	out := make([]byte, 72)
	copy(out[0:32], hashChain[:])
	copy(out[32:64], root[:])
	binary.BigEndian.PutUint64(out[64:72], index)
	return out, nil
}

func (f FakeFoldingScheme) Verify(ctx context.Context, state []byte) error {
	if len(state) != 72 {
		return fmt.Errorf("fake folding scheme: malformed state length %d", len(state))
	}
	return nil
}

func (f FakeFoldingScheme) ExtractPublicState(state []byte) (hashChain [32]byte, root [32]byte, index uint64, err error) {
	if len(state) == 0 {
		return hashChain, root, 0, nil
	}
	if len(state) != 72 {
		return hashChain, root, 0, fmt.Errorf("fake folding scheme: malformed state length %d", len(state))
	}
	copy(hashChain[:], state[0:32])
	copy(root[:], state[32:64])
	index = binary.BigEndian.Uint64(state[64:72])
	return hashChain, root, index, nil
}

func (f FakeFoldingScheme) hasher() HashFn {
	if f.Hasher != nil {
		return f.Hasher
	}
	return PoseidonHash{}
}

// FakeDeciderScheme compresses a folding state by simply returning it
// unchanged, tagged with the circuit name so Verify can sanity-check it was
// produced for the circuit it's presented against.
type FakeDeciderScheme struct{}

func (FakeDeciderScheme) Compress(ctx context.Context, circuit string, ivcState []byte) ([]byte, error) {
	tag := []byte(circuit + "\x00")
	return append(tag, ivcState...), nil
}

func (FakeDeciderScheme) Verify(ctx context.Context, circuit string, deciderProof []byte) error {
	tag := []byte(circuit + "\x00")
	if len(deciderProof) < len(tag) {
		return fmt.Errorf("fake decider scheme: proof too short for circuit %q", circuit)
	}
	for i := range tag {
		if deciderProof[i] != tag[i] {
			return fmt.Errorf("fake decider scheme: proof circuit tag mismatch, want %q", circuit)
		}
	}
	return nil
}
