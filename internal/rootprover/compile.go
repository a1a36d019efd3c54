package rootprover

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// syncIVCProofs extends the folded IVC chain with every event in
// [state.LastCompiledIndex, target), where target = min(tree_index,
// contract_index). Each step is re-verified against the folding scheme
// immediately after proving; a verification failure is treated as data
// corruption and surfaced rather than retried.
func (j *Job) syncIVCProofs(ctx context.Context, tj TokenJob, state models.RootProverState, contractIndex uint64) (models.RootProverState, error) {
	log := logging.FromContext(ctx)

	treeIndex, err := tj.Tree.LatestIndex(ctx)
	if err != nil {
		return state, fmt.Errorf("load latest tree index for %s: %w", tj.Token.Label, err)
	}

	target := treeIndex
	if contractIndex < target {
		target = contractIndex
	}
	if target <= state.LastCompiledIndex {
		log.Debug().Str("token", tj.Token.Label).Uint64("compiled", state.LastCompiledIndex).Uint64("target", target).
			Msg("no new leaves to compile")
		return state, nil
	}

	events, err := j.Events.RangeByIndex(ctx, tj.Token.ID, state.LastCompiledIndex, target)
	if err != nil {
		return state, fmt.Errorf("fetch events for %s: %w", tj.Token.Label, err)
	}
	if len(events) == 0 {
		log.Debug().Str("token", tj.Token.Label).Msg("no event records found while attempting to compile")
		return state, nil
	}

	ivcState, err := j.initializeFoldingState(ctx, tj, state)
	if err != nil {
		return state, fmt.Errorf("initialise folding state for %s: %w", tj.Token.Label, err)
	}

	currentIndex := state.LastCompiledIndex
	for _, event := range events {
		if event.EventIndex != currentIndex {
			log.Warn().Str("token", tj.Token.Label).Uint64("expected", currentIndex).Uint64("got", event.EventIndex).
				Msg("encountered non-contiguous event while compiling")
			break
		}

		proof, err := tj.Tree.Prove(ctx, event.EventIndex+1, event.EventIndex)
		if err != nil {
			return state, fmt.Errorf("build merkle proof for %s at %d: %w", tj.Token.Label, event.EventIndex, err)
		}

		address, err := parseAddress(event.ToAddress)
		if err != nil {
			return state, fmt.Errorf("parse event address for %s: %w", tj.Token.Label, err)
		}
		externalInput := encodeExternalInput(address, event.Value, proof.Siblings)

		ivcState, err = tj.Folding.ProveStep(ctx, ivcState, externalInput, false)
		if err != nil {
			return state, fmt.Errorf("extend folding proof for %s at step %d: %w", tj.Token.Label, event.EventIndex, err)
		}
		currentIndex++

		if err := tj.Folding.Verify(ctx, ivcState); err != nil {
			return state, apperr.Wrapf(err, apperr.DataCorruption, "IVC proof verification failed for %s at index %d", tj.Token.Label, currentIndex)
		}

		hashChain, root, _, err := tj.Folding.ExtractPublicState(ivcState)
		if err != nil {
			return state, fmt.Errorf("extract public state for %s at index %d: %w", tj.Token.Label, currentIndex, err)
		}

		if err := j.Repo.UpsertIVCProof(ctx, models.RootIVCProof{
			TokenID:        tj.Token.ID,
			StartIndex:     state.BaseIndex,
			EndIndex:       currentIndex,
			IVCProof:       ivcState,
			StateHashChain: hashChain,
			StateRoot:      root,
		}); err != nil {
			return state, fmt.Errorf("persist ivc proof for %s at index %d: %w", tj.Token.Label, currentIndex, err)
		}
	}

	if currentIndex > state.LastCompiledIndex {
		if err := j.Repo.UpdateLastCompiledIndex(ctx, tj.Token.ID, currentIndex); err != nil {
			return state, fmt.Errorf("update last compiled index for %s: %w", tj.Token.Label, err)
		}
		state.LastCompiledIndex = currentIndex
		log.Info().Str("token", tj.Token.Label).Uint64("compiled_to", currentIndex).Msg("compiled root IVC proofs")
	}

	return state, nil
}

// initializeFoldingState loads the folding scheme's starting state: a fresh
// z_0 built from the tree's hash-chain/root at BaseIndex if nothing has been
// compiled yet, or the persisted IVC proof at LastCompiledIndex otherwise.
func (j *Job) initializeFoldingState(ctx context.Context, tj TokenJob, state models.RootProverState) ([]byte, error) {
	if state.LastCompiledIndex == state.BaseIndex {
		hashChain, ok, err := tj.Tree.HashChainAt(ctx, state.BaseIndex)
		if err != nil {
			return nil, fmt.Errorf("load base hash chain: %w", err)
		}
		if !ok {
			hashChain = [32]byte{}
		}
		root, ok, err := tj.Tree.RootAt(ctx, state.BaseIndex)
		if err != nil {
			return nil, fmt.Errorf("load base root: %w", err)
		}
		if !ok {
			root = tj.Tree.ZeroRoot()
		}
		return encodeInitialState(state.BaseIndex, hashChain, root), nil
	}

	record, ok, err := j.Repo.LoadIVCProof(ctx, tj.Token.ID, state.LastCompiledIndex)
	if err != nil {
		return nil, fmt.Errorf("load ivc proof at compiled index: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("missing IVC proof for compiled index %d", state.LastCompiledIndex)
	}
	return record.IVCProof, nil
}

// encodeInitialState packs the z_0 = [index, hash_chain, root] state vector
// into the opaque wire format FoldingScheme implementations expect.
func encodeInitialState(index uint64, hashChain, root [32]byte) []byte {
	out := make([]byte, 72)
	copy(out[0:32], hashChain[:])
	copy(out[32:64], root[:])
	binary.BigEndian.PutUint64(out[64:72], index)
	return out
}

// encodeExternalInput packs one transfer step's address, value, and sibling
// path into the opaque external-input format passed to ProveStep.
func encodeExternalInput(address [20]byte, value [32]byte, siblings [][32]byte) []byte {
	buf := make([]byte, 0, 20+32+32*len(siblings))
	buf = append(buf, address[:]...)
	buf = append(buf, value[:]...)
	for _, s := range siblings {
		buf = append(buf, s[:]...)
	}
	return buf
}

func parseAddress(s string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(s, "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(decoded) != 20 {
		return out, fmt.Errorf("address %q must decode to 20 bytes, got %d", s, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
