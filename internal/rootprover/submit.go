package rootprover

import (
	"context"
	"fmt"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// submitIfReady advances the Submit sub-cycle: waits for the compiled proof
// at the current compile cursor, applies the target-base=1 dummy-step
// workaround, reserves (or reuses) a ledger hash-chain slot, and submits the
// decider proof once the reservation matches the compiled snapshot.
func (j *Job) submitIfReady(ctx context.Context, tj TokenJob, state models.RootProverState, contractIndex uint64) (models.RootProverState, error) {
	log := logging.FromContext(ctx)

	if state.LastCompiledIndex <= state.LastSubmittedIndex {
		log.Debug().Str("token", tj.Token.Label).Msg("no compiled proofs ready for submission")
		return state, nil
	}
	if state.LastCompiledIndex > contractIndex {
		log.Debug().Str("token", tj.Token.Label).Msg("compiled proofs ahead of on-chain index")
		return state, nil
	}

	target := state.LastCompiledIndex
	record, err := j.waitForIVCProof(ctx, tj.Token.ID, target)
	if err != nil {
		return state, fmt.Errorf("wait for ivc proof at %d for %s: %w", target, tj.Token.Label, err)
	}

	ivcBytes := record.IVCProof
	// Special case preserved bit-for-bit: a single real step between base
	// and target leaks folding-scheme structure, so one dummy step (zero
	// inputs, is_dummy=true) is appended immediately before submission.
	if target-state.BaseIndex == 1 {
		ivcBytes, err = tj.Folding.ProveStep(ctx, ivcBytes, nil, true)
		if err != nil {
			return state, fmt.Errorf("append dummy step before submission for %s: %w", tj.Token.Label, err)
		}
	}

	if !j.Cfg.SubmitEnabled {
		if _, err := tj.Decider.Compress(ctx, tj.Circuit, ivcBytes); err != nil {
			return state, fmt.Errorf("root prover decider generation failed for %s: %w", tj.Token.Label, err)
		}
		return state, nil
	}

	reservedIndex, reservedHashChain, err := j.resolveReservation(ctx, tj, &state, target)
	if err != nil {
		return state, err
	}

	if reservedIndex != target {
		log.Warn().Str("token", tj.Token.Label).Uint64("reserved_index", reservedIndex).Uint64("target", target).
			Msg("reserved index does not match target, waiting for proofs to catch up")
		return state, nil
	}

	if record.StateHashChain != reservedHashChain {
		log.Warn().Str("token", tj.Token.Label).Msg("reserved hash chain mismatch, a prior reservation targets a different snapshot")
		return state, nil
	}

	deciderProof, err := tj.Decider.Compress(ctx, tj.Circuit, ivcBytes)
	if err != nil {
		return state, fmt.Errorf("root prover decider generation failed for %s: %w", tj.Token.Label, err)
	}

	receipt, err := j.Ledger.ProveTransferRoot(ctx, tj.Token, deciderProof)
	if err != nil {
		metrics.RootProverSubmissionFailuresTotal.WithLabelValues(tj.Token.Label).Inc()
		return state, fmt.Errorf("submit proveTransferRoot for %s: %w", tj.Token.Label, err)
	}
	metrics.RootProverSubmissionsTotal.WithLabelValues(tj.Token.Label).Inc()
	log.Info().Str("token", tj.Token.Label).Uint64("target", target).Str("receipt", receipt).Msg("submitted transfer root")

	newState := models.RootProverState{
		TokenID:            tj.Token.ID,
		BaseIndex:          target,
		LastCompiledIndex:  target,
		LastSubmittedIndex: target,
	}
	if err := j.Repo.UpsertState(ctx, newState); err != nil {
		return state, fmt.Errorf("persist reset state after submission for %s: %w", tj.Token.Label, err)
	}
	// Compiled proofs are no longer valid once the chain is rebased to the
	// new base index.
	if err := j.Repo.DeleteIVCProofs(ctx, tj.Token.ID); err != nil {
		return state, fmt.Errorf("purge compiled proofs after submission for %s: %w", tj.Token.Label, err)
	}

	return newState, nil
}

// resolveReservation reuses a pending reservation matching target, or asks
// the ledger for a fresh one and persists it on state.
func (j *Job) resolveReservation(ctx context.Context, tj TokenJob, state *models.RootProverState, target uint64) (uint64, [32]byte, error) {
	if state.PendingReservedIndex != nil && *state.PendingReservedIndex == target && state.PendingReservedHashChain != nil {
		return target, *state.PendingReservedHashChain, nil
	}

	idx, hashChain, err := j.Ledger.ReserveHashChain(ctx, tj.Token, target)
	if err != nil {
		return 0, [32]byte{}, fmt.Errorf("reserve hash chain for %s: %w", tj.Token.Label, err)
	}

	state.PendingReservedIndex = &idx
	state.PendingReservedHashChain = &hashChain
	if err := j.Repo.UpsertState(ctx, *state); err != nil {
		return 0, [32]byte{}, fmt.Errorf("persist pending reservation for %s: %w", tj.Token.Label, err)
	}
	return idx, hashChain, nil
}

// waitForIVCProof polls for a compiled proof at endIndex up to ProverTimeout.
func (j *Job) waitForIVCProof(ctx context.Context, tokenID int64, endIndex uint64) (models.RootIVCProof, error) {
	deadline := time.Now().Add(j.Cfg.ProverTimeout)
	for {
		record, ok, err := j.Repo.LoadIVCProof(ctx, tokenID, endIndex)
		if err != nil {
			return models.RootIVCProof{}, err
		}
		if ok {
			return record, nil
		}
		if time.Now().After(deadline) {
			return models.RootIVCProof{}, fmt.Errorf("timed out waiting for ivc proof at index %d after %s", endIndex, j.Cfg.ProverTimeout)
		}
		select {
		case <-ctx.Done():
			return models.RootIVCProof{}, ctx.Err()
		case <-time.After(j.Cfg.ProverPollInterval):
		}
	}
}
