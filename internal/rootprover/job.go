// Package rootprover implements the root prover job: per-token Compile and
// Submit sub-cycles that bridge the event log and the on-chain ledger
// through IVC (folding) and decider proofs.
package rootprover

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/lease"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/jamie-anson/project-beacon-runner/pkg/ledger"
	"github.com/jamie-anson/project-beacon-runner/pkg/merkle"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// TokenJob bundles everything the root prover needs for one configured
// token: the token record, its Merkle engine, and the folding/decider
// schemes compiled for its circuit.
type TokenJob struct {
	Token   models.Token
	Tree    *merkle.Engine
	Folding ivc.FoldingScheme
	Decider ivc.DeciderScheme
	Circuit string
}

// Config holds the tunables read from internal/config.
type Config struct {
	HistoryWindow      uint64
	ProverTimeout      time.Duration
	ProverPollInterval time.Duration
	SubmitEnabled      bool
}

// Job drives the Compile/Submit cycles for a fixed set of tokens.
type Job struct {
	DB     *sql.DB
	Repo   *store.RootProverRepo
	Events *store.EventsRepo
	Ledger ledger.Client
	Cfg    Config
}

// RunCycle processes every configured token once, acquiring a per-token
// ROOT lease before touching its state. Lease contention and per-token
// errors are logged and do not abort the other tokens in the batch.
func (j *Job) RunCycle(ctx context.Context, tokens []TokenJob, doCompile, doSubmit bool) {
	log := logging.FromContext(ctx)
	for _, tj := range tokens {
		if err := j.processToken(ctx, tj, doCompile, doSubmit); err != nil {
			log.Error().Err(err).Str("token", tj.Token.Label).Msg("root prover job failed for token")
		}
	}
}

func (j *Job) processToken(ctx context.Context, tj TokenJob, doCompile, doSubmit bool) error {
	if !doCompile && !doSubmit {
		return nil
	}

	key := lease.Key(tj.Token.Label, tj.Token.ChainID, tj.Token.TokenAddress, tj.Token.VerifierAddress, lease.SaltRoot)
	guard, err := lease.TryAcquireNamed(ctx, j.DB, key, "root_prove")
	if err != nil {
		return fmt.Errorf("acquire root lease for %s: %w", tj.Token.Label, err)
	}
	if guard == nil {
		logging.FromContext(ctx).Debug().Str("token", tj.Token.Label).Msg("skip root prover due to lock contention")
		return nil
	}
	defer func() {
		if err := guard.Release(context.Background()); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("token", tj.Token.Label).Msg("failed to release root prover lease")
		}
	}()

	return j.processTokenLocked(ctx, tj, doCompile, doSubmit)
}

func (j *Job) processTokenLocked(ctx context.Context, tj TokenJob, doCompile, doSubmit bool) error {
	log := logging.FromContext(ctx)

	currentIndex, err := j.Ledger.ContractNextIndex(ctx, tj.Token)
	if err != nil {
		return fmt.Errorf("query token index for %s: %w", tj.Token.Label, err)
	}

	var latestProved uint64
	if j.Cfg.SubmitEnabled {
		latestProved, err = j.Ledger.LatestProvedIndex(ctx, tj.Token)
		if err != nil {
			return fmt.Errorf("query verifier state for %s: %w", tj.Token.Label, err)
		}
	}

	if latestProved > currentIndex {
		log.Warn().Str("token", tj.Token.Label).Uint64("latest_proved", latestProved).Uint64("current_index", currentIndex).
			Msg("verifier latest proved index ahead of token index")
	}

	// Fatal: the differential update log has pruned everything needed to
	// rebuild proofs this far behind. Operator must widen HISTORY_WINDOW.
	if latestProved+j.Cfg.HistoryWindow < currentIndex {
		return apperr.Newf(apperr.ContractViolation,
			"history window exhausted for %s: latest_proved=%d current_index=%d history_window=%d",
			tj.Token.Label, latestProved, currentIndex, j.Cfg.HistoryWindow,
		).WithCode("history_window_exhausted")
	}

	state, err := j.ensureStateAlignment(ctx, tj.Token.ID, latestProved)
	if err != nil {
		return err
	}

	if doCompile {
		state, err = j.syncIVCProofs(ctx, tj, state, currentIndex)
		if err != nil {
			return err
		}
	}

	if doSubmit {
		if _, err := j.submitIfReady(ctx, tj, state, currentIndex); err != nil {
			return err
		}
	}

	return nil
}

// ensureStateAlignment loads the persisted state for a token, resetting it
// (and discarding any compiled proofs) if its base_index disagrees with
// what the ledger reports as already proved — the idempotent recovery path
// for a process restart or a prior submission the local state missed.
func (j *Job) ensureStateAlignment(ctx context.Context, tokenID int64, baseIndex uint64) (models.RootProverState, error) {
	existing, ok, err := j.Repo.LoadState(ctx, tokenID)
	if err != nil {
		return models.RootProverState{}, fmt.Errorf("load root prover state: %w", err)
	}
	if ok && existing.BaseIndex == baseIndex {
		return existing, nil
	}

	if err := j.Repo.DeleteIVCProofs(ctx, tokenID); err != nil {
		return models.RootProverState{}, fmt.Errorf("delete stale ivc proofs: %w", err)
	}
	fresh := models.RootProverState{
		TokenID:            tokenID,
		BaseIndex:          baseIndex,
		LastCompiledIndex:  baseIndex,
		LastSubmittedIndex: baseIndex,
	}
	if err := j.Repo.UpsertState(ctx, fresh); err != nil {
		return models.RootProverState{}, fmt.Errorf("persist fresh root prover state: %w", err)
	}
	return fresh, nil
}
