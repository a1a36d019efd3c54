// Package ingest implements the Event Ingester job: per-token forward
// scanning of on-chain transfer logs with overlap, contiguity advancement,
// and gap backfill for events a forward scan skipped.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/lease"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/ledger"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// TokenContext bundles one token's identity with the chain context the
// ingester needs to know where to start scanning from.
type TokenContext struct {
	Token               models.Token
	DeployedBlockNumber uint64
}

// Config holds the tunables read from internal/config.
type Config struct {
	BlockSpan          uint64
	ForwardScanOverlap uint64
}

// Job drives the per-token event sync cycle.
type Job struct {
	DB     *sql.DB
	Events *store.EventsRepo
	Ledger ledger.Client
	Cfg    Config
}

// RunCycle processes every configured token once, acquiring a per-token
// EVNT lease before touching its state. Lease contention and per-token
// errors are logged and do not abort the other tokens in the batch.
func (j *Job) RunCycle(ctx context.Context, tokens []TokenContext) {
	log := logging.FromContext(ctx)
	for _, tc := range tokens {
		if err := j.processToken(ctx, tc); err != nil {
			log.Error().Err(err).Str("token", tc.Token.Label).Msg("event sync failed for token")
		}
	}
}

func (j *Job) processToken(ctx context.Context, tc TokenContext) error {
	key := lease.Key(tc.Token.Label, tc.Token.ChainID, tc.Token.TokenAddress, tc.Token.VerifierAddress, lease.SaltEvent)
	guard, err := lease.TryAcquireNamed(ctx, j.DB, key, "ingest")
	if err != nil {
		return fmt.Errorf("acquire event lease for %s: %w", tc.Token.Label, err)
	}
	if guard == nil {
		logging.FromContext(ctx).Debug().Str("token", tc.Token.Label).Msg("skip event sync due to lock contention")
		return nil
	}
	defer func() {
		if err := guard.Release(context.Background()); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("token", tc.Token.Label).Msg("failed to release event lease")
		}
	}()

	return j.syncToken(ctx, tc)
}

// syncToken runs one full sync pass: forward-scan the overlap window up to
// the chain head, persist the new watermark, advance the contiguous index
// as far as contiguous event rows allow, then backfill any gap left behind
// by the forward scan (out-of-order log delivery, RPC retries, etc.).
func (j *Job) syncToken(ctx context.Context, tc TokenContext) error {
	log := logging.FromContext(ctx)
	start := time.Now()
	defer func() {
		metrics.EventSyncDurationSeconds.WithLabelValues(tc.Token.Label).Observe(time.Since(start).Seconds())
	}()

	state, _, err := j.Events.LoadState(ctx, tc.Token.ID)
	if err != nil {
		return fmt.Errorf("load event indexer state for %s: %w", tc.Token.Label, err)
	}
	if state.LastSyncedBlock < tc.DeployedBlockNumber {
		state.LastSyncedBlock = tc.DeployedBlockNumber
	}

	latestBlock, err := j.Ledger.LatestBlock(ctx, tc.Token.ChainID)
	if err != nil {
		return fmt.Errorf("query latest block for %s: %w", tc.Token.Label, err)
	}
	contractNextIndex, err := j.Ledger.ContractNextIndex(ctx, tc.Token)
	if err != nil {
		return fmt.Errorf("query contract next index for %s: %w", tc.Token.Label, err)
	}
	var expectedLastIndex uint64
	hasExpectedLastIndex := contractNextIndex > 0
	if hasExpectedLastIndex {
		expectedLastIndex = contractNextIndex - 1
	}

	forwardStart := saturatingSub(state.LastSyncedBlock, j.Cfg.ForwardScanOverlap)
	if forwardStart < tc.DeployedBlockNumber {
		forwardStart = tc.DeployedBlockNumber
	}

	if forwardStart <= latestBlock {
		if err := j.scanChunked(ctx, tc, forwardStart, latestBlock); err != nil {
			return err
		}
	}

	state.LastSyncedBlock = latestBlock
	state.LastSeenContractIndex = &contractNextIndex
	if err := j.Events.SaveState(ctx, state); err != nil {
		return fmt.Errorf("persist sync watermark for %s: %w", tc.Token.Label, err)
	}

	state, err = j.advanceContiguousIndex(ctx, tc.Token.ID, state)
	if err != nil {
		return fmt.Errorf("advance contiguous index for %s: %w", tc.Token.Label, err)
	}

	if hasExpectedLastIndex {
		if err := j.backfillMissingIndices(ctx, tc, state, expectedLastIndex, latestBlock); err != nil {
			return err
		}
	}

	log.Debug().Str("token", tc.Token.Label).Msg("event sync completed")
	return nil
}

// scanChunked walks [fromBlock, toBlock] in Cfg.BlockSpan windows, each
// overlapping the previous by Cfg.ForwardScanOverlap blocks to tolerate a
// provider's reorg/finality lag.
func (j *Job) scanChunked(ctx context.Context, tc TokenContext, fromBlock, toBlock uint64) error {
	if fromBlock > toBlock || j.Cfg.BlockSpan == 0 {
		return nil
	}

	from := fromBlock
	for {
		to := toBlock
		if span := saturatingAdd(from, j.Cfg.BlockSpan-1); span < to {
			to = span
		}

		events, err := j.Ledger.FetchTransferLogs(ctx, tc.Token, from, to)
		if err != nil {
			return fmt.Errorf("fetch transfer logs for %s [%d,%d]: %w", tc.Token.Label, from, to, err)
		}
		if len(events) > 0 {
			if err := j.Events.InsertBatch(ctx, tc.Token.ID, events); err != nil {
				return fmt.Errorf("insert events for %s: %w", tc.Token.Label, err)
			}
			metrics.EventsIngestedTotal.WithLabelValues(tc.Token.Label).Add(float64(len(events)))
		}

		if to == toBlock {
			return nil
		}
		nextFrom := saturatingAdd(to, 1)
		from = saturatingSub(nextFrom, minUint64(j.Cfg.ForwardScanOverlap, nextFrom))
	}
}

// backfillMissingIndices repeatedly locates the next gap left by the
// forward scan and rescans the block range that must contain it, until the
// contiguous index reaches the contract's last known index or no further
// progress is made.
func (j *Job) backfillMissingIndices(ctx context.Context, tc TokenContext, state models.EventIndexerState, targetLastIndex, latestBlock uint64) error {
	for {
		if state.ContiguousIndex >= 0 && uint64(state.ContiguousIndex) >= targetLastIndex {
			return nil
		}

		anchor, ok, err := j.findGapAnchor(ctx, tc, state, targetLastIndex, latestBlock)
		if err != nil {
			return fmt.Errorf("find gap anchor for %s: %w", tc.Token.Label, err)
		}
		if !ok {
			return nil
		}

		priorContiguous := state.ContiguousIndex
		if err := j.scanChunked(ctx, tc, anchor.FromBlock, anchor.ToBlock); err != nil {
			return err
		}

		next, err := j.advanceContiguousIndex(ctx, tc.Token.ID, state)
		if err != nil {
			return fmt.Errorf("advance contiguous index during backfill for %s: %w", tc.Token.Label, err)
		}
		if next.ContiguousIndex <= priorContiguous {
			return nil
		}
		state = next
	}
}

type gapAnchor struct {
	FromBlock uint64
	ToBlock   uint64
}

// findGapAnchor locates the block range that must contain the first event
// missing immediately after the current contiguous index.
func (j *Job) findGapAnchor(ctx context.Context, tc TokenContext, state models.EventIndexerState, targetLastIndex, latestBlock uint64) (gapAnchor, bool, error) {
	gapStart := uint64(0)
	if state.ContiguousIndex >= 0 {
		gapStart = uint64(state.ContiguousIndex) + 1
	}
	if gapStart > targetLastIndex {
		return gapAnchor{}, false, nil
	}

	nextKnown, found, err := j.Events.NextEventAtOrAfter(ctx, tc.Token.ID, gapStart)
	if err != nil {
		return gapAnchor{}, false, err
	}

	var toBlock uint64
	if found {
		if nextKnown.EventIndex <= gapStart {
			return gapAnchor{}, false, nil
		}
		toBlock = nextKnown.EthBlockNumber - 1
	} else {
		toBlock = latestBlock
	}

	fromBlock := tc.DeployedBlockNumber
	if state.ContiguousBlock != nil && *state.ContiguousBlock > fromBlock {
		fromBlock = *state.ContiguousBlock
	}
	if fromBlock > toBlock {
		return gapAnchor{}, false, nil
	}

	return gapAnchor{FromBlock: fromBlock, ToBlock: toBlock}, true, nil
}

// advanceContiguousIndex extends ContiguousIndex through every consecutive
// event row present starting right after the current value, then persists
// the advance if any progress was made.
func (j *Job) advanceContiguousIndex(ctx context.Context, tokenID int64, state models.EventIndexerState) (models.EventIndexerState, error) {
	advanced := false
	for {
		nextIndex := uint64(state.ContiguousIndex + 1)
		event, ok, err := j.Events.LoadEventAt(ctx, tokenID, nextIndex)
		if err != nil {
			return state, err
		}
		if !ok {
			break
		}
		state.ContiguousIndex = int64(event.EventIndex)
		block := event.EthBlockNumber
		state.ContiguousBlock = &block
		advanced = true
	}

	if advanced {
		if err := j.Events.SaveState(ctx, state); err != nil {
			return state, err
		}
	}
	return state, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
