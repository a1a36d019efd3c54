// Package treebuilder implements the Tree Ingestion job: it drains the
// contiguous event log into the partitioned Merkle engine, one leaf per
// transfer, so the root prover always has a tree index to compile against.
// Ported from the original indexer's TreeIngestionJob (TREE_LOCK_SALT="TREE").
package treebuilder

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jamie-anson/project-beacon-runner/internal/lease"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/merkle"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// TokenJob bundles one configured token with the Merkle engine built for it.
type TokenJob struct {
	Token models.Token
	Tree  *merkle.Engine
}

// Config holds the tunables read from internal/config.
type Config struct {
	BatchSize int
}

// Job drains contiguous events into each token's Merkle engine.
type Job struct {
	DB     *sql.DB
	Events *store.EventsRepo
	Cfg    Config
}

// RunCycle processes every configured token once, acquiring a per-token
// TREE lease before touching its tree. Lease contention and per-token
// errors are logged and do not abort the other tokens in the batch.
func (j *Job) RunCycle(ctx context.Context, tokens []TokenJob) {
	log := logging.FromContext(ctx)
	for _, tj := range tokens {
		if err := j.processToken(ctx, tj); err != nil {
			log.Error().Err(err).Str("token", tj.Token.Label).Msg("tree ingestion job failed for token")
		}
	}
}

func (j *Job) processToken(ctx context.Context, tj TokenJob) error {
	key := lease.Key(tj.Token.Label, tj.Token.ChainID, tj.Token.TokenAddress, tj.Token.VerifierAddress, lease.SaltTree)
	guard, err := lease.TryAcquireNamed(ctx, j.DB, key, "tree_build")
	if err != nil {
		return fmt.Errorf("acquire tree lease for %s: %w", tj.Token.Label, err)
	}
	if guard == nil {
		logging.FromContext(ctx).Debug().Str("token", tj.Token.Label).Msg("skip tree ingestion due to lock contention")
		return nil
	}
	defer func() {
		if err := guard.Release(context.Background()); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("token", tj.Token.Label).Msg("failed to release tree ingestion lease")
		}
	}()

	return j.processTokenLocked(ctx, tj)
}

// processTokenLocked appends at most Cfg.BatchSize leaves per cycle, never
// reaching past the contiguously-confirmed portion of the event log.
func (j *Job) processTokenLocked(ctx context.Context, tj TokenJob) error {
	eventState, _, err := j.Events.LoadState(ctx, tj.Token.ID)
	if err != nil {
		return fmt.Errorf("load event state for %s: %w", tj.Token.Label, err)
	}
	if eventState.ContiguousIndex < 0 {
		return nil
	}
	contiguousTarget := uint64(eventState.ContiguousIndex) + 1

	treeIndex, err := tj.Tree.LatestIndex(ctx)
	if err != nil {
		return fmt.Errorf("load tree index for %s: %w", tj.Token.Label, err)
	}
	if treeIndex >= contiguousTarget {
		return nil
	}

	target := contiguousTarget
	if batchLimit := treeIndex + uint64(j.Cfg.BatchSize); batchLimit < target {
		target = batchLimit
	}

	events, err := j.Events.RangeByIndex(ctx, tj.Token.ID, treeIndex, target)
	if err != nil {
		return fmt.Errorf("query event range for %s: %w", tj.Token.Label, err)
	}

	for _, ev := range events {
		address, err := parseAddress(ev.ToAddress)
		if err != nil {
			return fmt.Errorf("parse event address for %s: %w", tj.Token.Label, err)
		}
		if _, err := tj.Tree.AppendLeaf(ctx, address, ev.Value); err != nil {
			return fmt.Errorf("append leaf for %s at event %d: %w", tj.Token.Label, ev.EventIndex, err)
		}
	}

	return nil
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
