package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jamie-anson/project-beacon-runner/pkg/models"

	"go.opentelemetry.io/otel"
)

// RootProverRepo persists root-prover compile/submit cycle state and
// compiled IVC proofs awaiting submission.
type RootProverRepo struct {
	DB *sql.DB
}

func NewRootProverRepo(db *sql.DB) *RootProverRepo {
	return &RootProverRepo{DB: db}
}

// LoadState returns the per-token root-prover state, or ok=false if absent.
func (r *RootProverRepo) LoadState(ctx context.Context, tokenID int64) (models.RootProverState, bool, error) {
	tracer := otel.Tracer("runner/store/rootprover")
	ctx, span := tracer.Start(ctx, "RootProverRepo.LoadState")
	defer span.End()

	var s models.RootProverState
	var base, compiled, submitted int64
	var pendingIndex sql.NullInt64
	var pendingHash []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT base_index, last_compiled_index, last_submitted_index, pending_reserved_index, pending_reserved_hash_chain, updated_at
		FROM root_prover_state WHERE token_id = $1
	`, tokenID).Scan(&base, &compiled, &submitted, &pendingIndex, &pendingHash, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.RootProverState{TokenID: tokenID}, false, nil
	}
	if err != nil {
		return models.RootProverState{}, false, fmt.Errorf("load root prover state: %w", err)
	}

	s.TokenID = tokenID
	s.BaseIndex = uint64(base)
	s.LastCompiledIndex = uint64(compiled)
	s.LastSubmittedIndex = uint64(submitted)
	if pendingIndex.Valid {
		idx := uint64(pendingIndex.Int64)
		s.PendingReservedIndex = &idx
	}
	if len(pendingHash) == 32 {
		var hc [32]byte
		copy(hc[:], pendingHash)
		s.PendingReservedHashChain = &hc
	}
	return s, true, nil
}

// UpsertState writes the full root-prover state row.
func (r *RootProverRepo) UpsertState(ctx context.Context, s models.RootProverState) error {
	tracer := otel.Tracer("runner/store/rootprover")
	ctx, span := tracer.Start(ctx, "RootProverRepo.UpsertState")
	defer span.End()

	var pendingIndex sql.NullInt64
	if s.PendingReservedIndex != nil {
		pendingIndex = sql.NullInt64{Int64: int64(*s.PendingReservedIndex), Valid: true}
	}
	var pendingHash []byte
	if s.PendingReservedHashChain != nil {
		pendingHash = s.PendingReservedHashChain[:]
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO root_prover_state (token_id, base_index, last_compiled_index, last_submitted_index, pending_reserved_index, pending_reserved_hash_chain, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (token_id) DO UPDATE SET
			base_index = EXCLUDED.base_index,
			last_compiled_index = EXCLUDED.last_compiled_index,
			last_submitted_index = EXCLUDED.last_submitted_index,
			pending_reserved_index = EXCLUDED.pending_reserved_index,
			pending_reserved_hash_chain = EXCLUDED.pending_reserved_hash_chain,
			updated_at = now()
	`, s.TokenID, int64(s.BaseIndex), int64(s.LastCompiledIndex), int64(s.LastSubmittedIndex), pendingIndex, pendingHash)
	if err != nil {
		return fmt.Errorf("upsert root prover state: %w", err)
	}
	return nil
}

// UpdateLastCompiledIndex advances only the compile cursor.
func (r *RootProverRepo) UpdateLastCompiledIndex(ctx context.Context, tokenID int64, index uint64) error {
	tracer := otel.Tracer("runner/store/rootprover")
	ctx, span := tracer.Start(ctx, "RootProverRepo.UpdateLastCompiledIndex")
	defer span.End()

	_, err := r.DB.ExecContext(ctx, `
		UPDATE root_prover_state SET last_compiled_index = $2, updated_at = now() WHERE token_id = $1
	`, tokenID, int64(index))
	if err != nil {
		return fmt.Errorf("update last compiled index: %w", err)
	}
	return nil
}

// UpsertIVCProof stores one compiled [start,end] IVC proof, overwriting any
// existing proof with the same (token_id, end_index).
func (r *RootProverRepo) UpsertIVCProof(ctx context.Context, proof models.RootIVCProof) error {
	tracer := otel.Tracer("runner/store/rootprover")
	ctx, span := tracer.Start(ctx, "RootProverRepo.UpsertIVCProof")
	defer span.End()

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO root_ivc_proofs (token_id, start_index, end_index, ivc_proof, state_hash_chain, state_root, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (token_id, end_index) DO UPDATE SET
			ivc_proof = EXCLUDED.ivc_proof,
			state_hash_chain = EXCLUDED.state_hash_chain,
			state_root = EXCLUDED.state_root,
			updated_at = now()
	`, proof.TokenID, int64(proof.StartIndex), int64(proof.EndIndex), proof.IVCProof, proof.StateHashChain[:], proof.StateRoot[:])
	if err != nil {
		return fmt.Errorf("upsert root ivc proof: %w", err)
	}
	return nil
}

// LoadIVCProof returns the compiled proof ending at endIndex, or ok=false.
func (r *RootProverRepo) LoadIVCProof(ctx context.Context, tokenID int64, endIndex uint64) (models.RootIVCProof, bool, error) {
	tracer := otel.Tracer("runner/store/rootprover")
	ctx, span := tracer.Start(ctx, "RootProverRepo.LoadIVCProof")
	defer span.End()

	var p models.RootIVCProof
	var start, end int64
	var hashChain, root []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT start_index, end_index, ivc_proof, state_hash_chain, state_root, created_at, updated_at
		FROM root_ivc_proofs WHERE token_id = $1 AND end_index = $2
	`, tokenID, int64(endIndex)).Scan(&start, &end, &p.IVCProof, &hashChain, &root, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.RootIVCProof{}, false, nil
	}
	if err != nil {
		return models.RootIVCProof{}, false, fmt.Errorf("load root ivc proof: %w", err)
	}
	p.TokenID = tokenID
	p.StartIndex = uint64(start)
	p.EndIndex = uint64(end)
	copy(p.StateHashChain[:], hashChain)
	copy(p.StateRoot[:], root)
	return p, true, nil
}

// DeleteIVCProofs purges every compiled proof for a token, called when the
// chain is rebased after a successful submission or a state-alignment reset.
func (r *RootProverRepo) DeleteIVCProofs(ctx context.Context, tokenID int64) error {
	tracer := otel.Tracer("runner/store/rootprover")
	ctx, span := tracer.Start(ctx, "RootProverRepo.DeleteIVCProofs")
	defer span.End()

	_, err := r.DB.ExecContext(ctx, `DELETE FROM root_ivc_proofs WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("delete root ivc proofs: %w", err)
	}
	return nil
}
