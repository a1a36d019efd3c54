package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jamie-anson/project-beacon-runner/internal/db"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TokensRepo provides persistence operations for registered tokens.
type TokensRepo struct {
	DB *sql.DB
}

func NewTokensRepo(db *sql.DB) *TokensRepo {
	return &TokensRepo{DB: db}
}

// Upsert registers (or refreshes the label of) a (token_address, chain_id)
// pair, returning its assigned id, and ensures the token's partition of
// indexed_transfer_events exists.
func (r *TokensRepo) Upsert(ctx context.Context, spec models.Token) (int64, error) {
	tracer := otel.Tracer("runner/store/tokens")
	ctx, span := tracer.Start(ctx, "TokensRepo.Upsert", oteltrace.WithAttributes(
		attribute.String("token.address", spec.TokenAddress),
		attribute.Int64("token.chain_id", int64(spec.ChainID)),
	))
	defer span.End()
	if r.DB == nil {
		return 0, errors.New("database connection is nil")
	}

	var id int64
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO tokens (token_address, verifier_address, chain_id, label)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_address, chain_id)
		DO UPDATE SET verifier_address = EXCLUDED.verifier_address, label = EXCLUDED.label
		RETURNING id
	`, spec.TokenAddress, spec.VerifierAddress, int64(spec.ChainID), spec.Label).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert token: %w", err)
	}
	if err := db.EnsureTokenPartition(r.DB, "indexed_transfer_events", id); err != nil {
		return 0, fmt.Errorf("ensure event partition for token %d: %w", id, err)
	}
	return id, nil
}

// Lookup returns the id for a registered (token_address, chain_id) pair, or
// (0, false, nil) if not yet registered.
func (r *TokensRepo) Lookup(ctx context.Context, tokenAddress string, chainID uint64) (int64, bool, error) {
	tracer := otel.Tracer("runner/store/tokens")
	ctx, span := tracer.Start(ctx, "TokensRepo.Lookup")
	defer span.End()

	var id int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT id FROM tokens WHERE token_address = $1 AND chain_id = $2
	`, tokenAddress, int64(chainID)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup token: %w", err)
	}
	return id, true, nil
}

// List returns every registered token.
func (r *TokensRepo) List(ctx context.Context) ([]models.Token, error) {
	tracer := otel.Tracer("runner/store/tokens")
	ctx, span := tracer.Start(ctx, "TokensRepo.List")
	defer span.End()

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, token_address, verifier_address, chain_id, label, created_at FROM tokens ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []models.Token
	for rows.Next() {
		var t models.Token
		var chainID int64
		if err := rows.Scan(&t.ID, &t.TokenAddress, &t.VerifierAddress, &chainID, &t.Label, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		t.ChainID = uint64(chainID)
		out = append(out, t)
	}
	return out, rows.Err()
}
