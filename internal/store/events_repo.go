package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jamie-anson/project-beacon-runner/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// EventsRepo persists indexed transfer events and per-token ingest state.
type EventsRepo struct {
	DB *sql.DB
}

func NewEventsRepo(db *sql.DB) *EventsRepo {
	return &EventsRepo{DB: db}
}

// InsertBatch idempotently upserts a batch of events for one token, keyed by
// (token_id, event_index); a duplicate from an overlapping rescan replaces the
// stored row's mutable columns, so a shallow reorg seen on rescan wins.
func (r *EventsRepo) InsertBatch(ctx context.Context, tokenID int64, events []models.IndexedTransferEvent) error {
	tracer := otel.Tracer("runner/store/events")
	ctx, span := tracer.Start(ctx, "EventsRepo.InsertBatch", oteltrace.WithAttributes(
		attribute.Int64("token.id", tokenID),
		attribute.Int("event.count", len(events)),
	))
	defer span.End()
	if len(events) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indexed_transfer_events (token_id, event_index, from_address, to_address, value, eth_block_number)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_id, event_index) DO UPDATE SET
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			value = EXCLUDED.value,
			eth_block_number = EXCLUDED.eth_block_number
	`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, tokenID, int64(ev.EventIndex), ev.FromAddress, ev.ToAddress, ev.Value[:], int64(ev.EthBlockNumber)); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.EventIndex, err)
		}
	}

	return tx.Commit()
}

// RangeByIndex returns events in [fromIndex, toIndex) ordered ascending.
func (r *EventsRepo) RangeByIndex(ctx context.Context, tokenID int64, fromIndex, toIndex uint64) ([]models.IndexedTransferEvent, error) {
	tracer := otel.Tracer("runner/store/events")
	ctx, span := tracer.Start(ctx, "EventsRepo.RangeByIndex")
	defer span.End()
	if toIndex <= fromIndex {
		return nil, nil
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT event_index, from_address, to_address, value, eth_block_number
		FROM indexed_transfer_events
		WHERE token_id = $1 AND event_index >= $2 AND event_index < $3
		ORDER BY event_index ASC
	`, tokenID, int64(fromIndex), int64(toIndex))
	if err != nil {
		return nil, fmt.Errorf("query event range: %w", err)
	}
	defer rows.Close()

	var out []models.IndexedTransferEvent
	for rows.Next() {
		var ev models.IndexedTransferEvent
		var eventIndex, blockNumber int64
		var value []byte
		if err := rows.Scan(&eventIndex, &ev.FromAddress, &ev.ToAddress, &value, &blockNumber); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.TokenID = tokenID
		ev.EventIndex = uint64(eventIndex)
		ev.EthBlockNumber = uint64(blockNumber)
		copy(ev.Value[:], value)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadEventAt returns the event at exactly eventIndex, or ok=false if no
// such row exists yet.
func (r *EventsRepo) LoadEventAt(ctx context.Context, tokenID int64, eventIndex uint64) (models.IndexedTransferEvent, bool, error) {
	tracer := otel.Tracer("runner/store/events")
	ctx, span := tracer.Start(ctx, "EventsRepo.LoadEventAt")
	defer span.End()

	var ev models.IndexedTransferEvent
	var idx, block int64
	var value []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT event_index, from_address, to_address, value, eth_block_number
		FROM indexed_transfer_events
		WHERE token_id = $1 AND event_index = $2
	`, tokenID, int64(eventIndex)).Scan(&idx, &ev.FromAddress, &ev.ToAddress, &value, &block)
	if err == sql.ErrNoRows {
		return models.IndexedTransferEvent{}, false, nil
	}
	if err != nil {
		return models.IndexedTransferEvent{}, false, fmt.Errorf("load event at %d: %w", eventIndex, err)
	}
	ev.TokenID = tokenID
	ev.EventIndex = uint64(idx)
	ev.EthBlockNumber = uint64(block)
	copy(ev.Value[:], value)
	return ev, true, nil
}

// NextEventAtOrAfter returns the lowest-indexed event with EventIndex >=
// fromIndex, or ok=false if none exists.
func (r *EventsRepo) NextEventAtOrAfter(ctx context.Context, tokenID int64, fromIndex uint64) (models.IndexedTransferEvent, bool, error) {
	tracer := otel.Tracer("runner/store/events")
	ctx, span := tracer.Start(ctx, "EventsRepo.NextEventAtOrAfter")
	defer span.End()

	var ev models.IndexedTransferEvent
	var idx, block int64
	var value []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT event_index, from_address, to_address, value, eth_block_number
		FROM indexed_transfer_events
		WHERE token_id = $1 AND event_index >= $2
		ORDER BY event_index ASC
		LIMIT 1
	`, tokenID, int64(fromIndex)).Scan(&idx, &ev.FromAddress, &ev.ToAddress, &value, &block)
	if err == sql.ErrNoRows {
		return models.IndexedTransferEvent{}, false, nil
	}
	if err != nil {
		return models.IndexedTransferEvent{}, false, fmt.Errorf("find next event at or after %d: %w", fromIndex, err)
	}
	ev.TokenID = tokenID
	ev.EventIndex = uint64(idx)
	ev.EthBlockNumber = uint64(block)
	copy(ev.Value[:], value)
	return ev, true, nil
}

// LoadState returns the per-token ingest state, or a zero-value state with
// ok=false if no row exists yet.
func (r *EventsRepo) LoadState(ctx context.Context, tokenID int64) (models.EventIndexerState, bool, error) {
	tracer := otel.Tracer("runner/store/events")
	ctx, span := tracer.Start(ctx, "EventsRepo.LoadState")
	defer span.End()

	var s models.EventIndexerState
	var contiguousIndex, lastSyncedBlock int64
	var contiguousBlock, lastSeenIndex sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `
		SELECT contiguous_index, contiguous_block, last_synced_block, last_seen_contract_index, updated_at
		FROM event_indexer_state WHERE token_id = $1
	`, tokenID).Scan(&contiguousIndex, &contiguousBlock, &lastSyncedBlock, &lastSeenIndex, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.EventIndexerState{TokenID: tokenID, ContiguousIndex: -1}, false, nil
	}
	if err != nil {
		return models.EventIndexerState{}, false, fmt.Errorf("load event indexer state: %w", err)
	}
	s.TokenID = tokenID
	s.ContiguousIndex = contiguousIndex
	s.LastSyncedBlock = uint64(lastSyncedBlock)
	if contiguousBlock.Valid {
		v := uint64(contiguousBlock.Int64)
		s.ContiguousBlock = &v
	}
	if lastSeenIndex.Valid {
		v := uint64(lastSeenIndex.Int64)
		s.LastSeenContractIndex = &v
	}
	return s, true, nil
}

// SaveState upserts the per-token ingest state.
func (r *EventsRepo) SaveState(ctx context.Context, s models.EventIndexerState) error {
	tracer := otel.Tracer("runner/store/events")
	ctx, span := tracer.Start(ctx, "EventsRepo.SaveState", oteltrace.WithAttributes(
		attribute.Int64("token.id", s.TokenID),
	))
	defer span.End()

	var contiguousBlock, lastSeenIndex sql.NullInt64
	if s.ContiguousBlock != nil {
		contiguousBlock = sql.NullInt64{Int64: int64(*s.ContiguousBlock), Valid: true}
	}
	if s.LastSeenContractIndex != nil {
		lastSeenIndex = sql.NullInt64{Int64: int64(*s.LastSeenContractIndex), Valid: true}
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO event_indexer_state (token_id, contiguous_index, contiguous_block, last_synced_block, last_seen_contract_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (token_id) DO UPDATE SET
			contiguous_index = EXCLUDED.contiguous_index,
			contiguous_block = EXCLUDED.contiguous_block,
			last_synced_block = EXCLUDED.last_synced_block,
			last_seen_contract_index = EXCLUDED.last_seen_contract_index,
			updated_at = now()
	`, s.TokenID, s.ContiguousIndex, contiguousBlock, int64(s.LastSyncedBlock), lastSeenIndex)
	if err != nil {
		return fmt.Errorf("save event indexer state: %w", err)
	}
	return nil
}
