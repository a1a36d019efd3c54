// Package merkle implements the partitioned, DB-backed incremental sparse
// Merkle tree: every token gets its own list partition of merkle_nodes_current,
// merkle_node_updates and merkle_snapshots, and historical proofs within the
// retention window are reconstructed from the differential update log rather
// than from a separately stored tree-per-snapshot.
package merkle

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/db"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

const (
	nodesTable     = "merkle_nodes_current"
	updatesTable   = "merkle_node_updates"
	snapshotsTable = "merkle_snapshots"
)

// Engine is the incremental sparse Merkle tree for a single token.
type Engine struct {
	db            *sql.DB
	tokenID       int64
	height        uint32
	hasher        ivc.HashFn
	historyWindow uint64
	zeroHashes    [][32]byte
}

// New constructs an Engine and lazily creates the token's list partitions of
// the three backing tables, swallowing the duplicate-table race between
// concurrent callers.
func New(sqlDB *sql.DB, tokenID int64, height uint32, hasher ivc.HashFn, historyWindow uint64) (*Engine, error) {
	if tokenID <= 0 {
		return nil, apperr.Newf(apperr.UserInput, "invalid token id %d for partitioned tables", tokenID).WithCode("invalid_token_id")
	}
	if height == 0 {
		return nil, apperr.New(apperr.Configuration, "merkle tree height must be positive").WithCode("invalid_height")
	}
	if historyWindow == 0 {
		return nil, apperr.New(apperr.Configuration, "history_window must be greater than zero").WithCode("invalid_history_window")
	}

	for _, table := range []string{nodesTable, updatesTable, snapshotsTable} {
		if err := db.EnsureTokenPartition(sqlDB, table, tokenID); err != nil {
			return nil, apperr.Wrapf(err, apperr.Transient, "ensure partition for %s", table)
		}
	}

	return &Engine{
		db:            sqlDB,
		tokenID:       tokenID,
		height:        height,
		hasher:        hasher,
		historyWindow: historyWindow,
		zeroHashes:    computeZeroHashes(height, hasher),
	}, nil
}

// ZeroRoot is the root hash of a completely empty tree of this height.
func (e *Engine) ZeroRoot() [32]byte {
	return e.zeroHashes[e.height]
}

// AppendResult is returned by AppendLeaf.
type AppendResult struct {
	Index     uint64
	LeafIndex uint64
	Root      [32]byte
	HashChain [32]byte
}

// AppendLeaf appends one (address, value) leaf, updating the sparse tree's
// path from the new leaf to the root, recording a differential update row
// per changed node, writing the new snapshot, and pruning update rows that
// have fallen outside the retention window.
func (e *Engine) AppendLeaf(ctx context.Context, address [20]byte, value [32]byte) (AppendResult, error) {
	start := time.Now()
	tokenLabel := strconv.FormatInt(e.tokenID, 10)
	defer func() {
		metrics.TreeAppendDurationSeconds.WithLabelValues(tokenLabel).Observe(time.Since(start).Seconds())
	}()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, apperr.Wrap(err, apperr.Transient, "begin transaction for merkle append")
	}
	defer tx.Rollback()

	if err := e.lockTokenRow(ctx, tx); err != nil {
		return AppendResult{}, err
	}

	latestIndex, err := e.latestIndexTx(ctx, tx)
	if err != nil {
		return AppendResult{}, err
	}
	nextIndex := latestIndex + 1
	leafIndex := latestIndex

	prevHashChain, err := e.latestHashChainTx(ctx, tx)
	if err != nil {
		return AppendResult{}, err
	}

	leafHash := e.hasher.HashLeaf(address, value)
	nodeHash := leafHash

	existing, err := e.loadAppendPathNodes(ctx, tx, leafIndex)
	if err != nil {
		return AppendResult{}, err
	}

	type plannedUpdate struct {
		path    models.NodePath
		oldHash [32]byte
		newHash [32]byte
	}
	var planned []plannedUpdate

	current := models.NodePath{Depth: e.height, Offset: leafIndex}
	for i := uint32(0); i < e.height; i++ {
		zero := e.zeroHashForPath(current)
		oldHash, ok := existing[current]
		if !ok {
			oldHash = zero
		}

		if oldHash != nodeHash {
			planned = append(planned, plannedUpdate{path: current, oldHash: oldHash, newHash: nodeHash})
			existing[current] = nodeHash
		}

		siblingPath := current.Sibling()
		siblingHash, ok := existing[siblingPath]
		if !ok {
			siblingHash = e.zeroHashForPath(siblingPath)
		}

		isLeft := current.Offset&1 == 0
		if isLeft {
			nodeHash = e.hasher.Hash(nodeHash, siblingHash)
		} else {
			nodeHash = e.hasher.Hash(siblingHash, nodeHash)
		}
		current.Pop()
	}

	rootPath := models.NodePath{}
	rootOld, ok := existing[rootPath]
	if !ok {
		rootOld = e.zeroHashForPath(rootPath)
	}
	if rootOld != nodeHash {
		planned = append(planned, plannedUpdate{path: rootPath, oldHash: rootOld, newHash: nodeHash})
	}

	for _, u := range planned {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (token_id, tree_index, node_path, old_hash, new_hash) VALUES ($1, $2, $3, $4, $5)`, updatesTable),
			e.tokenID, int64(nextIndex), u.path.Encode(), u.oldHash[:], u.newHash[:],
		); err != nil {
			return AppendResult{}, apperr.Wrap(err, apperr.Transient, "write merkle update row")
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (token_id, node_path, hash, updated_at_index) VALUES ($1, $2, $3, $4)
				ON CONFLICT (token_id, node_path) DO UPDATE SET hash = EXCLUDED.hash, updated_at_index = EXCLUDED.updated_at_index`, nodesTable),
			e.tokenID, u.path.Encode(), u.newHash[:], int64(nextIndex),
		); err != nil {
			return AppendResult{}, apperr.Wrap(err, apperr.Transient, "upsert merkle node hash")
		}
	}

	newHashChain := computeHashChain(prevHashChain, address, value)

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (token_id, tree_index, root_hash, hash_chain) VALUES ($1, $2, $3, $4)`, snapshotsTable),
		e.tokenID, int64(nextIndex), nodeHash[:], newHashChain[:],
	); err != nil {
		return AppendResult{}, apperr.Wrap(err, apperr.Transient, "insert merkle snapshot")
	}

	gcThreshold := int64(0)
	if nextIndex > e.historyWindow {
		gcThreshold = int64(nextIndex - e.historyWindow)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE token_id = $1 AND tree_index <= $2`, updatesTable),
		e.tokenID, gcThreshold,
	); err != nil {
		return AppendResult{}, apperr.Wrap(err, apperr.Transient, "prune stale merkle updates")
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, apperr.Wrap(err, apperr.Transient, "commit merkle append transaction")
	}

	metrics.TreeLeavesAppendedTotal.WithLabelValues(tokenLabel).Inc()
	return AppendResult{Index: nextIndex, LeafIndex: leafIndex, Root: nodeHash, HashChain: newHashChain}, nil
}

// computeHashChain matches the original SHA-256-based hash_chain gadget: the
// running digest binds the previous chain value, the recipient address, and
// the transferred value, with the most-significant byte cleared to keep the
// result inside a 248-bit field element.
func computeHashChain(prev [32]byte, addr [20]byte, value [32]byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(addr[:])
	h.Write(value[:])
	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	out[0] = 0
	return out
}

func (e *Engine) zeroHashForPath(p models.NodePath) [32]byte {
	idx := e.height - p.Depth
	return e.zeroHashes[idx]
}

// lockTokenRow serializes concurrent appends to the same token via a row
// lock on tokens, and surfaces a ContractViolation if the token was never
// registered.
func (e *Engine) lockTokenRow(ctx context.Context, tx *sql.Tx) error {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM tokens WHERE id = $1 FOR UPDATE`, e.tokenID).Scan(&id)
	if err == sql.ErrNoRows {
		return apperr.Newf(apperr.ContractViolation, "token id %d not present in tokens table", e.tokenID).WithCode("token_not_found")
	}
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "lock token row for merkle append")
	}
	return nil
}

func (e *Engine) latestIndexTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var index int64
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT tree_index FROM %s WHERE token_id = $1 ORDER BY tree_index DESC LIMIT 1 FOR UPDATE`, snapshotsTable),
		e.tokenID,
	).Scan(&index)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Transient, "query latest merkle index")
	}
	return uint64(index), nil
}

func (e *Engine) latestHashChainTx(ctx context.Context, tx *sql.Tx) ([32]byte, error) {
	var hashChain []byte
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT hash_chain FROM %s WHERE token_id = $1 ORDER BY tree_index DESC LIMIT 1 FOR UPDATE`, snapshotsTable),
		e.tokenID,
	).Scan(&hashChain)
	var out [32]byte
	if err == sql.ErrNoRows {
		return out, nil
	}
	if err != nil {
		return out, apperr.Wrap(err, apperr.Transient, "load latest hash chain")
	}
	copy(out[:], hashChain)
	return out, nil
}

// loadAppendPathNodes fetches the current hashes of every node on and
// adjacent to the path from the new leaf to the root (the leaf, each
// sibling, and each ancestor), so AppendLeaf need not issue height+1 round
// trips.
func (e *Engine) loadAppendPathNodes(ctx context.Context, tx *sql.Tx, leafIndex uint64) (map[models.NodePath][32]byte, error) {
	positions := map[models.NodePath]struct{}{}
	cursor := models.NodePath{Depth: e.height, Offset: leafIndex}
	positions[cursor] = struct{}{}
	for i := uint32(0); i < e.height; i++ {
		positions[cursor.Sibling()] = struct{}{}
		parent := cursor
		parent.Pop()
		positions[parent] = struct{}{}
		cursor = parent
		if cursor.IsEmpty() {
			break
		}
	}

	paths := make([]models.NodePath, 0, len(positions))
	for p := range positions {
		paths = append(paths, p)
	}
	return e.loadNodeHashes(ctx, tx, paths)
}

func (e *Engine) loadNodeHashes(ctx context.Context, tx *sql.Tx, paths []models.NodePath) (map[models.NodePath][32]byte, error) {
	out := make(map[models.NodePath][32]byte, len(paths))
	if len(paths) == 0 {
		return out, nil
	}

	placeholders := make([]byte, 0)
	args := make([]any, 0, len(paths)+1)
	args = append(args, e.tokenID)
	for i, p := range paths {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, []byte(fmt.Sprintf("$%d", i+2))...)
		enc := p.Encode()
		args = append(args, enc)
	}

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT node_path, hash FROM %s WHERE token_id = $1 AND node_path IN (%s)`, nodesTable, string(placeholders)),
		args...,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Transient, "load merkle node hashes batch")
	}
	defer rows.Close()

	for rows.Next() {
		var pathBytes, hashBytes []byte
		if err := rows.Scan(&pathBytes, &hashBytes); err != nil {
			return nil, apperr.Wrap(err, apperr.Transient, "scan merkle node hash row")
		}
		path, err := models.DecodeNodePath(pathBytes)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.DataCorruption, "decode merkle node path")
		}
		var hash [32]byte
		copy(hash[:], hashBytes)
		out[path] = hash
	}
	return out, rows.Err()
}

// LatestIndex returns the number of leaves appended so far.
func (e *Engine) LatestIndex(ctx context.Context) (uint64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Transient, "begin transaction for latest index lookup")
	}
	defer tx.Rollback()
	index, err := e.latestIndexTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	return index, tx.Commit()
}

// RootAt returns the root hash recorded for the given tree index, or
// ok=false if no snapshot exists at that index.
func (e *Engine) RootAt(ctx context.Context, index uint64) (root [32]byte, ok bool, err error) {
	var bs []byte
	qerr := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT root_hash FROM %s WHERE token_id = $1 AND tree_index = $2`, snapshotsTable),
		e.tokenID, int64(index),
	).Scan(&bs)
	if qerr == sql.ErrNoRows {
		return root, false, nil
	}
	if qerr != nil {
		return root, false, apperr.Wrap(qerr, apperr.Transient, "lookup historical root")
	}
	copy(root[:], bs)
	return root, true, nil
}

// HashChainAt returns the hash-chain value recorded for the given tree
// index, or ok=false if no snapshot exists at that index.
func (e *Engine) HashChainAt(ctx context.Context, index uint64) (hashChain [32]byte, ok bool, err error) {
	var bs []byte
	qerr := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT hash_chain FROM %s WHERE token_id = $1 AND tree_index = $2`, snapshotsTable),
		e.tokenID, int64(index),
	).Scan(&bs)
	if qerr == sql.ErrNoRows {
		return hashChain, false, nil
	}
	if qerr != nil {
		return hashChain, false, apperr.Wrap(qerr, apperr.Transient, "lookup historical hash chain")
	}
	copy(hashChain[:], bs)
	return hashChain, true, nil
}

// IndexForRoot reverse-looks-up the tree index a transfer root was recorded
// at, returning the earliest snapshot matching it (a root can repeat only if
// no leaves were appended between two snapshots). ok=false if the root has
// never been snapshotted for this token.
func (e *Engine) IndexForRoot(ctx context.Context, root [32]byte) (index uint64, ok bool, err error) {
	var idx int64
	qerr := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT tree_index FROM %s WHERE token_id = $1 AND root_hash = $2 ORDER BY tree_index ASC LIMIT 1`, snapshotsTable),
		e.tokenID, root[:],
	).Scan(&idx)
	if qerr == sql.ErrNoRows {
		return 0, false, nil
	}
	if qerr != nil {
		return 0, false, apperr.Wrap(qerr, apperr.Transient, "reverse lookup tree index for root")
	}
	return uint64(idx), true, nil
}
