package merkle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// HistoricalProof is a Merkle inclusion proof for one leaf as of a past
// snapshot (TargetIndex), reconstructed from the differential update log
// rather than from a stored tree-per-snapshot.
type HistoricalProof struct {
	TargetIndex uint64
	LeafIndex   uint64
	Root        [32]byte
	HashChain   [32]byte
	Siblings    [][32]byte
}

// Prove is ProveMany for a single leaf.
func (e *Engine) Prove(ctx context.Context, targetIndex, leafIndex uint64) (HistoricalProof, error) {
	proofs, err := e.ProveMany(ctx, targetIndex, []uint64{leafIndex})
	if err != nil {
		return HistoricalProof{}, err
	}
	return proofs[0], nil
}

// ProveMany produces inclusion proofs for every leafIndex as of targetIndex,
// the snapshot taken after targetIndex leaves had been appended. It requires
// latest-targetIndex <= historyWindow: older snapshots have had their
// differential update rows pruned and can no longer be reconstructed.
func (e *Engine) ProveMany(ctx context.Context, targetIndex uint64, leafIndices []uint64) ([]HistoricalProof, error) {
	if len(leafIndices) == 0 {
		return nil, nil
	}
	if targetIndex == 0 {
		return nil, apperr.ErrInvalidProofTargetZero
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Transient, "begin transaction for merkle proof batch")
	}
	defer tx.Rollback()

	latestIndex, err := e.latestIndexTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if latestIndex == 0 {
		return nil, apperr.ErrTreeEmpty
	}
	if targetIndex > latestIndex {
		return nil, apperr.NewTargetIndexTooHigh(targetIndex, latestIndex)
	}

	delta := latestIndex - targetIndex
	if delta > e.historyWindow {
		return nil, apperr.NewRetentionWindowExceeded(targetIndex, latestIndex, e.historyWindow)
	}

	for _, leafIndex := range leafIndices {
		if leafIndex >= targetIndex {
			return nil, apperr.NewLeafIndexOutOfBounds(leafIndex, targetIndex)
		}
	}

	overlay, err := e.loadOverlay(ctx, tx, targetIndex+1, latestIndex)
	if err != nil {
		return nil, err
	}

	root, ok, err := e.rootAtTx(ctx, tx, targetIndex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.DataCorruption, "missing root hash for target index %d", targetIndex).WithCode("missing_root")
	}

	hashChain, ok, err := e.hashChainAtTx(ctx, tx, targetIndex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.DataCorruption, "missing hash chain for target index %d", targetIndex).WithCode("missing_hash_chain")
	}

	prefetch := map[models.NodePath]struct{}{}
	for _, leafIndex := range leafIndices {
		path := models.NodePath{Depth: e.height, Offset: leafIndex}
		for i := uint32(0); i < e.height; i++ {
			sibling := path.Sibling()
			if _, inOverlay := overlay[sibling]; !inOverlay {
				prefetch[sibling] = struct{}{}
			}
			path.Pop()
		}
	}

	toFetch := make([]models.NodePath, 0, len(prefetch))
	for p := range prefetch {
		toFetch = append(toFetch, p)
	}
	cache, err := e.loadNodeHashes(ctx, tx, toFetch)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, apperr.Transient, "commit merkle proof batch")
	}

	proofs := make([]HistoricalProof, 0, len(leafIndices))
	for _, leafIndex := range leafIndices {
		siblings := make([][32]byte, 0, e.height)
		path := models.NodePath{Depth: e.height, Offset: leafIndex}

		for i := uint32(0); i < e.height; i++ {
			siblingPath := path.Sibling()
			var siblingHash [32]byte
			if h, found := overlay[siblingPath]; found {
				siblingHash = h
			} else if h, found := cache[siblingPath]; found {
				siblingHash = h
			} else {
				siblingHash = e.zeroHashForPath(siblingPath)
			}
			siblings = append(siblings, siblingHash)
			path.Pop()
		}

		proofs = append(proofs, HistoricalProof{
			TargetIndex: targetIndex,
			LeafIndex:   leafIndex,
			Root:        root,
			HashChain:   hashChain,
			Siblings:    siblings,
		})
	}

	return proofs, nil
}

// loadOverlay loads the earliest old_hash recorded for each node path
// touched by any update in [fromIndex, toIndex]: the earliest old_hash in
// that window is the value the node held at fromIndex-1, i.e. at
// targetIndex.
func (e *Engine) loadOverlay(ctx context.Context, tx *sql.Tx, fromIndex, toIndex uint64) (map[models.NodePath][32]byte, error) {
	overlay := map[models.NodePath][32]byte{}
	if fromIndex > toIndex {
		return overlay, nil
	}

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT node_path, old_hash FROM %s WHERE token_id = $1 AND tree_index BETWEEN $2 AND $3 ORDER BY tree_index ASC`, updatesTable),
		e.tokenID, int64(fromIndex), int64(toIndex),
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Transient, "load merkle update overlay")
	}
	defer rows.Close()

	for rows.Next() {
		var pathBytes, oldHashBytes []byte
		if err := rows.Scan(&pathBytes, &oldHashBytes); err != nil {
			return nil, apperr.Wrap(err, apperr.Transient, "scan merkle update overlay row")
		}
		path, err := models.DecodeNodePath(pathBytes)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.DataCorruption, "decode merkle update node path")
		}
		if _, seen := overlay[path]; seen {
			continue
		}
		var oldHash [32]byte
		copy(oldHash[:], oldHashBytes)
		overlay[path] = oldHash
	}
	return overlay, rows.Err()
}

func (e *Engine) rootAtTx(ctx context.Context, tx *sql.Tx, index uint64) ([32]byte, bool, error) {
	var bs []byte
	var root [32]byte
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT root_hash FROM %s WHERE token_id = $1 AND tree_index = $2`, snapshotsTable),
		e.tokenID, int64(index),
	).Scan(&bs)
	if err == sql.ErrNoRows {
		return root, false, nil
	}
	if err != nil {
		return root, false, apperr.Wrap(err, apperr.Transient, "lookup historical root")
	}
	copy(root[:], bs)
	return root, true, nil
}

func (e *Engine) hashChainAtTx(ctx context.Context, tx *sql.Tx, index uint64) ([32]byte, bool, error) {
	var bs []byte
	var hashChain [32]byte
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT hash_chain FROM %s WHERE token_id = $1 AND tree_index = $2`, snapshotsTable),
		e.tokenID, int64(index),
	).Scan(&bs)
	if err == sql.ErrNoRows {
		return hashChain, false, nil
	}
	if err != nil {
		return hashChain, false, apperr.Wrap(err, apperr.Transient, "lookup historical hash chain")
	}
	copy(hashChain[:], bs)
	return hashChain, true, nil
}

// GetRoot re-derives the Merkle root from a leaf hash and its sibling path,
// the pure function used both internally and by proof verifiers.
func GetRoot(hasher interface {
	Hash(left, right [32]byte) [32]byte
}, leafHash [32]byte, leafIndex uint64, siblings [][32]byte) [32]byte {
	current := leafHash
	index := leafIndex
	for _, sibling := range siblings {
		if index&1 == 0 {
			current = hasher.Hash(current, sibling)
		} else {
			current = hasher.Hash(sibling, current)
		}
		index >>= 1
	}
	return current
}
