package merkle

import "github.com/jamie-anson/project-beacon-runner/pkg/ivc"

// computeZeroHashes builds the zero-hash ladder for a tree of the given
// height: zeroHashes[0] is the hash of an empty leaf, zeroHashes[i] is the
// hash of two zeroHashes[i-1] siblings, and zeroHashes[height] is the root
// hash of a completely empty tree.
func computeZeroHashes(height uint32, hasher ivc.HashFn) [][32]byte {
	hashes := make([][32]byte, height+1)
	var current [32]byte
	hashes[0] = current
	for i := uint32(1); i <= height; i++ {
		current = hasher.Hash(current, current)
		hashes[i] = current
	}
	return hashes
}
