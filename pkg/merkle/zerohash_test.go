package merkle

import (
	"testing"

	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/stretchr/testify/require"
)

func TestComputeZeroHashesLadder(t *testing.T) {
	hasher := ivc.PoseidonHash{}
	hashes := computeZeroHashes(4, hasher)
	require.Len(t, hashes, 5)

	var zero [32]byte
	require.Equal(t, zero, hashes[0])
	for i := 1; i < len(hashes); i++ {
		require.Equal(t, hasher.Hash(hashes[i-1], hashes[i-1]), hashes[i])
		require.NotEqual(t, hashes[i-1], hashes[i])
	}
}

func TestGetRootReconstructsFromSiblings(t *testing.T) {
	hasher := ivc.PoseidonHash{}
	var addr [20]byte
	addr[19] = 7
	var value [32]byte
	value[31] = 42

	leafHash := hasher.HashLeaf(addr, value)

	zeros := computeZeroHashes(3, hasher)
	siblings := [][32]byte{zeros[0], zeros[1], zeros[2]}

	root := GetRoot(hasher, leafHash, 0, siblings)
	expected := hasher.Hash(hasher.Hash(hasher.Hash(leafHash, zeros[0]), zeros[1]), zeros[2])
	require.Equal(t, expected, root)
}
