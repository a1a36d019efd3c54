package ivc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoseidonHashDeterministic(t *testing.T) {
	h := PoseidonHash{}
	var l, r [32]byte
	l[31] = 1
	r[31] = 2

	a := h.Hash(l, r)
	b := h.Hash(l, r)
	require.Equal(t, a, b)
}

func TestPoseidonHashDiffersByOrder(t *testing.T) {
	h := PoseidonHash{}
	var l, r [32]byte
	l[31] = 1
	r[31] = 2

	require.NotEqual(t, h.Hash(l, r), h.Hash(r, l))
}

func TestPoseidonHashLeafBindsAddressAndValue(t *testing.T) {
	h := PoseidonHash{}
	var addr [20]byte
	addr[19] = 9
	var v1, v2 [32]byte
	v1[31] = 1
	v2[31] = 2

	require.NotEqual(t, h.HashLeaf(addr, v1), h.HashLeaf(addr, v2))
}
