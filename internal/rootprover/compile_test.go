package rootprover

import (
	"testing"

	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/stretchr/testify/require"
)

func TestParseAddressAcceptsWithAndWithoutPrefix(t *testing.T) {
	a, err := parseAddress("0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Equal(t, byte(1), a[19])

	b, err := parseAddress("0000000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParseAddressRejectsWrongLength(t *testing.T) {
	_, err := parseAddress("0xabcd")
	require.Error(t, err)
}

func TestEncodeExternalInputLength(t *testing.T) {
	var addr [20]byte
	var value [32]byte
	siblings := make([][32]byte, 8)
	out := encodeExternalInput(addr, value, siblings)
	require.Len(t, out, 20+32+32*8)
}

func TestEncodeInitialStateRoundTripsThroughFoldingScheme(t *testing.T) {
	var hashChain, root [32]byte
	hashChain[0] = 9
	root[0] = 7
	encoded := encodeInitialState(3, hashChain, root)
	require.Len(t, encoded, 72)

	gotChain, gotRoot, gotIndex, err := ivc.FakeFoldingScheme{}.ExtractPublicState(encoded)
	require.NoError(t, err)
	require.Equal(t, hashChain, gotChain)
	require.Equal(t, root, gotRoot)
	require.Equal(t, uint64(3), gotIndex)
}
