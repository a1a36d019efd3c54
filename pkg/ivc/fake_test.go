package ivc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeFoldingSchemeProveStepAdvancesIndex(t *testing.T) {
	f := FakeFoldingScheme{}
	ctx := context.Background()

	state, err := f.ProveStep(ctx, nil, make([]byte, 32), false)
	require.NoError(t, err)
	require.NoError(t, f.Verify(ctx, state))

	_, _, index, err := f.ExtractPublicState(state)
	require.NoError(t, err)
	require.Equal(t, uint64(1), index)
}

func TestFakeFoldingSchemeDummyStepKeepsIndex(t *testing.T) {
	f := FakeFoldingScheme{}
	ctx := context.Background()

	state, err := f.ProveStep(ctx, nil, make([]byte, 32), false)
	require.NoError(t, err)

	dummyState, err := f.ProveStep(ctx, state, nil, true)
	require.NoError(t, err)

	_, _, index, err := f.ExtractPublicState(dummyState)
	require.NoError(t, err)
	require.Equal(t, uint64(1), index)
}

func TestFakeDeciderSchemeRoundTrip(t *testing.T) {
	d := FakeDeciderScheme{}
	ctx := context.Background()

	proof, err := d.Compress(ctx, "transfer", []byte("some-ivc-state"))
	require.NoError(t, err)
	require.NoError(t, d.Verify(ctx, "transfer", proof))
	require.Error(t, d.Verify(ctx, "mint", proof))
}
