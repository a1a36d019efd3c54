package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	e := New(UserInput, "bad request")
	require.Equal(t, "user_input: bad request", e.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(cause, Transient, "rpc call failed")
	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "boom")
}

func TestIsAndKindOf(t *testing.T) {
	e := NewRetentionWindowExceeded(5, 200, 100)
	require.True(t, Is(e, ContractViolation))
	require.Equal(t, ContractViolation, KindOf(e))
	require.False(t, Is(errors.New("plain"), ContractViolation))
	require.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestAppErrorIsMatchesKindAndCode(t *testing.T) {
	a := New(UserInput, "x").WithCode("leaf_index_out_of_bounds")
	b := New(UserInput, "y").WithCode("leaf_index_out_of_bounds")
	require.True(t, a.Is(b))
	c := New(ContractViolation, "y").WithCode("leaf_index_out_of_bounds")
	require.False(t, a.Is(c))
}
