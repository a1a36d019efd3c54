package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsDuplicateTable(t *testing.T) {
	require.True(t, isDuplicateTable(errors.New(`pq: duplicate key value violates ... SQLSTATE 42P07`)))
	require.True(t, isDuplicateTable(errors.New(`relation "indexed_transfer_events_t1" already exists`)))
	require.False(t, isDuplicateTable(errors.New("connection refused")))
}
