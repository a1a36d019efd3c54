package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTokensValidateAcceptsWellFormedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"label": "usdc", "chain_id": 1, "token_address": "0x1111111111111111111111111111111111111111", "verifier_address": "0x2222222222222222222222222222222222222222"}
	]`), 0o644))

	tokensFile = path
	var out bytes.Buffer
	rootCmd.SetOut(&out)

	assert.NoError(t, runTokensValidate(rootCmd, nil))
	assert.Contains(t, out.String(), "1 token(s) valid")
}

func TestRunTokensValidateRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"label": "bad", "chain_id": 1, "token_address": "not-an-address"}]`), 0o644))

	tokensFile = path
	assert.Error(t, runTokensValidate(rootCmd, nil))
}
