package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
)

// TokenSpec is one entry of the tokens file named by TokensFilePath: the
// static per-token registration the indexer upserts into pkg/models.Token
// on startup before any per-token loop (ingest, tree, root) can run.
type TokenSpec struct {
	Label               string `json:"label"`
	ChainID             uint64 `json:"chain_id"`
	TokenAddress        string `json:"token_address"`
	VerifierAddress     string `json:"verifier_address"`
	DeployedBlockNumber uint64 `json:"deployed_block_number"`
}

// LoadTokens parses a JSON array of TokenSpec from path. A missing or
// malformed tokens file is a Configuration error: the process must not
// start without knowing which tokens to serve.
func LoadTokens(path string) ([]TokenSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.Configuration, "read tokens file %q", path)
	}

	var specs []TokenSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, apperr.Wrapf(err, apperr.Configuration, "parse tokens file %q", path)
	}

	for i, s := range specs {
		if s.TokenAddress == "" || !common.IsHexAddress(s.TokenAddress) {
			return nil, apperr.Newf(apperr.Configuration, "tokens file %q: entry %d has invalid token_address", path, i).WithCode("tokens_file_invalid")
		}
		if s.VerifierAddress == "" || !common.IsHexAddress(s.VerifierAddress) {
			return nil, apperr.Newf(apperr.Configuration, "tokens file %q: entry %d has invalid verifier_address", path, i).WithCode("tokens_file_invalid")
		}
		if s.ChainID == 0 {
			return nil, apperr.Newf(apperr.Configuration, "tokens file %q: entry %d missing chain_id", path, i).WithCode("tokens_file_invalid")
		}
	}

	return specs, nil
}

// String returns a human-readable identifier for logs.
func (t TokenSpec) String() string {
	if t.Label != "" {
		return fmt.Sprintf("%s (%s@%d)", t.Label, t.TokenAddress, t.ChainID)
	}
	return fmt.Sprintf("%s@%d", t.TokenAddress, t.ChainID)
}
