// Package api implements the two public HTTP surfaces named in the external
// interfaces contract: the Indexer's read/query API and the Decider
// Prover's job-submission API. Both are thin gin routers over the
// already-durable store/queue/engine layers; neither holds state of its own
// beyond an optional response cache.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/cache"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/internal/middleware"
	"github.com/jamie-anson/project-beacon-runner/internal/recovery"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/pkg/ledger"
	"github.com/jamie-anson/project-beacon-runner/pkg/merkle"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

const (
	eventsDefaultLimit = 100
	eventsMaxLimit     = 1000
	statusCacheTTL     = 2 * time.Second
)

// TokenResources bundles one registered token with the Merkle engine built
// for it; the indexer constructs one of these per configured token at
// startup and hands the full set to NewIndexerAPI.
type TokenResources struct {
	Token models.Token
	Tree  *merkle.Engine
}

type tokenKey struct {
	chainID      uint64
	tokenAddress string
}

// IndexerAPI serves the read-only query surface over the event log and
// Merkle engine: /healthz, /status, /events, /proofs, /tree-index.
type IndexerAPI struct {
	byKey  map[tokenKey]TokenResources
	tokens []TokenResources
	Events *store.EventsRepo
	Roots  *store.RootProverRepo
	Ledger ledger.Client
	Cache  cache.Cache
}

// NewIndexerAPI indexes tokens by (chain_id, token_address) for O(1) lookup
// on every request; resources absent from tokens are simply unreachable by
// these handlers, never a panic.
func NewIndexerAPI(tokens []TokenResources, events *store.EventsRepo, roots *store.RootProverRepo, ledgerClient ledger.Client, c cache.Cache) *IndexerAPI {
	byKey := make(map[tokenKey]TokenResources, len(tokens))
	for _, tr := range tokens {
		byKey[tokenKey{chainID: tr.Token.ChainID, tokenAddress: tr.Token.TokenAddress}] = tr
	}
	return &IndexerAPI{byKey: byKey, tokens: tokens, Events: events, Roots: roots, Ledger: ledgerClient, Cache: c}
}

func (a *IndexerAPI) lookup(chainID uint64, tokenAddress string) (TokenResources, bool) {
	tr, ok := a.byKey[tokenKey{chainID: chainID, tokenAddress: tokenAddress}]
	return tr, ok
}

// Router builds the gin engine for the Indexer API, with the same
// panic-recovery/timeout/error-handling/metrics middleware stack used
// throughout the module.
func (a *IndexerAPI) Router(requestTimeout time.Duration) *gin.Engine {
	r := gin.New()
	r.Use(recovery.PanicRecoveryMiddleware())
	r.Use(recovery.TimeoutMiddleware(requestTimeout))
	r.Use(metrics.GinMiddleware())
	r.Use(middleware.ErrorHandler())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/status", a.handleStatus)
	r.GET("/events", a.handleEvents)
	r.POST("/proofs", a.handleProofs)
	r.GET("/tree-index", a.handleTreeIndex)
	return r
}

type tokenStatus struct {
	Label                string `json:"label"`
	ChainID              uint64 `json:"chain_id"`
	TokenAddress         string `json:"token_address"`
	VerifierAddress      string `json:"verifier_address"`
	OnchainReservedIndex uint64 `json:"onchain_reserved_index"`
	OnchainProvedIndex   uint64 `json:"onchain_proved_index"`
	EventsSyncedIndex    uint64 `json:"events_synced_index"`
	TreeSyncedIndex      uint64 `json:"tree_synced_index"`
	IVCGeneratedIndex    uint64 `json:"ivc_generated_index"`
}

// handleStatus reports, per registered token, how far each pipeline stage
// (events, tree, IVC compile, on-chain reserve/prove) has advanced. It is
// the hot dashboard-refresh path, so a short-lived cache entry absorbs
// repeated polling between the underlying stores' own update cadence.
func (a *IndexerAPI) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	if body, found, err := cacheGet(ctx, a.Cache, "status"); err == nil && found {
		c.Data(http.StatusOK, "application/json", body)
		return
	}

	out := make([]tokenStatus, 0, len(a.tokens))
	for _, tr := range a.tokens {
		st, err := a.statusFor(ctx, tr)
		if err != nil {
			_ = c.Error(err)
			return
		}
		out = append(out, st)
	}

	body, err := json.Marshal(out)
	if err != nil {
		_ = c.Error(apperr.Wrap(err, apperr.Internal, "marshal status response"))
		return
	}
	cacheSet(ctx, a.Cache, "status", body, statusCacheTTL)
	c.Data(http.StatusOK, "application/json", body)
}

func (a *IndexerAPI) statusFor(ctx context.Context, tr TokenResources) (tokenStatus, error) {
	st := tokenStatus{
		Label:           tr.Token.Label,
		ChainID:         tr.Token.ChainID,
		TokenAddress:    tr.Token.TokenAddress,
		VerifierAddress: tr.Token.VerifierAddress,
	}

	if reserved, ok, err := a.Ledger.LatestReservedIndex(ctx, tr.Token); err != nil {
		return st, apperr.Wrapf(err, apperr.Transient, "query reserved index for %s", tr.Token.Label)
	} else if ok {
		st.OnchainReservedIndex = reserved
	}

	proved, err := a.Ledger.LatestProvedIndex(ctx, tr.Token)
	if err != nil {
		return st, apperr.Wrapf(err, apperr.Transient, "query proved index for %s", tr.Token.Label)
	}
	st.OnchainProvedIndex = proved

	eventState, _, err := a.Events.LoadState(ctx, tr.Token.ID)
	if err != nil {
		return st, apperr.Wrapf(err, apperr.Transient, "load event state for %s", tr.Token.Label)
	}
	if eventState.ContiguousIndex >= 0 {
		st.EventsSyncedIndex = uint64(eventState.ContiguousIndex) + 1
	}

	treeIndex, err := tr.Tree.LatestIndex(ctx)
	if err != nil {
		return st, apperr.Wrapf(err, apperr.Transient, "load tree index for %s", tr.Token.Label)
	}
	st.TreeSyncedIndex = treeIndex

	rootState, _, err := a.Roots.LoadState(ctx, tr.Token.ID)
	if err != nil {
		return st, apperr.Wrapf(err, apperr.Transient, "load root prover state for %s", tr.Token.Label)
	}
	st.IVCGeneratedIndex = rootState.LastCompiledIndex

	return st, nil
}

type eventDTO struct {
	EventIndex     uint64 `json:"event_index"`
	FromAddress    string `json:"from_address"`
	ToAddress      string `json:"to_address"`
	Value          string `json:"value"`
	EthBlockNumber uint64 `json:"eth_block_number"`
}

// handleEvents returns the events with index in [to-limit, to) (`to` itself
// is excluded), matching the hot-path pagination style the dashboard and clients
// poll with.
func (a *IndexerAPI) handleEvents(c *gin.Context) {
	chainID, tokenAddress, ok := a.queryToken(c)
	if !ok {
		return
	}
	tr, found := a.lookup(chainID, tokenAddress)
	if !found {
		_ = c.Error(apperr.Newf(apperr.UserInput, "unregistered token %s@%d", tokenAddress, chainID).WithCode("token_not_found"))
		return
	}

	to, err := parseUint64Query(c, "to", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}
	limit, err := parseUint64Query(c, "limit", eventsDefaultLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if limit == 0 || limit > eventsMaxLimit {
		limit = eventsMaxLimit
	}

	from := uint64(0)
	if to > limit {
		from = to - limit
	}

	events, err := a.Events.RangeByIndex(c.Request.Context(), tr.Token.ID, from, to)
	if err != nil {
		_ = c.Error(apperr.Wrap(err, apperr.Transient, "query event range"))
		return
	}

	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventDTO{
			EventIndex:     ev.EventIndex,
			FromAddress:    ev.FromAddress,
			ToAddress:      ev.ToAddress,
			Value:          hex.EncodeToString(ev.Value[:]),
			EthBlockNumber: ev.EthBlockNumber,
		})
	}
	c.JSON(http.StatusOK, out)
}

type proofsRequest struct {
	ChainID      uint64   `json:"chain_id" binding:"required"`
	TokenAddress string   `json:"token_address" binding:"required"`
	TargetIndex  uint64   `json:"target_index" binding:"required"`
	LeafIndices  []uint64 `json:"leaf_indices" binding:"required"`
}

type proofDTO struct {
	TargetIndex uint64   `json:"target_index"`
	LeafIndex   uint64   `json:"leaf_index"`
	Root        string   `json:"root"`
	HashChain   string   `json:"hash_chain"`
	Siblings    []string `json:"siblings"`
}

// handleProofs is the hot path named in the external-interfaces contract:
// it invokes the Merkle engine's ProveMany and must complete inside the
// single transaction ProveMany already opens, so no caching happens here.
func (a *IndexerAPI) handleProofs(c *gin.Context) {
	var req proofsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.Wrap(err, apperr.UserInput, "malformed proofs request").WithCode("invalid_request"))
		return
	}

	tr, found := a.lookup(req.ChainID, req.TokenAddress)
	if !found {
		_ = c.Error(apperr.Newf(apperr.UserInput, "unregistered token %s@%d", req.TokenAddress, req.ChainID).WithCode("token_not_found"))
		return
	}

	proofs, err := tr.Tree.ProveMany(c.Request.Context(), req.TargetIndex, req.LeafIndices)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]proofDTO, 0, len(proofs))
	for _, p := range proofs {
		siblings := make([]string, 0, len(p.Siblings))
		for _, s := range p.Siblings {
			siblings = append(siblings, hex.EncodeToString(s[:]))
		}
		out = append(out, proofDTO{
			TargetIndex: p.TargetIndex,
			LeafIndex:   p.LeafIndex,
			Root:        hex.EncodeToString(p.Root[:]),
			HashChain:   hex.EncodeToString(p.HashChain[:]),
			Siblings:    siblings,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleTreeIndex resolves a previously observed transfer_root back to the
// tree index it was snapshotted at, the reverse of /proofs.
func (a *IndexerAPI) handleTreeIndex(c *gin.Context) {
	chainID, tokenAddress, ok := a.queryToken(c)
	if !ok {
		return
	}
	tr, found := a.lookup(chainID, tokenAddress)
	if !found {
		_ = c.Error(apperr.Newf(apperr.UserInput, "unregistered token %s@%d", tokenAddress, chainID).WithCode("token_not_found"))
		return
	}

	rootHex := c.Query("transfer_root")
	rootBytes, err := hex.DecodeString(trimHexPrefix(rootHex))
	if err != nil || len(rootBytes) != 32 {
		_ = c.Error(apperr.New(apperr.UserInput, "transfer_root must be a 32-byte hex string").WithCode("invalid_transfer_root"))
		return
	}
	var root [32]byte
	copy(root[:], rootBytes)

	index, found, err := tr.Tree.IndexForRoot(c.Request.Context(), root)
	if err != nil {
		_ = c.Error(apperr.Wrap(err, apperr.Transient, "reverse lookup tree index"))
		return
	}
	if !found {
		_ = c.Error(apperr.New(apperr.UserInput, "transfer_root not found").WithCode("transfer_root_not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree_index": index})
}

func (a *IndexerAPI) queryToken(c *gin.Context) (chainID uint64, tokenAddress string, ok bool) {
	chainID, err := parseUint64Query(c, "chain_id", 0)
	if err != nil {
		_ = c.Error(err)
		return 0, "", false
	}
	tokenAddress = c.Query("token_address")
	if tokenAddress == "" {
		_ = c.Error(apperr.New(apperr.UserInput, "token_address is required").WithCode("missing_token_address"))
		return 0, "", false
	}
	return chainID, tokenAddress, true
}

func parseUint64Query(c *gin.Context, name string, def uint64) (uint64, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperr.Newf(apperr.UserInput, "%s must be a non-negative integer", name).WithCode("invalid_query_param")
	}
	return n, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func cacheGet(ctx context.Context, c cache.Cache, key string) ([]byte, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	return c.Get(ctx, key)
}

func cacheSet(ctx context.Context, c cache.Cache, key string, value []byte, ttl time.Duration) {
	if c == nil {
		return
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}
