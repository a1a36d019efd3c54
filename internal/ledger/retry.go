// Package ledger wraps a pkg/ledger.Client with retry/backoff and a
// per-method circuit breaker, so the indexer and root prover never deal
// with RPC flakiness directly. The wrapped Client stays a black box: this
// package knows nothing about chain IDs, ABIs, or transport.
package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/circuitbreaker"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/pkg/ledger"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// RetryConfig controls the exponential backoff applied to transient RPC
// failures before they are handed to the caller.
type RetryConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryConfig matches the cadence the root prover and event
// ingester poll at: a few seconds of retrying beats failing a whole cycle
// over one dropped RPC connection.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxElapsedTime:  15 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2.0,
	}
}

// Client decorates a pkg/ledger.Client with retry/backoff and a circuit
// breaker per method, so one flaky RPC provider cannot cascade retries
// across every call the indexer and root prover make per cycle.
type Client struct {
	inner    ledger.Client
	retry    RetryConfig
	breakers *circuitbreaker.Manager
}

// New wraps inner with the default retry configuration.
func New(inner ledger.Client) *Client {
	return NewWithRetryConfig(inner, DefaultRetryConfig())
}

// NewWithRetryConfig wraps inner with an explicit retry configuration,
// mainly for tests that need a short MaxElapsedTime.
func NewWithRetryConfig(inner ledger.Client, retry RetryConfig) *Client {
	return &Client{inner: inner, retry: retry, breakers: circuitbreaker.NewManager()}
}

var _ ledger.Client = (*Client)(nil)

func (c *Client) breaker(method string) *circuitbreaker.CircuitBreaker {
	return c.breakers.GetOrCreate(method, circuitbreaker.Config{
		Name:             method,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
		SuccessThreshold: 2,
		IsFailure: func(err error) bool {
			// Only transient RPC errors trip the breaker; a rejected
			// call (history window exhausted, bad input) is the
			// ledger working correctly.
			return err != nil && apperr.Is(err, apperr.Transient)
		},
	})
}

// call runs fn through method's circuit breaker, retrying transient
// failures with exponential backoff inside each breaker-permitted attempt.
func (c *Client) call(ctx context.Context, method string, fn func(context.Context) error) error {
	cb := c.breaker(method)
	err := cb.Execute(ctx, func(ctx context.Context) error {
		return c.retryTransient(ctx, method, fn)
	})
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		metrics.LedgerCircuitOpenTotal.WithLabelValues(method).Inc()
		return apperr.Wrap(err, apperr.Transient, "ledger rpc circuit open for "+method)
	}
	return err
}

func (c *Client) retryTransient(ctx context.Context, method string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.Multiplier = c.retry.Multiplier
	b.MaxElapsedTime = c.retry.MaxElapsedTime
	bctx := backoff.WithContext(b, ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperr.Is(err, apperr.Transient) {
			// Non-transient failures (contract violations, bad input)
			// are permanent for this call; stop retrying immediately.
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			metrics.LedgerRPCRetriesTotal.WithLabelValues(method).Inc()
		}
		logging.L().Warn().Err(err).Str("method", method).Int("attempt", attempt).Msg("ledger rpc retrying after transient failure")
		return err
	}, bctx)

	if err != nil {
		metrics.LedgerRPCFailuresTotal.WithLabelValues(method).Inc()
	}
	return err
}

func (c *Client) LatestBlock(ctx context.Context, chainID uint64) (uint64, error) {
	var out uint64
	err := c.call(ctx, "LatestBlock", func(ctx context.Context) error {
		v, err := c.inner.LatestBlock(ctx, chainID)
		out = v
		return err
	})
	return out, err
}

func (c *Client) ContractNextIndex(ctx context.Context, token models.Token) (uint64, error) {
	var out uint64
	err := c.call(ctx, "ContractNextIndex", func(ctx context.Context) error {
		v, err := c.inner.ContractNextIndex(ctx, token)
		out = v
		return err
	})
	return out, err
}

func (c *Client) FetchTransferLogs(ctx context.Context, token models.Token, fromBlock, toBlock uint64) ([]models.IndexedTransferEvent, error) {
	var out []models.IndexedTransferEvent
	err := c.call(ctx, "FetchTransferLogs", func(ctx context.Context) error {
		v, err := c.inner.FetchTransferLogs(ctx, token, fromBlock, toBlock)
		out = v
		return err
	})
	return out, err
}

func (c *Client) LatestProvedIndex(ctx context.Context, token models.Token) (uint64, error) {
	var out uint64
	err := c.call(ctx, "LatestProvedIndex", func(ctx context.Context) error {
		v, err := c.inner.LatestProvedIndex(ctx, token)
		out = v
		return err
	})
	return out, err
}

func (c *Client) LatestReservedIndex(ctx context.Context, token models.Token) (uint64, bool, error) {
	var outIdx uint64
	var outOK bool
	err := c.call(ctx, "LatestReservedIndex", func(ctx context.Context) error {
		idx, ok, err := c.inner.LatestReservedIndex(ctx, token)
		outIdx, outOK = idx, ok
		return err
	})
	return outIdx, outOK, err
}

// ReserveHashChain and ProveTransferRoot are mutating calls: retrying them
// blindly could double-submit, so they go through the circuit breaker
// without the retry wrapper. A transient failure here is surfaced to the
// caller, which persists no state until it sees a successful receipt.
func (c *Client) ReserveHashChain(ctx context.Context, token models.Token, targetIndex uint64) (uint64, [32]byte, error) {
	var outIdx uint64
	var outChain [32]byte
	cb := c.breaker("ReserveHashChain")
	err := cb.Execute(ctx, func(ctx context.Context) error {
		idx, chain, err := c.inner.ReserveHashChain(ctx, token, targetIndex)
		outIdx, outChain = idx, chain
		return err
	})
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		metrics.LedgerCircuitOpenTotal.WithLabelValues("ReserveHashChain").Inc()
		return outIdx, outChain, apperr.Wrap(err, apperr.Transient, "ledger rpc circuit open for ReserveHashChain")
	}
	return outIdx, outChain, err
}

func (c *Client) ProveTransferRoot(ctx context.Context, token models.Token, deciderProof []byte) (string, error) {
	var out string
	cb := c.breaker("ProveTransferRoot")
	err := cb.Execute(ctx, func(ctx context.Context) error {
		receipt, err := c.inner.ProveTransferRoot(ctx, token, deciderProof)
		out = receipt
		return err
	})
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		metrics.LedgerCircuitOpenTotal.WithLabelValues("ProveTransferRoot").Inc()
		return out, apperr.Wrap(err, apperr.Transient, "ledger rpc circuit open for ProveTransferRoot")
	}
	return out, err
}
