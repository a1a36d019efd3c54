// Package lease implements a TTL-based cooperative mutex over a single
// Postgres table, used to serialize per-token event-ingest, tree-build, and
// root-prover cycles across multiple running processes without a separate
// coordination service.
package lease

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
)

const (
	defaultTTL     = 30 * time.Second
	renewFraction  = 3
	minRenewPeriod = 100 * time.Millisecond
)

// Salt identifies the job type taking the lease, so one token can hold
// independent leases for ingest, tree-build, and root-prove concurrently.
type Salt uint64

const (
	SaltEvent Salt = 0x45564e54 // "EVNT"
	SaltTree  Salt = 0x54524545 // "TREE"
	SaltRoot  Salt = 0x524f4f54 // "ROOT"
)

var (
	sessionHolder     uuid.UUID
	sessionHolderOnce sync.Once
)

// SessionHolder returns this process's lease-holder identity, generated
// once per process lifetime.
func SessionHolder() uuid.UUID {
	sessionHolderOnce.Do(func() {
		sessionHolder = uuid.New()
	})
	return sessionHolder
}

// Key derives the lease_key for a (label, chainID, tokenAddress,
// verifierAddress) under the given salt.
func Key(label string, chainID uint64, tokenAddress, verifierAddress string, salt Salt) int64 {
	h := fnv.New64a()
	h.Write([]byte(label))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(chainID >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(tokenAddress))
	h.Write([]byte(verifierAddress))
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(salt) >> (8 * i))
	}
	h.Write(buf[:])
	return int64(h.Sum64())
}

// Guard represents a held lease with a background renewal goroutine. Stop
// must be called (directly or via Release) to end renewal.
type Guard struct {
	db      *sql.DB
	key     int64
	holder  uuid.UUID
	ttl     time.Duration
	jobType string
	cancel  context.CancelFunc
	stopped chan struct{}
}

// TryAcquire attempts to acquire the lease identified by key. It returns
// (nil, nil) on contention (lease held by someone else and not expired), a
// *Guard on success, or an error on DB failure.
func TryAcquire(ctx context.Context, db *sql.DB, key int64) (*Guard, error) {
	return TryAcquireWithTTL(ctx, db, key, defaultTTL)
}

// TryAcquireWithTTL is TryAcquire with an explicit TTL, mainly for tests.
func TryAcquireWithTTL(ctx context.Context, db *sql.DB, key int64, ttl time.Duration) (*Guard, error) {
	return TryAcquireNamedWithTTL(ctx, db, key, "unknown", ttl)
}

// TryAcquireNamed is TryAcquire with a jobType label recorded against
// lease_contention_total/lease_lost_total on contention or lost renewal.
func TryAcquireNamed(ctx context.Context, db *sql.DB, key int64, jobType string) (*Guard, error) {
	return TryAcquireNamedWithTTL(ctx, db, key, jobType, defaultTTL)
}

// TryAcquireNamedWithTTL is TryAcquireNamed with an explicit TTL, mainly for tests.
func TryAcquireNamedWithTTL(ctx context.Context, db *sql.DB, key int64, jobType string, ttl time.Duration) (*Guard, error) {
	holder := SessionHolder()
	ttlMillis := ttl.Milliseconds()

	var acquired bool
	err := db.QueryRowContext(ctx, `
		INSERT INTO leases (lease_key, holder, expires_at, updated_at)
		VALUES ($1, $2, now() + ($3 || ' milliseconds')::interval, now())
		ON CONFLICT (lease_key) DO UPDATE
			SET holder = EXCLUDED.holder,
			    expires_at = EXCLUDED.expires_at,
			    updated_at = now()
			WHERE leases.holder = EXCLUDED.holder
			   OR leases.expires_at < now()
		RETURNING TRUE
	`, key, holder.String(), ttlMillis).Scan(&acquired)

	if err == sql.ErrNoRows {
		metrics.LeaseContentionTotal.WithLabelValues(jobType).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Transient, "attempt to acquire lease")
	}
	if !acquired {
		metrics.LeaseContentionTotal.WithLabelValues(jobType).Inc()
		return nil, nil
	}

	gctx, cancel := context.WithCancel(context.Background())
	g := &Guard{db: db, key: key, holder: holder, ttl: ttl, jobType: jobType, cancel: cancel, stopped: make(chan struct{})}
	go g.renewLoop(gctx)
	return g, nil
}

func (g *Guard) renewLoop(ctx context.Context) {
	defer close(g.stopped)
	log := logging.L()

	period := g.ttl / renewFraction
	if period < minRenewPeriod {
		period = minRenewPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.renew(context.Background()); err != nil {
				metrics.LeaseLostTotal.WithLabelValues(g.jobType).Inc()
				log.Warn().Err(err).Int64("lease_key", g.key).Msg("failed to renew lease; stopping renewal")
				return
			}
		}
	}
}

func (g *Guard) renew(ctx context.Context) error {
	var renewed bool
	err := g.db.QueryRowContext(ctx, `
		UPDATE leases
		   SET expires_at = now() + ($3 || ' milliseconds')::interval,
		       updated_at = now()
		 WHERE lease_key = $1 AND holder = $2
		RETURNING TRUE
	`, g.key, g.holder.String(), g.ttl.Milliseconds()).Scan(&renewed)
	if err == sql.ErrNoRows {
		return apperr.Newf(apperr.LeaseLost, "lease %d no longer held", g.key).WithCode("lease_lost")
	}
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "renew lease")
	}
	return nil
}

// Release stops renewal and best-effort deletes the lease row if still
// held by this process. Release is safe to call even if renewal already
// stopped itself after a failed renew.
func (g *Guard) Release(ctx context.Context) error {
	g.cancel()
	<-g.stopped

	res, err := g.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_key = $1 AND holder = $2`, g.key, g.holder.String())
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "release lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "read rows affected releasing lease")
	}
	if n == 0 {
		// Already lost to expiry/renewal failure; release is best-effort.
		return nil
	}
	return nil
}
