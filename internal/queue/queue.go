// Package queue implements the at-least-once, pgmq-style durable job queue
// backing the decider worker pool: a visibility-timeout message table bound
// to a job-state table, with idempotent enqueue and a deliberately
// non-atomic two-step completion (state write, then message delete) so a
// crash between the two leaves the job in its terminal state with an
// orphaned message that the next dequeue attempt safely ignores.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

const readPollInterval = 250 * time.Millisecond

// Client drives one (queue_table, job_table) pair.
type Client struct {
	db                   *sql.DB
	queueTable           string
	jobTable             string
	visibilityTimeout    time.Duration
	visibilityExtension  time.Duration
}

func New(db *sql.DB, queueTable, jobTable string, visibilityTimeout, visibilityExtension time.Duration) *Client {
	return &Client{
		db:                  db,
		queueTable:          queueTable,
		jobTable:            jobTable,
		visibilityTimeout:   visibilityTimeout,
		visibilityExtension: visibilityExtension,
	}
}

// EnqueueResult reports whether the job was freshly enqueued (including a
// retry-requeue of an orphaned job) or already existed in a live state.
type EnqueueResult struct {
	Job       models.JobRecord
	Enqueued  bool
}

// Enqueue idempotently inserts a job and its queue message. If job_id
// already exists and is terminal, its TTL is refreshed and the existing
// terminal record is returned. If it exists, is non-terminal, and its bound
// message has vanished (e.g. GC'd after TTL expiry raced with an in-flight
// worker), it is requeued from Queued. Otherwise the live record's TTL is
// refreshed and it is returned unchanged.
func (c *Client) Enqueue(ctx context.Context, jobID, circuit string, payload models.DeciderJobPayload, ttl time.Duration) (EnqueueResult, error) {
	for {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return EnqueueResult{}, apperr.Wrap(err, apperr.Transient, "begin enqueue transaction")
		}

		if err := c.purgeExpiredJob(ctx, tx, jobID); err != nil {
			tx.Rollback()
			return EnqueueResult{}, err
		}

		inserted, err := c.insertJobIfAbsent(ctx, tx, jobID, circuit, ttl)
		if err != nil {
			tx.Rollback()
			return EnqueueResult{}, err
		}

		if inserted {
			msgID, err := c.enqueueMessage(ctx, tx, jobID, payload)
			if err != nil {
				tx.Rollback()
				return EnqueueResult{}, err
			}
			if err := c.setMessageBinding(ctx, tx, jobID, &msgID); err != nil {
				tx.Rollback()
				return EnqueueResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return EnqueueResult{}, apperr.Wrap(err, apperr.Transient, "commit enqueue transaction")
			}
			metrics.JobsEnqueuedTotal.Inc()
			job, err := c.GetJob(ctx, jobID)
			if err != nil {
				return EnqueueResult{}, err
			}
			return EnqueueResult{Job: *job, Enqueued: true}, nil
		}

		record, found, err := c.fetchJobForUpdate(ctx, tx, jobID)
		if err != nil {
			tx.Rollback()
			return EnqueueResult{}, err
		}
		if !found {
			// Raced with an expiry purge from another connection; retry the loop.
			tx.Rollback()
			continue
		}

		if isTerminal(record.State) {
			if err := c.refreshTTL(ctx, tx, jobID, ttl); err != nil {
				tx.Rollback()
				return EnqueueResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return EnqueueResult{}, apperr.Wrap(err, apperr.Transient, "commit ttl refresh")
			}
			return EnqueueResult{Job: record, Enqueued: false}, nil
		}

		needsRequeue := record.MessageID == nil
		if record.MessageID != nil {
			exists, err := c.messageExists(ctx, tx, *record.MessageID)
			if err != nil {
				tx.Rollback()
				return EnqueueResult{}, err
			}
			needsRequeue = !exists
		}

		if needsRequeue {
			record.State = models.JobQueued
			record.Result = nil
			record.Error = nil
			msgID, err := c.enqueueMessage(ctx, tx, jobID, payload)
			if err != nil {
				tx.Rollback()
				return EnqueueResult{}, err
			}
			if err := c.saveJob(ctx, tx, &record, ttl, &msgID); err != nil {
				tx.Rollback()
				return EnqueueResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return EnqueueResult{}, apperr.Wrap(err, apperr.Transient, "commit requeue")
			}
			metrics.JobsRequeuedTotal.Inc()
			return EnqueueResult{Job: record, Enqueued: true}, nil
		}

		if err := c.refreshTTL(ctx, tx, jobID, ttl); err != nil {
			tx.Rollback()
			return EnqueueResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return EnqueueResult{}, apperr.Wrap(err, apperr.Transient, "commit ttl refresh")
		}
		return EnqueueResult{Job: record, Enqueued: false}, nil
	}
}

func isTerminal(state models.JobState) bool {
	return state == models.JobCompleted || state == models.JobFailed
}

// GetJob returns the current job record, or nil if absent or expired.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	record, found, err := c.fetchJobForUpdate(ctx, c.db, jobID)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// QueuedJob is one dequeued message awaiting processing.
type QueuedJob struct {
	MessageID int64
	Payload   models.DeciderJobPayload
}

// WaitForJob polls the queue table at a fixed interval until a visible
// message is found, honoring ctx cancellation between polls.
func (c *Client) WaitForJob(ctx context.Context) (QueuedJob, error) {
	for {
		job, ok, err := c.dequeueOnce(ctx)
		if err != nil {
			return QueuedJob{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return QueuedJob{}, ctx.Err()
		case <-time.After(readPollInterval):
		}
	}
}

func (c *Client) dequeueOnce(ctx context.Context) (QueuedJob, bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return QueuedJob{}, false, apperr.Wrap(err, apperr.Transient, "begin dequeue transaction")
	}
	defer tx.Rollback()

	var msgID int64
	var payloadJSON []byte
	var enqueuedAt time.Time
	newVT := time.Now().Add(c.visibilityTimeout)
	err = tx.QueryRowContext(ctx,
		`UPDATE `+c.queueTable+`
		 SET vt = $1, read_ct = read_ct + 1
		 WHERE msg_id = (
		     SELECT msg_id FROM `+c.queueTable+`
		     WHERE vt <= now()
		     ORDER BY msg_id
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING msg_id, message_json, enqueued_at`,
		newVT,
	).Scan(&msgID, &payloadJSON, &enqueuedAt)
	if err == sql.ErrNoRows {
		return QueuedJob{}, false, nil
	}
	if err != nil {
		return QueuedJob{}, false, apperr.Wrap(err, apperr.Transient, "dequeue message")
	}
	if err := tx.Commit(); err != nil {
		return QueuedJob{}, false, apperr.Wrap(err, apperr.Transient, "commit dequeue transaction")
	}

	var payload models.DeciderJobPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return QueuedJob{}, false, apperr.Wrap(err, apperr.DataCorruption, "decode queue message payload")
	}
	job, err := c.GetJob(ctx, payload.JobID)
	if err != nil {
		return QueuedJob{}, false, err
	}
	if job != nil && isTerminal(job.State) {
		// Phantom message left by a crash between UpdateStatus and DeleteMessage.
		if err := c.DeleteMessage(ctx, msgID); err != nil {
			return QueuedJob{}, false, err
		}
		return QueuedJob{}, false, nil
	}
	metrics.QueueWaitDurationSeconds.WithLabelValues(payload.Circuit).Observe(time.Since(enqueuedAt).Seconds())
	return QueuedJob{MessageID: msgID, Payload: payload}, true, nil
}

// UpdateStatus writes the job's terminal (or intermediate) state. Errors are
// truncated to models.TruncateError's cap before storage.
func (c *Client) UpdateStatus(ctx context.Context, jobID string, state models.JobState, result, errMsg *string, ttl time.Duration) (models.JobRecord, error) {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return models.JobRecord{}, err
	}
	if job == nil {
		return models.JobRecord{}, apperr.Newf(apperr.UserInput, "job %s not found", jobID).WithCode("job_not_found")
	}
	job.State = state
	job.Result = result
	if errMsg != nil {
		truncated := models.TruncateError(*errMsg)
		job.Error = &truncated
	} else {
		job.Error = nil
	}

	if err := c.saveJob(ctx, c.db, job, ttl, nil); err != nil {
		return models.JobRecord{}, err
	}
	return *job, nil
}

// DeleteMessage removes a queue message by id. Intentionally called only
// after UpdateStatus has committed: the two-step sequence is not atomic, so
// a crash between them leaves a terminal job with an orphaned message,
// which the next Enqueue/dequeue cycle observes as already-completed.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM `+c.queueTable+` WHERE msg_id = $1`, messageID)
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "delete queue message")
	}
	return nil
}

// ExtendVisibility pushes a message's visibility timestamp forward by the
// configured visibility timeout. It matches on msg_id alone and returns nil
// whether or not a row was updated, so it does not tell the caller that the
// message has already lost visibility or been redelivered to another worker;
// a late extension of a redelivered message also extends the new holder's
// deadline.
func (c *Client) ExtendVisibility(ctx context.Context, messageID int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE `+c.queueTable+` SET vt = $1 WHERE msg_id = $2`,
		time.Now().Add(c.visibilityTimeout), messageID,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "extend message visibility")
	}
	return nil
}

// VisibilityExtensionInterval is how often a lease-renewal heartbeat should
// call ExtendVisibility while a job is being processed.
func (c *Client) VisibilityExtensionInterval() time.Duration {
	return c.visibilityExtension
}

func (c *Client) purgeExpiredJob(ctx context.Context, tx *sql.Tx, jobID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM `+c.jobTable+` WHERE job_id = $1 AND expires_at <= now()`, jobID)
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "purge expired job")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		metrics.JobsExpiredPurgedTotal.Add(float64(n))
	}
	return nil
}

func (c *Client) insertJobIfAbsent(ctx context.Context, tx *sql.Tx, jobID, circuit string, ttl time.Duration) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO `+c.jobTable+` (job_id, circuit, state, message_id, expires_at)
		 VALUES ($1, $2, $3, NULL, now() + $4 * INTERVAL '1 second')
		 ON CONFLICT DO NOTHING`,
		jobID, circuit, models.JobQueued, ttl.Seconds(),
	)
	if err != nil {
		return false, apperr.Wrap(err, apperr.Transient, "insert job if absent")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(err, apperr.Transient, "read rows affected for job insert")
	}
	return n == 1, nil
}

func (c *Client) enqueueMessage(ctx context.Context, tx *sql.Tx, jobID string, payload models.DeciderJobPayload) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.UserInput, "marshal job payload")
	}
	var msgID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO `+c.queueTable+` (job_id, vt, message_json) VALUES ($1, now(), $2) RETURNING msg_id`,
		jobID, body,
	).Scan(&msgID)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Transient, "enqueue queue message")
	}
	return msgID, nil
}

func (c *Client) setMessageBinding(ctx context.Context, tx *sql.Tx, jobID string, messageID *int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE `+c.jobTable+` SET message_id = $2 WHERE job_id = $1`, jobID, messageID)
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "set message binding")
	}
	return nil
}

func (c *Client) refreshTTL(ctx context.Context, tx *sql.Tx, jobID string, ttl time.Duration) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE `+c.jobTable+` SET expires_at = now() + $2 * INTERVAL '1 second' WHERE job_id = $1`,
		jobID, ttl.Seconds(),
	)
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "refresh job ttl")
	}
	return nil
}

func (c *Client) messageExists(ctx context.Context, tx *sql.Tx, messageID int64) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+c.queueTable+` WHERE msg_id = $1 LIMIT 1`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.Transient, "check message existence")
	}
	return true, nil
}

// querier abstracts over *sql.DB and *sql.Tx for read-only helpers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Client) fetchJobForUpdate(ctx context.Context, q querier, jobID string) (models.JobRecord, bool, error) {
	forUpdate := ""
	if _, isTx := q.(*sql.Tx); isTx {
		forUpdate = " FOR UPDATE"
	}
	row := q.QueryRowContext(ctx,
		`SELECT job_id, circuit, state, message_id, result, error, created_at, updated_at, expires_at
		 FROM `+c.jobTable+` WHERE job_id = $1 AND expires_at > now()`+forUpdate,
		jobID,
	)

	var rec models.JobRecord
	err := row.Scan(&rec.JobID, &rec.Circuit, &rec.State, &rec.MessageID, &rec.Result, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return models.JobRecord{}, false, nil
	}
	if err != nil {
		return models.JobRecord{}, false, apperr.Wrap(err, apperr.Transient, "fetch job record")
	}
	return rec, true, nil
}

func (c *Client) saveJob(ctx context.Context, tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, job *models.JobRecord, ttl time.Duration, messageID *int64) error {
	var err error
	var res sql.Result
	if messageID == nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE `+c.jobTable+` SET state = $2, result = $3, error = $4, expires_at = now() + $5 * INTERVAL '1 second', updated_at = now()
			 WHERE job_id = $1`,
			job.JobID, job.State, job.Result, job.Error, ttl.Seconds(),
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE `+c.jobTable+` SET state = $2, result = $3, error = $4, expires_at = now() + $5 * INTERVAL '1 second', message_id = $6, updated_at = now()
			 WHERE job_id = $1`,
			job.JobID, job.State, job.Result, job.Error, ttl.Seconds(), *messageID,
		)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "save job state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(err, apperr.Transient, "read rows affected for job save")
	}
	if n == 0 {
		return apperr.Newf(apperr.UserInput, "job %s not found", job.JobID).WithCode("job_not_found")
	}
	return nil
}
