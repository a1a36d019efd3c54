// Package worker implements the decider worker pool: goroutines that drain
// internal/queue, verify a folded IVC proof against the folding scheme, and
// compress it into a decider (succinct) proof via the DeciderScheme.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/internal/queue"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// QueueClient is the subset of *queue.Client the worker pool drives; an
// interface here lets tests substitute an in-memory fake instead of a real
// Postgres connection.
type QueueClient interface {
	WaitForJob(ctx context.Context) (queue.QueuedJob, error)
	UpdateStatus(ctx context.Context, jobID string, state models.JobState, result, errMsg *string, ttl time.Duration) (models.JobRecord, error)
	DeleteMessage(ctx context.Context, messageID int64) error
}

// Pool owns a fixed number of worker goroutines draining a shared queue
// client. Circuits maps a circuit tag to the folding/decider schemes
// compiled for it; a circuit absent from this map (or not present in the
// enabled set) fails jobs with a disabled-circuit error.
type Pool struct {
	Queue    QueueClient
	Circuits map[string]CircuitEngine
	JobTTL   time.Duration
	Count    int
}

// CircuitEngine bundles the folding/decider schemes compiled for one circuit
// tag (mint, transfer, withdraw_local, ...).
type CircuitEngine struct {
	Folding ivc.FoldingScheme
	Decider ivc.DeciderScheme
}

// Run blocks until ctx is cancelled, running Count worker goroutines.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, id int) {
	log := logging.FromContext(ctx).With().Int("worker_id", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.Queue.WaitForJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("worker error waiting for job")
			time.Sleep(time.Second)
			continue
		}

		if err := p.processOnce(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.Payload.JobID).Msg("worker error processing job")
			time.Sleep(time.Second)
		}
	}
}

// processOnce runs the documented seven-step per-job flow:
//  1. transition to Processing
//  2. decode base64 IVC proof
//  3. look up the circuit's compiled engine
//  4. verify the IVC proof against the folding scheme
//  5. compress to a decider proof, pinned to an OS thread for the CPU-bound step
//  6. transition to Completed with the result payload
//  7. delete the queue message
func (p *Pool) processOnce(ctx context.Context, job queue.QueuedJob) error {
	log := logging.FromContext(ctx)
	jobID := job.Payload.JobID
	circuit := job.Payload.Circuit
	start := time.Now()

	log.Info().Str("job_id", jobID).Str("circuit", circuit).Msg("job started")

	if _, err := p.Queue.UpdateStatus(ctx, jobID, models.JobProcessing, nil, nil, p.JobTTL); err != nil {
		return fmt.Errorf("transition job %s to processing: %w", jobID, err)
	}

	proofBytes, err := decodeBase64(job.Payload.IVCProofBase64)
	if err != nil {
		reason := err.Error()
		if appErr, ok := err.(*apperr.AppError); ok {
			reason = appErr.Message
		}
		return p.fail(ctx, job, start, reason)
	}

	engine, ok := p.Circuits[circuit]
	if !ok {
		return p.fail(ctx, job, start, fmt.Sprintf("%s circuit is disabled", circuit))
	}

	if err := engine.Folding.Verify(ctx, proofBytes); err != nil {
		return p.fail(ctx, job, start, fmt.Sprintf("invalid IVC proof: %s", err))
	}

	deciderProof, err := compressPinned(ctx, engine.Decider, circuit, proofBytes)
	if err != nil {
		return p.fail(ctx, job, start, fmt.Sprintf("decider compression failed: %s", err))
	}

	resultB64 := base64.StdEncoding.EncodeToString(deciderProof)
	if _, err := p.Queue.UpdateStatus(ctx, jobID, models.JobCompleted, &resultB64, nil, p.JobTTL); err != nil {
		return fmt.Errorf("transition job %s to completed: %w", jobID, err)
	}
	if err := p.Queue.DeleteMessage(ctx, job.MessageID); err != nil {
		return fmt.Errorf("delete queue message for job %s: %w", jobID, err)
	}

	metrics.JobsProcessedTotal.Inc()
	metrics.WorkerJobDurationSeconds.WithLabelValues(circuit, "completed").Observe(time.Since(start).Seconds())
	log.Info().Str("job_id", jobID).Str("circuit", circuit).Msg("job completed")
	return nil
}

func (p *Pool) fail(ctx context.Context, job queue.QueuedJob, start time.Time, reason string) error {
	truncated := models.TruncateError(reason)
	logging.FromContext(ctx).Error().
		Str("job_id", job.Payload.JobID).
		Str("circuit", job.Payload.Circuit).
		Str("reason", truncated).
		Msg("job failed")

	if _, err := p.Queue.UpdateStatus(ctx, job.Payload.JobID, models.JobFailed, nil, &truncated, p.JobTTL); err != nil {
		return fmt.Errorf("transition job %s to failed: %w", job.Payload.JobID, err)
	}
	if err := p.Queue.DeleteMessage(ctx, job.MessageID); err != nil {
		return fmt.Errorf("delete queue message for failed job %s: %w", job.Payload.JobID, err)
	}

	metrics.JobsFailedTotal.Inc()
	metrics.WorkerJobDurationSeconds.WithLabelValues(job.Payload.Circuit, "failed").Observe(time.Since(start).Seconds())
	return nil
}

// compressPinned pins the calling goroutine to its OS thread for the
// duration of the CPU-bound decider compression step, matching the Nova
// folding implementation's expectation of a dedicated thread.
func compressPinned(ctx context.Context, decider ivc.DeciderScheme, circuit string, proof []byte) ([]byte, error) {
	resultCh := make(chan struct {
		proof []byte
		err   error
	}, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		proof, err := decider.Compress(ctx, circuit, proof)
		resultCh <- struct {
			proof []byte
			err   error
		}{proof, err}
	}()
	result := <-resultCh
	return result.proof, result.err
}

func decodeBase64(input string) ([]byte, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, apperr.New(apperr.UserInput, "ivc_proof payload is empty").WithCode("ivc_proof_empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, apperr.New(apperr.UserInput, "ivc_proof must be valid base64").WithCode("ivc_proof_invalid_base64")
	}
	return decoded, nil
}
