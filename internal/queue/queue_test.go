package queue

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping queue integration test: TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueThenDequeueThenComplete(t *testing.T) {
	db := openTestDB(t)
	c := New(db, "decider_jobs_queue", "prover_jobs", 30*time.Second, 10*time.Second)
	ctx := context.Background()

	jobID := "job-" + time.Now().Format("150405.000000000")
	payload := models.DeciderJobPayload{JobID: jobID, Circuit: "mint", IVCProofBase64: "AAAA"}

	result, err := c.Enqueue(ctx, jobID, "mint", payload, time.Hour)
	require.NoError(t, err)
	require.True(t, result.Enqueued)
	require.Equal(t, models.JobQueued, result.Job.State)

	queued, err := c.WaitForJob(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, queued.Payload.JobID)

	resultStr := "ok"
	updated, err := c.UpdateStatus(ctx, jobID, models.JobCompleted, &resultStr, nil, time.Hour)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, updated.State)

	require.NoError(t, c.DeleteMessage(ctx, queued.MessageID))

	job, err := c.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, models.JobCompleted, job.State)
}

func TestEnqueueIsIdempotentForTerminalJob(t *testing.T) {
	db := openTestDB(t)
	c := New(db, "decider_jobs_queue", "prover_jobs", 30*time.Second, 10*time.Second)
	ctx := context.Background()

	jobID := "job-idem-" + time.Now().Format("150405.000000000")
	payload := models.DeciderJobPayload{JobID: jobID, Circuit: "transfer", IVCProofBase64: "AAAA"}

	_, err := c.Enqueue(ctx, jobID, "transfer", payload, time.Hour)
	require.NoError(t, err)

	resultStr := "done"
	_, err = c.UpdateStatus(ctx, jobID, models.JobCompleted, &resultStr, nil, time.Hour)
	require.NoError(t, err)

	second, err := c.Enqueue(ctx, jobID, "transfer", payload, time.Hour)
	require.NoError(t, err)
	require.False(t, second.Enqueued)
	require.Equal(t, models.JobCompleted, second.Job.State)
}

func TestExtendVisibilityPushesOutDeadline(t *testing.T) {
	db := openTestDB(t)
	c := New(db, "decider_jobs_queue", "prover_jobs", 30*time.Second, 10*time.Second)
	ctx := context.Background()

	jobID := "job-ext-" + time.Now().Format("150405.000000000")
	payload := models.DeciderJobPayload{JobID: jobID, Circuit: "mint", IVCProofBase64: "AAAA"}
	_, err := c.Enqueue(ctx, jobID, "mint", payload, time.Hour)
	require.NoError(t, err)

	queued, err := c.WaitForJob(ctx)
	require.NoError(t, err)

	require.NoError(t, c.ExtendVisibility(ctx, queued.MessageID))
}
