package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/queue"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	updates []fakeUpdate
	deleted []int64
}

type fakeUpdate struct {
	jobID  string
	state  models.JobState
	result *string
	errMsg *string
}

func (f *fakeQueue) WaitForJob(ctx context.Context) (queue.QueuedJob, error) {
	return queue.QueuedJob{}, errors.New("not used directly in these tests")
}

func (f *fakeQueue) UpdateStatus(ctx context.Context, jobID string, state models.JobState, result, errMsg *string, ttl time.Duration) (models.JobRecord, error) {
	f.updates = append(f.updates, fakeUpdate{jobID, state, result, errMsg})
	return models.JobRecord{JobID: jobID, State: state, Result: result, Error: errMsg}, nil
}

func (f *fakeQueue) DeleteMessage(ctx context.Context, messageID int64) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func newJob(t *testing.T, circuit string, proof []byte) queue.QueuedJob {
	t.Helper()
	return queue.QueuedJob{
		MessageID: 42,
		Payload: models.DeciderJobPayload{
			JobID:          "job-1",
			Circuit:        circuit,
			IVCProofBase64: base64.StdEncoding.EncodeToString(proof),
		},
	}
}

func TestProcessOnceHappyPath(t *testing.T) {
	hasher := ivc.PoseidonHash{}
	folding := &ivc.FakeFoldingScheme{Hasher: hasher}
	decider := &ivc.FakeDeciderScheme{}

	state, err := folding.ProveStep(context.Background(), nil, nil, false)
	require.NoError(t, err)

	q := &fakeQueue{}
	pool := &Pool{
		Queue:    q,
		Circuits: map[string]CircuitEngine{"mint": {Folding: folding, Decider: decider}},
		JobTTL:   time.Hour,
	}

	job := newJob(t, "mint", state)
	require.NoError(t, pool.processOnce(context.Background(), job))

	require.Len(t, q.updates, 2)
	require.Equal(t, models.JobProcessing, q.updates[0].state)
	require.Equal(t, models.JobCompleted, q.updates[1].state)
	require.NotNil(t, q.updates[1].result)
	require.Len(t, q.deleted, 1)
}

func TestProcessOnceRejectsInvalidBase64(t *testing.T) {
	q := &fakeQueue{}
	pool := &Pool{Queue: q, Circuits: map[string]CircuitEngine{}, JobTTL: time.Hour}

	job := queue.QueuedJob{
		MessageID: 1,
		Payload:   models.DeciderJobPayload{JobID: "job-2", Circuit: "mint", IVCProofBase64: "not-base64!!"},
	}
	require.NoError(t, pool.processOnce(context.Background(), job))

	require.Len(t, q.updates, 2)
	require.Equal(t, models.JobFailed, q.updates[1].state)
	require.Equal(t, "ivc_proof must be valid base64", *q.updates[1].errMsg)
}

func TestProcessOnceRejectsDisabledCircuit(t *testing.T) {
	q := &fakeQueue{}
	pool := &Pool{Queue: q, Circuits: map[string]CircuitEngine{}, JobTTL: time.Hour}

	job := newJob(t, "unknown_circuit", []byte("proof"))
	require.NoError(t, pool.processOnce(context.Background(), job))

	require.Equal(t, models.JobFailed, q.updates[1].state)
	require.Equal(t, "unknown_circuit circuit is disabled", *q.updates[1].errMsg)
}

func TestProcessOnceRejectsFailedVerification(t *testing.T) {
	hasher := ivc.PoseidonHash{}
	folding := &failingFolding{}
	decider := &ivc.FakeDeciderScheme{}
	_ = hasher

	q := &fakeQueue{}
	pool := &Pool{
		Queue:    q,
		Circuits: map[string]CircuitEngine{"mint": {Folding: folding, Decider: decider}},
		JobTTL:   time.Hour,
	}

	job := newJob(t, "mint", []byte("some-state"))
	require.NoError(t, pool.processOnce(context.Background(), job))

	require.Equal(t, models.JobFailed, q.updates[1].state)
	require.Contains(t, *q.updates[1].errMsg, "invalid IVC proof")
}

func TestDecodeBase64RejectsEmpty(t *testing.T) {
	_, err := decodeBase64("   ")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.UserInput))
}

// failingFolding always rejects verification, to exercise the worker's
// fatal data-corruption failure path.
type failingFolding struct{}

func (f *failingFolding) ProveStep(ctx context.Context, state, externalInput []byte, isDummy bool) ([]byte, error) {
	return nil, nil
}
func (f *failingFolding) Verify(ctx context.Context, state []byte) error {
	return errors.New("folding verification failed")
}
func (f *failingFolding) ExtractPublicState(state []byte) (hashChain, root [32]byte, index uint64, err error) {
	return hashChain, root, 0, nil
}
