package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/internal/middleware"
	"github.com/jamie-anson/project-beacon-runner/internal/queue"
	"github.com/jamie-anson/project-beacon-runner/internal/recovery"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// ProverAPI serves the job-submission surface over the durable queue:
// /healthz, POST /jobs, GET /jobs/{id}.
type ProverAPI struct {
	Queue           *queue.Client
	EnabledCircuits map[string]bool
	JobTTL          time.Duration
}

func NewProverAPI(q *queue.Client, enabledCircuits map[string]bool, jobTTL time.Duration) *ProverAPI {
	return &ProverAPI{Queue: q, EnabledCircuits: enabledCircuits, JobTTL: jobTTL}
}

func (a *ProverAPI) Router(requestTimeout time.Duration) *gin.Engine {
	r := gin.New()
	r.Use(recovery.PanicRecoveryMiddleware())
	r.Use(recovery.TimeoutMiddleware(requestTimeout))
	r.Use(metrics.GinMiddleware())
	r.Use(middleware.ErrorHandler())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/jobs", a.handleSubmitJob)
	r.GET("/jobs/:id", a.handleGetJob)
	return r
}

type submitJobRequest struct {
	JobID        string `json:"job_id" binding:"required"`
	Circuit      string `json:"circuit" binding:"required"`
	IVCProofB64  string `json:"ivc_proof" binding:"required"`
}

type submitJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleSubmitJob enqueues a compressed IVC proof for asynchronous
// verification and folding by the decider worker pool. Enqueue is
// idempotent on job_id: resubmitting an in-flight or completed job_id
// returns its current state rather than double-processing it.
func (a *ProverAPI) handleSubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.Wrap(err, apperr.UserInput, "malformed job submission").WithCode("invalid_request"))
		return
	}
	if !a.EnabledCircuits[req.Circuit] {
		_ = c.Error(apperr.Newf(apperr.UserInput, "%s circuit is disabled", req.Circuit).WithCode("unknown_circuit"))
		return
	}

	payload := models.DeciderJobPayload{
		JobID:          req.JobID,
		Circuit:        req.Circuit,
		IVCProofBase64: req.IVCProofB64,
	}

	result, err := a.Queue.Enqueue(c.Request.Context(), req.JobID, req.Circuit, payload, a.JobTTL)
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	message := "job already accepted"
	if result.Enqueued {
		status = http.StatusAccepted
		message = "job accepted"
	}
	c.JSON(status, submitJobResponse{
		JobID:   result.Job.JobID,
		Status:  string(result.Job.State),
		Message: message,
	})
}

type jobStatusResponse struct {
	JobID   string  `json:"job_id"`
	Circuit string  `json:"circuit"`
	Status  string  `json:"status"`
	Result  *string `json:"result,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// handleGetJob returns the current state of a previously submitted job,
// 404 if job_id was never seen or has since been garbage-collected by TTL.
func (a *ProverAPI) handleGetJob(c *gin.Context) {
	jobID := c.Param("id")
	record, err := a.Queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "error_code": "job_not_found"})
		return
	}
	c.JSON(http.StatusOK, jobStatusResponse{
		JobID:   record.JobID,
		Circuit: record.Circuit,
		Status:  string(record.State),
		Result:  record.Result,
		Error:   record.Error,
	})
}
