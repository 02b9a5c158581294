package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/idempotency"
	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/queue"
	"github.com/timmy/flowline/internal/storage"
)

const (
	// maxInputSize bounds the submitted payload.
	maxInputSize = 32 << 20 // 32 MiB

	// idempotencyTTL is how long a submission response is replayed for the
	// same Idempotency-Key.
	idempotencyTTL = 24 * time.Hour

	// presignExpiry bounds the result download URL lifetime.
	presignExpiry = 15 * time.Minute
)

// JobHandler handles job submission, status, result and cancellation.
type JobHandler struct {
	coord *coordinator.Coordinator
	blobs storage.ObjectStorage
	queue queue.TaskQueue
	idem  *idempotency.Cache
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - coord: job coordinator.
//   - blobs: object storage for input payloads.
//   - q: task queue feeding the workers.
//   - idem: idempotency cache; nil disables Idempotency-Key support.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(coord *coordinator.Coordinator, blobs storage.ObjectStorage, q queue.TaskQueue, idem *idempotency.Cache) *JobHandler {
	return &JobHandler{
		coord: coord,
		blobs: blobs,
		queue: q,
		idem:  idem,
	}
}

// createResponse is the submission receipt, also replayed for idempotent
// resubmissions.
type createResponse struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	CancelToken string    `json:"cancel_token"`
	StatusURL   string    `json:"status_url"`
	StreamURL   string    `json:"stream_url"`
}

// jsonSubmission is the application/json submission shape. Exactly one of
// IDs or Prefix is set depending on kind.
type jsonSubmission struct {
	Kind   string   `json:"kind"`
	IDs    []string `json:"ids,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// CreateJob handles POST /api/v1/jobs. Accepts multipart/form-data (fields
// kind + file) or application/json, with an optional Idempotency-Key header
// that makes resubmission return the original receipt.
func (h *JobHandler) CreateJob(c *gin.Context) {
	kind, input, err := h.readSubmission(c)
	if err != nil {
		writeError(c, err)
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey == "" || h.idem == nil {
		resp, err := h.submit(c, kind, input, "")
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}

	stored, cached, err := h.idem.GetOrCreate(c.Request.Context(), idemKey, idempotencyTTL, func(ctx context.Context) (string, error) {
		resp, submitErr := h.submit(c, kind, input, idemKey)
		if submitErr != nil {
			return "", submitErr
		}
		encoded, marshalErr := json.Marshal(resp)
		return string(encoded), marshalErr
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if cached {
		c.Header("Idempotent-Replay", "true")
	}
	c.Data(http.StatusAccepted, "application/json; charset=utf-8", []byte(stored))
}

// readSubmission extracts the job kind and raw input payload from either
// accepted content type.
func (h *JobHandler) readSubmission(c *gin.Context) (domain.JobKind, []byte, error) {
	contentType := c.ContentType()
	if contentType == "multipart/form-data" {
		kind := domain.JobKind(c.PostForm("kind"))
		if !kind.Valid() {
			return "", nil, domain.Validation("unknown job kind %q", c.PostForm("kind"))
		}
		file, err := c.FormFile("file")
		if err != nil {
			return "", nil, domain.Validation("multipart submission requires a file field")
		}
		if file.Size > maxInputSize {
			return "", nil, domain.Validation("input exceeds %d bytes", maxInputSize)
		}
		f, err := file.Open()
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		input, err := io.ReadAll(io.LimitReader(f, maxInputSize))
		if err != nil {
			return "", nil, err
		}
		return kind, input, nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInputSize))
	if err != nil {
		return "", nil, err
	}
	var sub jsonSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", nil, domain.Validation("invalid JSON submission: %v", err)
	}
	kind := domain.JobKind(sub.Kind)
	if !kind.Valid() {
		return "", nil, domain.Validation("unknown job kind %q", sub.Kind)
	}

	// Re-encode just the pipeline input so the blob does not carry the
	// submission envelope.
	var input []byte
	switch kind {
	case domain.JobKindEnrichment:
		if len(sub.IDs) == 0 {
			return "", nil, domain.Validation("enrichment submission requires ids")
		}
		input, err = json.Marshal(gin.H{"ids": sub.IDs})
	case domain.JobKindImageScan:
		if sub.Prefix == "" {
			return "", nil, domain.Validation("image scan submission requires a prefix")
		}
		input, err = json.Marshal(gin.H{"prefix": sub.Prefix})
	default:
		return "", nil, domain.Validation("kind %q requires a multipart file upload", kind)
	}
	if err != nil {
		return "", nil, err
	}
	return kind, input, nil
}

// submit creates the job, stores its input and enqueues it.
func (h *JobHandler) submit(c *gin.Context, kind domain.JobKind, input []byte, idemKey string) (*createResponse, error) {
	ctx := c.Request.Context()
	jobID := uuid.New().String()
	cancelToken := uuid.New().String()
	inputKey := fmt.Sprintf("inputs/%s", jobID)

	if err := h.blobs.Upload(ctx, inputKey, bytes.NewReader(input), int64(len(input)), "application/octet-stream"); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:          jobID,
		Kind:        kind,
		CancelToken: cancelToken,
		InputKey:    inputKey,
		IdemKey:     idemKey,
	}
	if err := h.coord.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := h.queue.Enqueue(ctx, []byte(jobID)); err != nil {
		// The job row exists but will never be picked up; fail it so the
		// client sees a terminal state instead of a stuck queue entry.
		logger.CtxError(ctx, "failed to enqueue job %s: %v", jobID, err)
		_ = h.coord.Fail(ctx, jobID, domain.Internal(err))
		return nil, err
	}

	logger.CtxInfo(ctx, "accepted %s job %s (%d input bytes)", kind, jobID, len(input))
	return &createResponse{
		JobID:       jobID,
		Kind:        string(kind),
		State:       string(domain.JobStateQueued),
		CreatedAt:   job.CreatedAt,
		CancelToken: cancelToken,
		StatusURL:   fmt.Sprintf("/api/v1/jobs/%s", jobID),
		StreamURL:   fmt.Sprintf("/api/v1/jobs/%s/events", jobID),
	}, nil
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.coord.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetResult handles GET /api/v1/jobs/:id/result. Returns a presigned URL
// for the result blob, or 404 once the reference has expired.
func (h *JobHandler) GetResult(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.coord.GetStatus(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if job.ResultKey == "" {
		writeError(c, domain.NotFound("result for job "+job.ID))
		return
	}
	if job.ResultExpiresAt != nil && time.Now().After(*job.ResultExpiresAt) {
		writeError(c, domain.NotFound("expired result for job "+job.ID))
		return
	}

	url, err := h.blobs.PresignGet(ctx, job.ResultKey, presignExpiry)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":     job.ID,
		"url":        url,
		"expires_at": time.Now().Add(presignExpiry),
	})
}

// CancelJob handles DELETE /api/v1/jobs/:id. The cancellation token issued
// at submission arrives in the X-Cancel-Token header.
func (h *JobHandler) CancelJob(c *gin.Context) {
	token := c.GetHeader("X-Cancel-Token")
	if token == "" {
		writeError(c, domain.Unauthorized("X-Cancel-Token header is required"))
		return
	}

	receipt, err := h.coord.Cancel(c.Request.Context(), c.Param("id"), token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// writeError maps a domain error onto the wire: status from the error
// kind, body with kind/message/retryable and a Retry-After header when the
// error carries one.
func writeError(c *gin.Context, err error) {
	appErr := domain.AsError(err)
	if appErr.RetryAfter > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", int(appErr.RetryAfter/time.Second)))
	}
	body := gin.H{
		"error":     appErr.Message,
		"kind":      string(appErr.Kind),
		"retryable": appErr.Retryable,
	}
	if appErr.RetryAfter > 0 {
		body["retry_after_sec"] = int(appErr.RetryAfter / time.Second)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), body)
}
