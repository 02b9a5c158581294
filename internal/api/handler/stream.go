package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/logger"
)

const (
	// sseRetryHint tells the client how long to wait before reconnecting.
	sseRetryHint = 3 * time.Second

	// heartbeatInterval keeps idle connections alive through proxies.
	heartbeatInterval = 15 * time.Second
)

// StreamHandler serves the SSE event stream.
type StreamHandler struct {
	coord *coordinator.Coordinator
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(coord *coordinator.Coordinator) *StreamHandler {
	return &StreamHandler{coord: coord}
}

// StreamEvents handles GET /api/v1/jobs/:id/events. The client's resume
// cursor comes from the standard Last-Event-ID header on reconnect, or a
// from_event_id query parameter on first connect. The stream ends after
// the terminal event.
func (h *StreamHandler) StreamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")

	fromEventID := parseCursor(c)
	sub, err := h.coord.Subscribe(ctx, jobID, fromEventID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, domain.Internal(fmt.Errorf("response writer does not support streaming")))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "retry: %d\n\n", sseRetryHint.Milliseconds())
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment line: ignored by EventSource, defeats idle timeouts.
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(c.Writer, event); err != nil {
				logger.CtxDebug(ctx, "sse write to job %s subscriber failed: %v", jobID, err)
				return
			}
			flusher.Flush()
			if event.Kind.Terminal() {
				return
			}
		}
	}
}

// parseCursor reads the resume cursor: Last-Event-ID header wins, then the
// from_event_id query parameter, then zero (full replay).
func parseCursor(c *gin.Context) int64 {
	for _, raw := range []string{c.GetHeader("Last-Event-ID"), c.Query("from_event_id")} {
		if raw == "" {
			continue
		}
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id >= 0 {
			return id
		}
	}
	return 0
}

// writeSSE frames one event: id, event name, JSON data.
func writeSSE(w gin.ResponseWriter, event domain.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data)
	return err
}
