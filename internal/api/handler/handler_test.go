package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/timmy/flowline/internal/api/middleware"
	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/idempotency"
	"github.com/timmy/flowline/internal/queue"
	"github.com/timmy/flowline/internal/repository"
	"github.com/timmy/flowline/internal/storage"
)

var testDBSeq atomic.Int64

// fakeQueue records enqueued job IDs.
type fakeQueue struct {
	mu     sync.Mutex
	bodies []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, body []byte) error {
	q.mu.Lock()
	q.bodies = append(q.bodies, string(body))
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (q *fakeQueue) Ack(ctx context.Context, msg *queue.Message) error  { return nil }
func (q *fakeQueue) Nack(ctx context.Context, msg *queue.Message) error { return nil }
func (q *fakeQueue) Close() error                                       { return nil }

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.bodies...)
}

// memIdemStore is an in-memory idempotency.Store.
type memIdemStore struct {
	mu      sync.Mutex
	records map[string]string
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{records: make(map[string]string)}
}

func (s *memIdemStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.records[key]
	return val, ok, nil
}

func (s *memIdemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = value
	return true, nil
}

func (s *memIdemStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.records[key] = value
	s.mu.Unlock()
	return nil
}

func (s *memIdemStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

type apiRig struct {
	router *gin.Engine
	coord  *coordinator.Coordinator
	blobs  *storage.MemoryStorage
	queue  *fakeQueue
	ws     *WSHandler
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handler_test_%d?mode=memory&cache=shared", testDBSeq.Inc())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Job{}, &domain.ProgressEvent{}))

	coord := coordinator.New(repository.NewJobRepository(db), repository.NewEventRepository(db), nil, nil, coordinator.Config{
		RetentionSuccess: time.Hour,
		RetentionFailed:  time.Hour,
	})
	blobs := storage.NewMemoryStorage()
	q := &fakeQueue{}

	jobHandler := NewJobHandler(coord, blobs, q, idempotency.NewCache(newMemIdemStore()))
	streamHandler := NewStreamHandler(coord)
	wsHandler := NewWSHandler(coord, middleware.CORSConfig{AllowAllOrigins: true})

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/jobs", jobHandler.CreateJob)
	v1.GET("/jobs/:id", jobHandler.GetJob)
	v1.GET("/jobs/:id/result", jobHandler.GetResult)
	v1.DELETE("/jobs/:id", jobHandler.CancelJob)
	v1.GET("/jobs/:id/events", streamHandler.StreamEvents)
	v1.GET("/jobs/:id/ws", wsHandler.StreamWS)

	return &apiRig{router: r, coord: coord, blobs: blobs, queue: q, ws: wsHandler}
}

func (rig *apiRig) submitEnrichment(t *testing.T, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"kind":"enrichment","ids":["9780134190440","0262510871"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)
	return rec
}

func decodeCreate(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", NewHealthHandler().Health)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "flowline", body["service"])
	assert.Contains(t, body, "uptime_sec")
}

func TestCreateJobJSON(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.submitEnrichment(t, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeCreate(t, rec)
	jobID := resp["job_id"].(string)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, "queued", resp["state"])
	assert.Equal(t, "/api/v1/jobs/"+jobID, resp["status_url"])
	assert.Equal(t, "/api/v1/jobs/"+jobID+"/events", resp["stream_url"])
	assert.NotEmpty(t, resp["cancel_token"])

	assert.Equal(t, []string{jobID}, rig.queue.enqueued())
	ok, err := rig.blobs.Exists(context.Background(), "inputs/"+jobID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateJobMultipart(t *testing.T) {
	rig := newAPIRig(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("kind", "csv_import"))
	fw, err := mw.CreateFormFile("file", "books.csv")
	require.NoError(t, err)
	fmt.Fprint(fw, "title,author,isbn\nSICP,Abelson,0262510871\n")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeCreate(t, rec)
	assert.Equal(t, "csv_import", resp["kind"])
}

func TestCreateJobRejectsBadSubmissions(t *testing.T) {
	rig := newAPIRig(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"nope","ids":["1"]}`},
		{"enrichment without ids", `{"kind":"enrichment"}`},
		{"image scan without prefix", `{"kind":"image_scan"}`},
		{"csv via json", `{"kind":"csv_import"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			rig.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, rig.queue.enqueued())
}

func TestIdempotentResubmission(t *testing.T) {
	rig := newAPIRig(t)
	headers := map[string]string{"Idempotency-Key": "retry-abc"}

	first := rig.submitEnrichment(t, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := rig.submitEnrichment(t, headers)
	require.Equal(t, http.StatusAccepted, second.Code)

	assert.Equal(t, decodeCreate(t, first)["job_id"], decodeCreate(t, second)["job_id"])
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.Len(t, rig.queue.enqueued(), 1, "replay must not enqueue again")
}

func TestGetJob(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	statusRec := httptest.NewRecorder()
	rig.router.ServeHTTP(statusRec, req)

	require.Equal(t, http.StatusOK, statusRec.Code)
	var job map[string]interface{}
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &job))
	assert.Equal(t, "queued", job["state"])
	assert.NotContains(t, job, "cancel_token", "token must never leak through status")
}

func TestGetJobNotFound(t *testing.T) {
	rig := newAPIRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.submitEnrichment(t, nil)
	resp := decodeCreate(t, rec)
	jobID := resp["job_id"].(string)
	token := resp["cancel_token"].(string)

	// Wrong token is rejected.
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	req.Header.Set("X-Cancel-Token", "wrong")
	wrongRec := httptest.NewRecorder()
	rig.router.ServeHTTP(wrongRec, req)
	assert.Equal(t, http.StatusUnauthorized, wrongRec.Code)

	// Missing token is rejected before touching the job.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	noneRec := httptest.NewRecorder()
	rig.router.ServeHTTP(noneRec, req)
	assert.Equal(t, http.StatusUnauthorized, noneRec.Code)

	// The issued token cancels.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	req.Header.Set("X-Cancel-Token", token)
	okRec := httptest.NewRecorder()
	rig.router.ServeHTTP(okRec, req)
	require.Equal(t, http.StatusOK, okRec.Code)

	var receipt coordinator.CancelReceipt
	require.NoError(t, json.Unmarshal(okRec.Body.Bytes(), &receipt))
	assert.Equal(t, jobID, receipt.JobID)
	assert.False(t, receipt.AlreadyTerminal)
}

func TestGetResult(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	// No result yet.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/result", nil)
	notYet := httptest.NewRecorder()
	rig.router.ServeHTTP(notYet, req)
	assert.Equal(t, http.StatusNotFound, notYet.Code)

	// Land the job with a result blob.
	resultKey := "results/" + jobID + ".json"
	require.NoError(t, rig.blobs.Upload(ctx, resultKey, strings.NewReader("[]"), 2, "application/json"))
	require.NoError(t, rig.coord.Start(ctx, jobID, 2))
	require.NoError(t, rig.coord.Complete(ctx, jobID, &domain.Summary{TotalUnits: 2, SuccessUnits: 2}, resultKey, time.Now().Add(time.Hour)))

	ready := httptest.NewRecorder()
	rig.router.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/result", nil))
	require.Equal(t, http.StatusOK, ready.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(ready.Body.Bytes(), &body))
	assert.NotEmpty(t, body["url"])
}

func TestGetResultExpired(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	resultKey := "results/" + jobID + ".json"
	require.NoError(t, rig.blobs.Upload(ctx, resultKey, strings.NewReader("[]"), 2, "application/json"))
	require.NoError(t, rig.coord.Start(ctx, jobID, 1))
	require.NoError(t, rig.coord.Complete(ctx, jobID, &domain.Summary{}, resultKey, time.Now().Add(-time.Minute)))

	gone := httptest.NewRecorder()
	rig.router.ServeHTTP(gone, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/result", nil))
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

// readSSE collects SSE frames from a live response until the stream ends.
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

func readSSE(t *testing.T, body *bufio.Reader, max int) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for len(frames) < max {
		line, err := body.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Event != "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	return frames
}

func TestSSELateSubscribeGetsTerminalOnly(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	require.NoError(t, rig.coord.Start(ctx, jobID, 2))
	require.NoError(t, rig.coord.RecordProgress(ctx, jobID, coordinator.ProgressDelta{Processed: 2, Succeeded: 2}))
	require.NoError(t, rig.coord.Complete(ctx, jobID, &domain.Summary{TotalUnits: 2, SuccessUnits: 2}, "", time.Time{}))

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := readSSE(t, bufio.NewReader(resp.Body), 10)
	require.Len(t, frames, 1)
	assert.Equal(t, "complete", frames[0].Event)
	assert.Equal(t, "4", frames[0].ID)
}

func TestSSEReplayThenLive(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)
	token := decodeCreate(t, rec)["cancel_token"].(string)

	require.NoError(t, rig.coord.Start(ctx, jobID, 4))
	require.NoError(t, rig.coord.RecordProgress(ctx, jobID, coordinator.ProgressDelta{Processed: 2, Succeeded: 2}))

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1") // already saw queued
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	frames := readSSE(t, reader, 2)
	require.Len(t, frames, 2)
	assert.Equal(t, "started", frames[0].Event)
	assert.Equal(t, "progress", frames[1].Event)

	// Cancel while the stream is attached; the canceled event arrives live
	// and the stream closes.
	_, err = rig.coord.Cancel(ctx, jobID, token)
	require.NoError(t, err)

	final := readSSE(t, reader, 1)
	require.Len(t, final, 1)
	assert.Equal(t, "canceled", final[0].Event)
	assert.Equal(t, "4", final[0].ID)
}
