package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
)

func dialWS(t *testing.T, srv *httptest.Server, jobID, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/" + jobID + "/ws"
	dialer := websocket.Dialer{
		Subprotocols:     []string{wsSubprotocol, wsTokenPrefix + token},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		assert.Equal(t, wsSubprotocol, resp.Header.Get("Sec-Websocket-Protocol"))
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "ready"}))
	var ack serverMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "ack", ack.Type, "no event may precede the ack")
}

func TestWSStreamAndCancelOverChannel(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.submitEnrichment(t, nil)
	resp := decodeCreate(t, rec)
	jobID := resp["job_id"].(string)
	token := resp["cancel_token"].(string)

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	conn := dialWS(t, srv, jobID, token)
	wsReady(t, conn)

	// The queued event is replayed first.
	var queued serverMessage
	require.NoError(t, conn.ReadJSON(&queued))
	require.Equal(t, "event", queued.Type)
	assert.Equal(t, domain.EventKindQueued, queued.Event.Kind)

	// Cancel inline; the token rides the subprotocol, not the message.
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel"}))

	// cancel_result and the canceled event both arrive; order between them
	// is not fixed.
	var sawReceipt, sawCanceled bool
	for i := 0; i < 2; i++ {
		var msg serverMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case "cancel_result":
			require.NotNil(t, msg.Receipt)
			assert.Equal(t, jobID, msg.Receipt.JobID)
			sawReceipt = true
		case "event":
			assert.Equal(t, domain.EventKindCanceled, msg.Event.Kind)
			sawCanceled = true
		}
	}
	assert.True(t, sawReceipt)
	assert.True(t, sawCanceled)

	// The server ends with a normal closure.
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSLateConnectToTerminalJob(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	require.NoError(t, rig.coord.Start(ctx, jobID, 1))
	require.NoError(t, rig.coord.Complete(ctx, jobID, &domain.Summary{TotalUnits: 1, SuccessUnits: 1}, "", time.Time{}))

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	conn := dialWS(t, srv, jobID, "")
	wsReady(t, conn)

	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "event", msg.Type)
	assert.Equal(t, domain.EventKindComplete, msg.Event.Kind)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSReconnectGetsSnapshot(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	require.NoError(t, rig.coord.Start(ctx, jobID, 4))
	require.NoError(t, rig.coord.RecordProgress(ctx, jobID, coordinator.ProgressDelta{Processed: 2, Succeeded: 2}))

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	first := dialWS(t, srv, jobID, "")
	wsReady(t, first)
	first.Close()

	// The server notices the drop asynchronously.
	require.Eventually(t, func() bool {
		rig.ws.mu.Lock()
		defer rig.ws.mu.Unlock()
		_, ok := rig.ws.dropped[jobID]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn := dialWS(t, srv, jobID, "")
	wsReady(t, conn)

	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "reconnected", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.EventKindResync, msg.Event.Kind)
	assert.Equal(t, float64(2), msg.Event.Payload["processed_units"])

	// Retained history still replays after the snapshot.
	var replayed serverMessage
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, "event", replayed.Type)
	assert.Equal(t, domain.EventKindQueued, replayed.Event.Kind)
}

func TestWSRejectsWithoutReady(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.submitEnrichment(t, nil)
	jobID := decodeCreate(t, rec)["job_id"].(string)

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	conn := dialWS(t, srv, jobID, "")
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel"}))

	var msg serverMessage
	err := conn.ReadJSON(&msg)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWSUnknownJob(t *testing.T) {
	rig := newAPIRig(t)
	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/ghost/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSCancelWithExplicitToken(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.submitEnrichment(t, nil)
	resp := decodeCreate(t, rec)
	jobID := resp["job_id"].(string)
	token := resp["cancel_token"].(string)

	srv := httptest.NewServer(rig.router)
	defer srv.Close()

	conn := dialWS(t, srv, jobID, "")
	wsReady(t, conn)

	var queued serverMessage
	require.NoError(t, conn.ReadJSON(&queued))

	// Wrong token in the message is refused and the stream stays up.
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel", Token: "wrong"}))
	var refused serverMessage
	require.NoError(t, conn.ReadJSON(&refused))
	require.Equal(t, "cancel_result", refused.Type)
	assert.NotEmpty(t, refused.Error)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel", Token: token}))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Contains(t, []string{"cancel_result", "event"}, msg.Type)
}
