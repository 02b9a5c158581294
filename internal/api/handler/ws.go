package handler

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/timmy/flowline/internal/api/middleware"
	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/logger"
)

const (
	// wsSubprotocol is the protocol name the server echoes back.
	wsSubprotocol = "flowline.v1"

	// wsTokenPrefix marks the subprotocol entry that smuggles the cancel
	// token, keeping it out of the URL and access logs.
	wsTokenPrefix = "token."

	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 15 * time.Second
	wsPongTimeout      = 40 * time.Second

	// wsReconnectGrace is how long after a dropped connection a new one to
	// the same job is treated as a resume and greeted with a snapshot.
	wsReconnectGrace = 30 * time.Second
)

// WSHandler serves the WebSocket event stream.
type WSHandler struct {
	coord    *coordinator.Coordinator
	upgrader websocket.Upgrader

	mu      sync.Mutex
	dropped map[string]time.Time
}

// NewWSHandler creates a new WebSocket handler honoring the CORS origin
// policy on upgrade.
func NewWSHandler(coord *coordinator.Coordinator, cors middleware.CORSConfig) *WSHandler {
	return &WSHandler{
		coord:   coord,
		dropped: make(map[string]time.Time),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			Subprotocols:     []string{wsSubprotocol},
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return middleware.IsOriginAllowed(origin, cors)
			},
		},
	}
}

// clientMessage is anything the client sends after the upgrade.
type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// serverMessage is the envelope for everything the server sends.
type serverMessage struct {
	Type    string                     `json:"type"`
	Event   *domain.ProgressEvent      `json:"event,omitempty"`
	Receipt *coordinator.CancelReceipt `json:"receipt,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// StreamWS handles GET /api/v1/jobs/:id/ws. Protocol: client sends
// {"type":"ready"}, server replies {"type":"ack"}, then events flow. The
// client may send {"type":"cancel","token":...} at any point to cancel the
// job inline; the token defaults to the one carried in the subprotocol
// list. A reconnect within the grace window is greeted with a status
// snapshot before live events resume. A terminal event ends the stream
// with a normal closure.
func (h *WSHandler) StreamWS(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")
	fromEventID := parseCursor(c)

	// Probe before upgrading so an unknown job is a clean 404, not a
	// failed upgrade.
	job, err := h.coord.GetStatus(ctx, jobID)
	if err != nil {
		writeError(c, err)
		return
	}

	subprotocolToken := tokenFromSubprotocols(websocket.Subprotocols(c.Request))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.CtxDebug(ctx, "websocket upgrade for job %s failed: %v", jobID, err)
		return
	}
	defer conn.Close()

	if !h.handshake(conn) {
		return
	}

	sub, err := h.coord.Subscribe(ctx, jobID, fromEventID)
	if err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, domain.AsError(err).Message)
		return
	}
	defer sub.Close()

	// A connection lost mid-stream usually comes straight back. Greet the
	// resumed client with a status snapshot so it can reconcile before the
	// live stream picks up again.
	if !job.State.Terminal() && h.takeResumed(jobID) {
		snap, err := h.coord.Snapshot(ctx, jobID)
		if err == nil && !h.send(conn, serverMessage{Type: "reconnected", Event: &snap}) {
			return
		}
	}

	streamDone := false
	defer func() {
		if !streamDone {
			h.noteDropped(jobID)
		}
	}()

	// The reader goroutine owns inbound traffic; cancel requests come back
	// to the writer loop through outbound so writes stay single-threaded.
	outbound := make(chan serverMessage, 8)
	readerDone := make(chan struct{})
	go h.readLoop(c, conn, jobID, subprotocolToken, outbound, readerDone)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-outbound:
			if !h.send(conn, msg) {
				return
			}
		case event, open := <-sub.Events():
			if !open {
				streamDone = true
				h.closeWith(conn, websocket.CloseNormalClosure, "stream complete")
				return
			}
			if !h.send(conn, serverMessage{Type: "event", Event: &event}) {
				return
			}
			if event.Kind.Terminal() {
				streamDone = true
				// An inline cancel races its receipt against the canceled
				// event; give the receipt a moment to land before closing.
				h.drainOutbound(conn, outbound)
				h.closeWith(conn, websocket.CloseNormalClosure, "job "+string(event.Kind))
				return
			}
		}
	}
}

// handshake waits for the client's ready message and acks it. No event is
// sent before the ack.
func (h *WSHandler) handshake(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	var msg clientMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "ready" {
		h.closeWith(conn, websocket.ClosePolicyViolation, "expected ready message")
		return false
	}
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	return h.send(conn, serverMessage{Type: "ack"})
}

// readLoop consumes client messages until the connection drops. Cancel
// requests are executed inline and their results handed to the writer.
func (h *WSHandler) readLoop(c *gin.Context, conn *websocket.Conn, jobID, defaultToken string, outbound chan<- serverMessage, done chan<- struct{}) {
	defer close(done)
	ctx := c.Request.Context()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		switch msg.Type {
		case "cancel":
			token := msg.Token
			if token == "" {
				token = defaultToken
			}
			receipt, err := h.coord.Cancel(ctx, jobID, token)
			if err != nil {
				outbound <- serverMessage{Type: "cancel_result", Error: domain.AsError(err).Message}
				continue
			}
			outbound <- serverMessage{Type: "cancel_result", Receipt: receipt}
		default:
			// Unknown message types are ignored rather than fatal so the
			// protocol can grow.
		}
	}
}

// noteDropped remembers that a live stream for jobID ended without reaching
// a terminal event, starting the reconnect grace window.
func (h *WSHandler) noteDropped(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, at := range h.dropped {
		if time.Since(at) > wsReconnectGrace {
			delete(h.dropped, id)
		}
	}
	h.dropped[jobID] = time.Now()
}

// takeResumed reports whether jobID dropped a connection within the grace
// window, consuming the record so only the first reconnect is greeted.
func (h *WSHandler) takeResumed(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.dropped[jobID]
	if !ok {
		return false
	}
	delete(h.dropped, jobID)
	return time.Since(at) <= wsReconnectGrace
}

func (h *WSHandler) drainOutbound(conn *websocket.Conn, outbound <-chan serverMessage) {
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case msg := <-outbound:
			if !h.send(conn, msg) {
				return
			}
		case <-timeout:
			return
		}
	}
}

func (h *WSHandler) send(conn *websocket.Conn, msg serverMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg) == nil
}

func (h *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// tokenFromSubprotocols pulls the cancel token out of the offered
// subprotocol list.
func tokenFromSubprotocols(protocols []string) string {
	for _, p := range protocols {
		if strings.HasPrefix(p, wsTokenPrefix) {
			return strings.TrimPrefix(p, wsTokenPrefix)
		}
	}
	return ""
}
