package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/pkg/types"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out a little more often.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxInboundSize bounds a single client message. Permission responses
	// can carry edited tool input, so this is generous.
	maxInboundSize = 1 << 20

	// sendBuffer is the per-connection outbound queue. A client that
	// cannot drain it in time is disconnected and must resume.
	sendBuffer = 256
)

// Inbound message types accepted from clients.
const (
	inStartOrResume         = "start_or_resume"
	inSendMessage           = "send_message"
	inSendToSession         = "send_to_session"
	inRespondToPermission   = "respond_to_permission"
	inAbort                 = "abort"
	inSetPermissionMode     = "set_permission_mode"
	inSetAllowedTools       = "set_allowed_tools"
	inSetGlobalAllowedTools = "set_global_allowed_tools"
)

// inboundMessage is one client action. Exactly the fields for its Type are
// read.
type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID,omitempty"`

	// start_or_resume
	WorkingDir         string               `json:"workingDir,omitempty"`
	ResumeToken        string               `json:"resumeToken,omitempty"`
	Fork               bool                 `json:"fork,omitempty"`
	PermissionMode     types.PermissionMode `json:"permissionMode,omitempty"`
	ClientMessageCount int                  `json:"clientMessageCount,omitempty"`

	// send_message / send_to_session
	Content string `json:"content,omitempty"`

	// respond_to_permission
	InvocationID string         `json:"invocationID,omitempty"`
	Allow        bool           `json:"allow,omitempty"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Remember     bool           `json:"remember,omitempty"`
	Global       bool           `json:"global,omitempty"`

	// set_allowed_tools / set_global_allowed_tools
	Patterns []string `json:"patterns,omitempty"`
}

// Hub tracks live websocket connections by id and implements the
// orchestrator's Transport. Sessions outlive connections; the hub only
// routes, it holds no session state.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*wsConn
	orch  *orchestrator.Orchestrator
}

// NewHub creates an empty connection hub. SetOrchestrator must be called
// before the first connection is accepted.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*wsConn)}
}

// SetOrchestrator wires the hub to the orchestrator. The two reference each
// other, so one side is connected after construction.
func (h *Hub) SetOrchestrator(orch *orchestrator.Orchestrator) {
	h.orch = orch
}

// Send implements orchestrator.Transport. An unknown or backlogged
// connection is an error; the orchestrator treats delivery as best-effort
// and the client recovers through the resume protocol.
func (h *Hub) Send(connectionID string, msg orchestrator.OutboundMessage) error {
	h.mu.Lock()
	conn := h.conns[connectionID]
	h.mu.Unlock()
	if conn == nil {
		return errors.New("connection not found")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.enqueue(data)
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// CloseAll disconnects every client, typically during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// wsConn is one client connection. Reads and writes each run on their own
// pump goroutine; everything outbound goes through the send channel.
type wsConn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	// mu guards send against a concurrent close; enqueue never writes to
	// a closed channel.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// enqueue queues one outbound frame. A connection that cannot keep up with
// its event stream is dropped; the client recovers by resuming.
func (c *wsConn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closed = true
		close(c.send)
		logging.Warn().Str("connectionID", c.id).Msg("dropping slow connection")
		return errors.New("connection send buffer full")
	}
}

// handleWS upgrades the request and runs the connection pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		hub:  s.hub,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
	s.hub.register(c)
	logging.Info().Str("connectionID", c.id).Msg("client connected")

	go c.writePump()
	c.readPump(r.Context())
}

// readPump reads client actions until the connection dies. It runs on the
// handler goroutine.
func (c *wsConn) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.ws.Close()
		logging.Info().Str("connectionID", c.id).Msg("client disconnected")
	}()

	c.ws.SetReadLimit(maxInboundSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("connectionID", c.id).Msg("websocket read failed")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn().Err(err).Str("connectionID", c.id).Msg("malformed client message")
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// writePump flushes the send channel and keeps the connection alive with
// pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one client action to the orchestrator.
func (c *wsConn) dispatch(ctx context.Context, msg inboundMessage) {
	orch := c.hub.orch

	switch msg.Type {
	case inStartOrResume:
		if msg.SessionID == "" {
			return
		}
		orch.StartOrResume(ctx, orchestrator.StartRequest{
			SessionID:          msg.SessionID,
			ConnectionID:       c.id,
			WorkingDir:         msg.WorkingDir,
			ResumeToken:        msg.ResumeToken,
			Fork:               msg.Fork,
			PermissionMode:     msg.PermissionMode,
			ClientMessageCount: msg.ClientMessageCount,
		})
	case inSendMessage:
		orch.SendMessage(ctx, msg.SessionID, msg.Content)
	case inSendToSession:
		if err := orch.SendMessageToSession(ctx, msg.SessionID, msg.Content); err != nil {
			logging.Warn().Err(err).Str("sessionID", msg.SessionID).Msg("cross-session message failed")
		}
	case inRespondToPermission:
		orch.RespondToPermission(ctx, msg.SessionID, msg.InvocationID, permission.Resolution{
			Allow:        msg.Allow,
			Message:      msg.Message,
			UpdatedInput: msg.UpdatedInput,
			Remember:     msg.Remember,
			Global:       msg.Global,
		})
	case inAbort:
		orch.Abort(ctx, msg.SessionID)
	case inSetPermissionMode:
		if !types.ValidPermissionMode(string(msg.PermissionMode)) {
			logging.Warn().Str("mode", string(msg.PermissionMode)).Msg("invalid permission mode")
			return
		}
		orch.SetPermissionMode(ctx, msg.SessionID, msg.PermissionMode)
	case inSetAllowedTools:
		orch.SetAllowedTools(ctx, msg.SessionID, msg.Patterns)
	case inSetGlobalAllowedTools:
		orch.SetGlobalAllowedTools(msg.Patterns)
	default:
		logging.Warn().Str("type", msg.Type).Str("connectionID", c.id).Msg("unknown client message type")
	}
}
