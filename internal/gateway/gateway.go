// Package gateway implements SessionGateway (spec.md §4.5): accepts
// streaming connections, authenticates agents or admits customers,
// demultiplexes inbound frames to LifecycleManager, and pushes outbound
// frames — grounded on the teacher's
// internal/handlers/agent_websocket.go (HandleAgentConnection / readPump /
// writePump) and internal/websocket/agent_hub.go's connection bookkeeping.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/models"
	"github.com/chatdispatch/dispatcher/internal/registry"
	"github.com/chatdispatch/dispatcher/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Verifier authenticates an agent bearer token; satisfied by *auth.Verifier.
type Verifier interface {
	VerifyAgentToken(ctx context.Context, token string) (int64, error)
}

// Lifecycle is the subset of lifecycle.Manager the gateway drives.
type Lifecycle interface {
	HandleCustomerMessage(ctx context.Context, customerID int64, contentKind models.ContentKind, body string) error
	HandleAgentMessage(ctx context.Context, agentID, conversationID int64, contentKind models.ContentKind, body string) error
	HandleTyping(ctx context.Context, fromKind models.SenderKind, principalID, conversationID int64, typing bool) error
	HandleRead(ctx context.Context, fromKind models.SenderKind, principalID, conversationID int64) error
	Close(ctx context.Context, agentID, conversationID int64) error
	TryDrainWaitingFor(ctx context.Context, agentID int64) (int, error)
}

// Gateway wires an HTTP upgrade handler onto the Registry and LifecycleManager.
type Gateway struct {
	registry  *registry.Registry
	verifier  Verifier
	lifecycle Lifecycle
	store     *store.Store
}

func New(reg *registry.Registry, verifier Verifier, lifecycle Lifecycle, st *store.Store) *Gateway {
	return &Gateway{registry: reg, verifier: verifier, lifecycle: lifecycle, store: st}
}

// SetLifecycle binds the LifecycleManager after construction, for callers
// that must build the Gateway (as a Pusher) before the Manager can be built.
func (g *Gateway) SetLifecycle(lifecycle Lifecycle) {
	g.lifecycle = lifecycle
}

// inboundFrame is the wire shape accepted from either principal (spec.md §4.5).
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outboundFrame is the wire shape sent by the server.
type outboundFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// conn wraps a *websocket.Conn with the send queue / single-writer
// discipline from the teacher's agent_hub.go AgentConnection.
type conn struct {
	ws       *websocket.Conn
	send     chan outboundFrame
	handle   string
	closed   chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan outboundFrame, 64),
		handle: uuid.NewString(),
		closed: make(chan struct{}),
	}
}

func (c *conn) Handle() string { return c.handle }

func (c *conn) Established() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *conn) Kick(message string) {
	select {
	case c.send <- outboundFrame{Type: "kicked", Data: map[string]string{"message": message}}:
	default:
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		c.ws.Close()
	}()
}

func (c *conn) push(frameType string, data interface{}) {
	select {
	case c.send <- outboundFrame{Type: frameType, Data: data}:
	case <-c.closed:
	default:
		logger.Gateway().Warn().Str("type", frameType).Msg("send queue full, dropping frame")
	}
}

// PushToAgent implements lifecycle.Pusher.
func (g *Gateway) PushToAgent(agentID int64, frameType string, data interface{}) {
	s, ok := g.registry.LookupAgentSession(agentID)
	if !ok {
		return
	}
	if c, ok := s.(*conn); ok {
		c.push(frameType, data)
	}
}

// PushToCustomer implements lifecycle.Pusher.
func (g *Gateway) PushToCustomer(customerID int64, frameType string, data interface{}) {
	s, ok := g.registry.LookupCustomerSession(customerID)
	if !ok {
		return
	}
	if c, ok := s.(*conn); ok {
		c.push(frameType, data)
	}
}

// HandleConnection upgrades the HTTP request and demultiplexes handshake
// query params per spec.md §4.5/§6: type=agent|customer, token= or uuid=.
func (g *Gateway) HandleConnection(c *gin.Context) {
	connType := c.Query("type")
	log := logger.Gateway()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	switch connType {
	case "agent":
		g.handleAgentConnection(c.Request.Context(), ws, c.Query("token"))
	case "customer":
		g.handleCustomerConnection(c.Request.Context(), ws, c.Query("uuid"))
	default:
		ws.WriteJSON(outboundFrame{Type: "error", Data: map[string]string{"message": "unknown connection type"}})
		ws.Close()
	}
}

func (g *Gateway) handleAgentConnection(ctx context.Context, ws *websocket.Conn, token string) {
	log := logger.Gateway()
	agentID, err := g.verifier.VerifyAgentToken(ctx, token)
	if err != nil {
		ws.WriteJSON(outboundFrame{Type: "error", Data: map[string]string{"message": "unauthorized"}})
		ws.Close()
		return
	}

	session := newConn(ws)
	g.registry.BindAgent(agentID, session)
	log.Info().Int64("agent_id", agentID).Msg("agent connected")

	go g.writePump(session)
	session.push("connected", map[string]interface{}{"agent_id": agentID, "status": models.AgentOnline})

	if _, err := g.lifecycle.TryDrainWaitingFor(ctx, agentID); err != nil {
		log.Warn().Err(err).Int64("agent_id", agentID).Msg("initial drain failed")
	}

	g.readPumpAgent(ctx, ws, session, agentID)

	g.registry.UnbindBySession(session.handle)
	g.registry.SetStatus(agentID, models.AgentOffline)
	close(session.closed)
	log.Info().Int64("agent_id", agentID).Msg("agent disconnected")
}

func (g *Gateway) handleCustomerConnection(ctx context.Context, ws *websocket.Conn, customerUUID string) {
	log := logger.Gateway()
	customer, err := g.store.GetOrCreateCustomer(ctx, customerUUID)
	if err != nil {
		ws.WriteJSON(outboundFrame{Type: "error", Data: map[string]string{"message": "registration failed"}})
		ws.Close()
		return
	}

	session := newConn(ws)
	g.registry.BindCustomer(customer.ID, session)
	log.Info().Int64("customer_id", customer.ID).Msg("customer connected")

	go g.writePump(session)
	session.push("connected", map[string]interface{}{"customer_id": customer.ID})

	if conv, err := g.store.CurrentConversationForCustomer(ctx, customer.ID); err == nil && conv != nil {
		if unread, err := g.store.UnreadCount(ctx, conv.ID, models.SenderAgent); err == nil && unread > 0 {
			session.push("offline_messages", map[string]interface{}{"unread_count": unread})
		}
	}

	g.readPumpCustomer(ctx, ws, session, customer.ID)

	g.registry.UnbindBySession(session.handle)
	close(session.closed)
	log.Info().Int64("customer_id", customer.ID).Msg("customer disconnected")
}

// writePump writes queued outbound frames, one frame per write, from the
// single writer goroutine a *websocket.Conn requires, and sends periodic pings — mirrors the
// teacher's agent_hub.go writePump.
func (g *Gateway) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (g *Gateway) readPumpAgent(ctx context.Context, ws *websocket.Conn, session *conn, agentID int64) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log := logger.Gateway()
	for {
		var frame inboundFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			g.registry.Heartbeat(agentID)
			session.push("pong", nil)
		case "message":
			var data struct {
				ConversationID int64  `json:"conversation_id"`
				ContentKind    string `json:"content_kind"`
				Content        string `json:"content"`
			}
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				continue
			}
			kind := models.ContentText
			if data.ContentKind == string(models.ContentImage) {
				kind = models.ContentImage
			}
			if err := g.lifecycle.HandleAgentMessage(ctx, agentID, data.ConversationID, kind, data.Content); err != nil {
				log.Warn().Err(err).Msg("agent message handling failed")
			}
		case "typing":
			var data struct {
				ConversationID int64 `json:"conversation_id"`
				Typing         bool  `json:"typing"`
			}
			if err := json.Unmarshal(frame.Data, &data); err == nil {
				g.lifecycle.HandleTyping(ctx, models.SenderAgent, agentID, data.ConversationID, data.Typing)
			}
		case "read":
			var data struct {
				ConversationID int64 `json:"conversation_id"`
			}
			if err := json.Unmarshal(frame.Data, &data); err == nil {
				g.lifecycle.HandleRead(ctx, models.SenderAgent, agentID, data.ConversationID)
			}
		case "close_conversation":
			var data struct {
				ConversationID int64 `json:"conversation_id"`
			}
			if err := json.Unmarshal(frame.Data, &data); err == nil {
				if err := g.lifecycle.Close(ctx, agentID, data.ConversationID); err != nil {
					log.Debug().Err(err).Msg("close rejected")
				}
			}
		case "status":
			var data struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(frame.Data, &data); err == nil {
				st := models.AgentStatus(data.Status)
				g.registry.SetStatus(agentID, st)
				session.push("status_changed", map[string]interface{}{"status": st})
			}
		default:
			// unrecognized types are silently dropped (spec.md §4.5)
		}
	}
}

func (g *Gateway) readPumpCustomer(ctx context.Context, ws *websocket.Conn, session *conn, customerID int64) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log := logger.Gateway()
	for {
		var frame inboundFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			session.push("pong", nil)
		case "message":
			var data struct {
				ContentKind string `json:"content_kind"`
				Content     string `json:"content"`
			}
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				continue
			}
			kind := models.ContentText
			if data.ContentKind == string(models.ContentImage) {
				kind = models.ContentImage
			}
			if err := g.lifecycle.HandleCustomerMessage(ctx, customerID, kind, data.Content); err != nil {
				log.Warn().Err(err).Msg("customer message handling failed")
			}
		case "typing":
			var data struct {
				ConversationID int64 `json:"conversation_id"`
				Typing         bool  `json:"typing"`
			}
			if err := json.Unmarshal(frame.Data, &data); err == nil {
				g.lifecycle.HandleTyping(ctx, models.SenderCustomer, customerID, data.ConversationID, data.Typing)
			}
		case "read":
			var data struct {
				ConversationID int64 `json:"conversation_id"`
			}
			if err := json.Unmarshal(frame.Data, &data); err == nil {
				g.lifecycle.HandleRead(ctx, models.SenderCustomer, customerID, data.ConversationID)
			}
		default:
			// agent-only types (close_conversation, status) and anything
			// else are silently dropped when sent by a customer.
		}
	}
}
