package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netsblox/cloud-topology/internal/auth"
	"github.com/netsblox/cloud-topology/internal/logging"
	"github.com/netsblox/cloud-topology/internal/metrics"
	"github.com/netsblox/cloud-topology/internal/topology"
)

// TokenValidator authenticates the query-string JWT carried on the upgrade
// request.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// ConnectionLimiter gates new WebSocket connections; nil disables limiting.
type ConnectionLimiter interface {
	AllowConnection(c *gin.Context) bool
	AllowUserConnection(ctx context.Context, userID string) error
}

// Hub upgrades incoming HTTP requests to WebSocket connections and wires
// each new Client into the Topology. A connection joins the global client
// registry at upgrade time; its project/role is only chosen once the
// client sends a state-setting frame.
type Hub struct {
	topology       *topology.Topology
	validator      TokenValidator
	limiter        ConnectionLimiter
	allowedOrigins []string
	pingInterval   time.Duration
}

func NewHub(t *topology.Topology, validator TokenValidator, limiter ConnectionLimiter, allowedOrigins []string, pingInterval time.Duration) *Hub {
	return &Hub{
		topology:       t,
		validator:      validator,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		pingInterval:   pingInterval,
	}
}

// ServeWs authenticates the connection, upgrades it, registers the client
// with the topology, and starts its read/write pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.AllowConnection(c) {
		return
	}

	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.limiter != nil {
		if err := h.limiter.AllowUserConnection(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for user"})
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := topology.ClientID(clientIDFromClaims(claims, c.Query("clientId")))

	client := NewClient(clientID, conn, h, h.pingInterval)
	h.topology.AddClient(clientID, client)
	if username := displayName(claims, c.Query("username")); username != "" {
		h.topology.SetClientUsername(clientID, username)
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// clientIDFromClaims prefers an explicit browser-generated id (so a
// reconnect keeps the same ClientID) and falls back to the JWT subject.
func clientIDFromClaims(claims *auth.Claims, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return claims.Subject
}

func displayName(claims *auth.Claims, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return claims.DisplayName()
}

// HandleDisconnect implements Router: a socket closing always removes the
// client from the topology exactly once.
func (h *Hub) HandleDisconnect(client topology.ClientID) {
	h.topology.RemoveClient(client)
}

// HandleMessage implements Router: dispatches one inbound frame to the
// corresponding topology command. Unknown frame types are dropped.
func (h *Hub) HandleMessage(client topology.ClientID, frame InboundFrame) {
	metrics.WebsocketEvents.WithLabelValues(frame.Type, "received").Inc()

	switch frame.Type {
	case "message":
		h.handleAddressedMessage(client, frame)
	case "client-message":
		h.handleDirectMessage(client, frame)
	case "user-action":
		h.handleUserAction(client, frame)
	case "project-response":
		h.handleProjectResponse(client, frame)
	case "request-actions":
		// Action history belongs to an external collaborator; the topology
		// itself has nothing to replay.
	case "ping":
		h.handlePing(client)
	default:
		logging.Warn(nil, "dropping frame with unknown type", zap.String("type", frame.Type), zap.String("client_id", string(client)))
	}
}

// handlePing answers an application-level ping with an application-level
// pong on the same socket.
func (h *Hub) handlePing(client topology.ClientID) {
	info, ok := h.topology.GetClientInfo(client)
	if !ok {
		return
	}
	_ = info.Send.Send(map[string]any{"type": "pong"})
}

func (h *Hub) handleAddressedMessage(client topology.ClientID, frame InboundFrame) {
	var addrs []string
	if err := json.Unmarshal(frame.DstID, &addrs); err != nil {
		var single string
		if err := json.Unmarshal(frame.DstID, &single); err != nil {
			return
		}
		addrs = []string{single}
	}

	var projectID *topology.ProjectID
	if state, ok := h.topology.GetClientState(client); ok && state.Kind == topology.StateBrowser {
		p := state.ProjectID
		projectID = &p
	}

	h.topology.SendMessage(topology.SendMessageRequest{
		Source:    client,
		Addresses: addrs,
		MsgType:   frame.MsgType,
		Content:   frame.Content,
		ProjectID: projectID,
	})
}

// handleDirectMessage pushes content straight to the given recipient
// ClientIds, bypassing address resolution entirely.
func (h *Hub) handleDirectMessage(_ topology.ClientID, frame InboundFrame) {
	for _, id := range frame.Recipients {
		info, ok := h.topology.GetClientInfo(id)
		if !ok {
			continue
		}
		_ = info.Send.Send(map[string]any{
			"type":    "message",
			"dstId":   id,
			"msgType": frame.MsgType,
			"content": frame.Content,
		})
	}
}

// handleUserAction fans the action out to the sender's co-editors: every
// other occupant of the sender's current (project, role).
func (h *Hub) handleUserAction(client topology.ClientID, frame InboundFrame) {
	h.topology.BroadcastUserAction(client, frame.Content)
}

func (h *Hub) handleProjectResponse(_ topology.ClientID, frame InboundFrame) {
	id, err := uuid.Parse(frame.ID)
	if err != nil {
		return
	}
	var payload any
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &payload)
	}
	_ = h.topology.HandleRoleDataResponse(id, payload)
}
