// Package rest exposes the topology's REST-driven command surface as thin
// gin handlers: each route adapts one HTTP request to one Topology method
// call and maps typed errors to status codes. The full NetsBlox CRUD API
// (users, groups, libraries, galleries) lives elsewhere; only the commands
// that touch live network state are served here.
package rest

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netsblox/cloud-topology/internal/logging"
	"github.com/netsblox/cloud-topology/internal/topology"
)

// Handler adapts HTTP requests to Topology method calls.
type Handler struct {
	topology *topology.Topology
	store    topology.ProjectStore
}

func NewHandler(t *topology.Topology, store topology.ProjectStore) *Handler {
	return &Handler{topology: t, store: store}
}

// RegisterRoutes mounts the command surface onto group. Rooms and clients
// get distinct prefixes so their path parameters never collide.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/rooms", h.getActiveRooms)
	group.GET("/rooms/:project/state", h.getRoomState)
	group.POST("/rooms/:project/state", h.sendRoomState)
	group.POST("/rooms/:project/activate", h.activateRoom)
	group.POST("/rooms/:project/traces", h.startTrace)
	group.POST("/rooms/:project/traces/:id/stop", h.stopTrace)
	group.GET("/rooms/:project/traces/:id", h.getTrace)
	group.DELETE("/rooms/:project/traces/:id", h.deleteTrace)

	group.GET("/clients/:client", h.getClientInfo)
	group.GET("/clients/:client/state", h.getClientState)
	group.GET("/clients/:client/username", h.getClientUsername)
	group.POST("/clients/:client/state", h.setClientState)
	group.POST("/clients/:client/username", h.setClientUsername)
	group.POST("/clients/:client/evict", h.evictOccupant)
	group.POST("/clients/:client/invite", h.sendOccupantInvite)
	group.POST("/clients/:client/role-data", h.requestRoleData)

	group.GET("/external", h.getExternalClients)
	group.GET("/online", h.getOnlineUsers)
	group.POST("/messages", h.sendMessage)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, topology.ErrClientNotFound),
		errors.Is(err, topology.ErrUnknownAddress),
		errors.Is(err, topology.ErrProjectNotActive),
		errors.Is(err, topology.ErrTraceNotFound):
		return http.StatusNotFound
	case errors.Is(err, topology.ErrTooManyOpenTraces):
		return http.StatusConflict
	case errors.Is(err, topology.ErrRoleDataTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	logging.Error(c.Request.Context(), "topology command failed", zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// loadProject fetches metadata for the :project param, replying 404 itself
// when the project is unknown. Returns nil after writing the response.
func (h *Handler) loadProject(c *gin.Context) *topology.ProjectMetadata {
	projectID := topology.ProjectID(c.Param("project"))
	meta, err := h.store.FindByID(c.Request.Context(), projectID)
	if err != nil {
		h.fail(c, err)
		return nil
	}
	if meta == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return nil
	}
	return meta
}

func (h *Handler) getActiveRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.topology.GetActiveRooms()})
}

// getRoomState returns the live RoomState snapshot, or 404 if the project
// has no occupants.
func (h *Handler) getRoomState(c *gin.Context) {
	meta := h.loadProject(c)
	if meta == nil {
		return
	}
	state, err := h.topology.GetRoomState(*meta)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// sendRoomState forces recomputation and broadcast of room-state, used
// after mutations elsewhere in the cloud: invite accept, role rename,
// collaborator changes.
func (h *Handler) sendRoomState(c *gin.Context) {
	meta := h.loadProject(c)
	if meta == nil {
		return
	}
	h.topology.SendRoomState(*meta)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) activateRoom(c *gin.Context) {
	if err := h.topology.ActivateRoom(topology.ProjectID(c.Param("project"))); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getClientInfo(c *gin.Context) {
	info, ok := h.topology.GetClientInfo(topology.ClientID(c.Param("client")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown client"})
		return
	}
	body := gin.H{"id": info.ID}
	if info.Username != "" {
		body["username"] = info.Username
	}
	if state, ok := h.topology.GetClientState(info.ID); ok {
		body["state"] = state
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) getClientState(c *gin.Context) {
	state, ok := h.topology.GetClientState(topology.ClientID(c.Param("client")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown client"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) getClientUsername(c *gin.Context) {
	username, ok := h.topology.GetClientUsername(topology.ClientID(c.Param("client")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown client"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username})
}

// setClientStateBody selects one of the two state variants: project+role
// for a browser occupant, address+appId for an external client.
type setClientStateBody struct {
	ProjectID string `json:"projectId"`
	RoleID    string `json:"roleId"`
	Address   string `json:"address"`
	AppID     string `json:"appId"`
}

func (h *Handler) setClientState(c *gin.Context) {
	clientID := topology.ClientID(c.Param("client"))
	var body setClientStateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var state topology.ClientState
	switch {
	case body.ProjectID != "" && body.RoleID != "":
		state = topology.BrowserState(topology.ProjectID(body.ProjectID), topology.RoleID(body.RoleID))
	case body.Address != "" && body.AppID != "":
		state = topology.ExternalState(body.Address, topology.AppID(strings.ToLower(body.AppID)))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either projectId+roleId or address+appId is required"})
		return
	}

	h.topology.SetClientState(clientID, state)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) setClientUsername(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.topology.SetClientUsername(topology.ClientID(c.Param("client")), body.Username)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) evictOccupant(c *gin.Context) {
	h.topology.EvictOccupant(topology.ClientID(c.Param("client")))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) sendOccupantInvite(c *gin.Context) {
	var body struct {
		Inviter string `json:"inviter" binding:"required"`
		Project string `json:"project" binding:"required"`
		Invite  any    `json:"invite"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target := topology.ClientID(c.Param("client"))
	if err := h.topology.SendOccupantInvite(target, body.Inviter, body.Project, body.Invite); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestRoleData asks the client for its live role XML and blocks until
// the response or the configured timeout.
func (h *Handler) requestRoleData(c *gin.Context) {
	data, err := h.topology.RequestRoleData(c.Request.Context(), topology.ClientID(c.Param("client")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roleData": data})
}

func (h *Handler) getExternalClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.topology.GetExternalClients()})
}

func (h *Handler) getOnlineUsers(c *gin.Context) {
	q := strings.ToLower(c.Query("q"))
	var filter func(string) bool
	if q != "" {
		filter = func(username string) bool {
			return strings.Contains(strings.ToLower(username), q)
		}
	}
	c.JSON(http.StatusOK, gin.H{"users": h.topology.GetOnlineUsers(filter)})
}

// sendMessage routes a message on behalf of a server-side caller, the same
// fan-out a client's own message frame takes.
func (h *Handler) sendMessage(c *gin.Context) {
	var body struct {
		Source    string   `json:"source"`
		Addresses []string `json:"addresses" binding:"required"`
		MsgType   string   `json:"msgType" binding:"required"`
		Content   any      `json:"content"`
		ProjectID string   `json:"projectId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := topology.SendMessageRequest{
		Source:    topology.ClientID(body.Source),
		Addresses: body.Addresses,
		MsgType:   body.MsgType,
		Content:   body.Content,
	}
	if body.ProjectID != "" {
		p := topology.ProjectID(body.ProjectID)
		req.ProjectID = &p
	}
	h.topology.SendMessage(req)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) startTrace(c *gin.Context) {
	meta := h.loadProject(c)
	if meta == nil {
		return
	}
	// The body is optional; with no trace id supplied the server mints one.
	var body struct {
		TraceID string `json:"traceId"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if body.TraceID == "" {
		body.TraceID = uuid.NewString()
	}
	if err := h.topology.StartTrace(meta.ID, body.TraceID, time.Now()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"traceId": body.TraceID})
}

func (h *Handler) stopTrace(c *gin.Context) {
	projectID := topology.ProjectID(c.Param("project"))
	if err := h.topology.StopTrace(projectID, c.Param("id"), time.Now()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getTrace(c *gin.Context) {
	meta := h.loadProject(c)
	if meta == nil {
		return
	}
	traceID := c.Param("id")

	var trace *topology.NetworkTrace
	for _, tr := range meta.NetworkTraces {
		if tr.ID == traceID {
			t := tr
			trace = &t
			break
		}
	}
	if trace == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}

	messages, err := h.topology.FetchTrace(meta.ID, *trace)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) deleteTrace(c *gin.Context) {
	projectID := topology.ProjectID(c.Param("project"))
	if err := h.topology.DeleteTrace(projectID, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
