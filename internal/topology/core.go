package topology

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/netsblox/cloud-topology/internal/bus"
	"github.com/netsblox/cloud-topology/internal/metrics"
)

// Config bundles Topology's constructor parameters.
type Config struct {
	Store            ProjectStore
	Messages         MessageStore
	Bus              *bus.Service
	ProjectCacheSize int
	ProjectCacheTTL  time.Duration
	RoleDataTimeout  time.Duration
	TraceMaxOpen     int
}

// Topology is the single owner of all live connection, room, and external
// network state. Every mutating method holds t.mu for its full body, then
// (outside the lock) triggers a best-effort room-state broadcast for any
// project whose occupancy changed. Serialising mutations through one lock
// keeps the occupancy tables and the states map consistent with each other
// at every observable point.
type Topology struct {
	mu       sync.RWMutex
	clients  map[ClientID]*Client
	rooms    map[ProjectID]*ProjectNetwork
	external *ExternalNetwork
	states   map[ClientID]ClientState

	roleData *roleDataRegistry

	projectCache *expirable.LRU[string, cachedProject]
	store        ProjectStore
	messages     MessageStore
	bus          *bus.Service

	roleDataTimeout time.Duration
	traceMaxOpen    int
}

// New constructs a Topology. Store and Messages may be nil, in which case
// address resolution against the netsblox app and trace recording become
// no-ops (useful for tests exercising only client/room bookkeeping).
func New(cfg Config) *Topology {
	size := cfg.ProjectCacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.ProjectCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	timeout := cfg.RoleDataTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxOpen := cfg.TraceMaxOpen
	if maxOpen <= 0 {
		maxOpen = 5
	}

	return &Topology{
		clients:         make(map[ClientID]*Client),
		rooms:           make(map[ProjectID]*ProjectNetwork),
		external:        newExternalNetwork(),
		states:          make(map[ClientID]ClientState),
		roleData:        newRoleDataRegistry(),
		projectCache:    expirable.NewLRU[string, cachedProject](size, nil, ttl),
		store:           cfg.Store,
		messages:        cfg.Messages,
		bus:             cfg.Bus,
		roleDataTimeout: timeout,
		traceMaxOpen:    maxOpen,
	}
}

func (t *Topology) ctx() context.Context {
	return context.Background()
}

// AddClient registers a new connection. Idempotent on repeat ids: the prior
// client with the same id is removed first, then the new one is registered.
func (t *Topology) AddClient(id ClientID, send Sender) {
	t.mu.Lock()
	var affected []ProjectID
	_, replaced := t.clients[id]
	if replaced {
		affected = t.removeClientLocked(id)
	}
	t.clients[id] = &Client{ID: id, Send: send}
	t.mu.Unlock()

	t.broadcastAll(affected)

	if !replaced {
		metrics.IncConnection()
	}
	slog.Info("client registered", "client_id", id)
}

// RemoveClient clears a client's state and registry entry, broadcasting
// room-state for any project the client vacates.
func (t *Topology) RemoveClient(id ClientID) {
	t.mu.Lock()
	_, known := t.clients[id]
	affected := t.removeClientLocked(id)
	metrics.ActiveRooms.Set(float64(len(t.rooms)))
	t.mu.Unlock()

	if known {
		metrics.DecConnection()
	}
	t.broadcastAll(affected)
	slog.Info("client removed", "client_id", id)
}

// removeClientLocked does the work of RemoveClient under t.mu and returns
// the set of projects whose room-state should be rebroadcast.
func (t *Topology) removeClientLocked(id ClientID) []ProjectID {
	t.roleData.cancelClient(id)

	state, hadState := t.states[id]
	delete(t.states, id)
	delete(t.clients, id)

	var affected []ProjectID
	if hadState {
		affected = t.clearStateLocked(id, state)
	}
	return affected
}

// clearStateLocked removes id from whatever slot `state` describes, without
// touching t.states (the caller owns that). Returns affected project ids.
func (t *Topology) clearStateLocked(id ClientID, state ClientState) []ProjectID {
	switch state.Kind {
	case StateBrowser:
		room, ok := t.rooms[state.ProjectID]
		if !ok {
			return nil
		}
		if room.removeOccupant(state.RoleID, id) {
			delete(t.rooms, state.ProjectID)
			// Retire the per-project gauge label with the room, or
			// short-lived projects accumulate label cardinality forever.
			metrics.RoomOccupants.DeleteLabelValues(string(state.ProjectID))
		}
		return []ProjectID{state.ProjectID}
	case StateExternal:
		t.external.unbind(state.AppID, state.Address, id)
	}
	return nil
}

// SetClientUsername updates the logical identity behind a socket. Emits
// room-state if the client currently occupies a room, since occupant
// display names change.
func (t *Topology) SetClientUsername(id ClientID, username string) {
	t.mu.Lock()
	c, ok := t.clients[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	c.Username = username
	state := t.states[id]
	t.mu.Unlock()

	if state.Kind == StateBrowser {
		t.broadcastAll([]ProjectID{state.ProjectID})
	}
}

// SetClientState atomically transitions a client's state: any prior slot is
// fully cleared before the new one is installed. Unknown client ids are
// ignored. Broadcasts room-state for every affected project once the
// transition has committed.
func (t *Topology) SetClientState(id ClientID, state ClientState) {
	t.mu.Lock()
	if _, ok := t.clients[id]; !ok {
		t.mu.Unlock()
		return
	}

	var affected []ProjectID
	if prior, ok := t.states[id]; ok {
		affected = append(affected, t.clearStateLocked(id, prior)...)
	}

	switch state.Kind {
	case StateBrowser:
		room, ok := t.rooms[state.ProjectID]
		if !ok {
			room = newProjectNetwork(state.ProjectID)
			t.rooms[state.ProjectID] = room
		}
		room.addOccupant(state.RoleID, id)
		affected = append(affected, state.ProjectID)
	case StateExternal:
		t.external.bind(state.AppID, state.Address, id)
	}

	t.states[id] = state
	metrics.ActiveRooms.Set(float64(len(t.rooms)))
	t.mu.Unlock()

	t.broadcastAll(dedupeProjects(affected))
}

// EvictOccupant sends a structured eviction frame then removes the client.
func (t *Topology) EvictOccupant(id ClientID) {
	t.mu.RLock()
	c, ok := t.clients[id]
	t.mu.RUnlock()
	if ok {
		_ = c.Send.Send(map[string]any{"type": "eviction"})
	}
	t.RemoveClient(id)
}

// GetClientInfo returns a copy of the registry entry for id.
func (t *Topology) GetClientInfo(id ClientID) (Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

func (t *Topology) GetClientUsername(id ClientID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	if !ok {
		return "", false
	}
	return c.Username, true
}

func (t *Topology) GetClientState(id ClientID) (ClientState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	return s, ok
}

// GetActiveRooms lists every project with at least one live occupant.
func (t *Topology) GetActiveRooms() []ProjectID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProjectID, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	return out
}

// GetExternalClients lists every (app, address) -> client binding.
func (t *Topology) GetExternalClients() []ExternalClient {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.external.all()
}

// GetOnlineUsers lists every registered client with a non-empty username,
// optionally filtered by a caller-supplied predicate.
func (t *Topology) GetOnlineUsers(filter func(username string) bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, c := range t.clients {
		if c.Username == "" {
			continue
		}
		if filter != nil && !filter(c.Username) {
			continue
		}
		out = append(out, c.Username)
	}
	return out
}

// ActivateRoom bumps a project's save state out of Created so it is not
// garbage-collected while occupied.
func (t *Topology) ActivateRoom(id ProjectID) error {
	if t.store == nil {
		return nil
	}
	return t.store.ActivateRoom(t.ctx(), id)
}

func dedupeProjects(in []ProjectID) []ProjectID {
	if len(in) < 2 {
		return in
	}
	seen := make(map[ProjectID]struct{}, len(in))
	out := in[:0]
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
