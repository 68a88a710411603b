package topology

import (
	"log/slog"
	"time"

	"github.com/netsblox/cloud-topology/internal/metrics"
)

// RoleOccupant is one entry in a RoomState role's occupant list.
type RoleOccupant struct {
	ID   ClientID `json:"id"`
	Name string   `json:"name"`
}

// RoomStateRole is one role's slice of a RoomState snapshot.
type RoomStateRole struct {
	Name      string         `json:"name"`
	Occupants []RoleOccupant `json:"occupants"`
}

// RoomState is the snapshot broadcast to occupants whenever project
// membership or metadata changes.
type RoomState struct {
	ID            ProjectID                `json:"id"`
	Owner         string                   `json:"owner"`
	Name          string                   `json:"name"`
	Collaborators []string                 `json:"collaborators"`
	Version       int64                    `json:"version"`
	Roles         map[RoleID]RoomStateRole `json:"roles"`
}

// GetRoomState is a pure query: computes the current RoomState for a
// project from its metadata and live occupancy, or reports "not active" if
// no room currently exists.
func (t *Topology) GetRoomState(meta ProjectMetadata) (*RoomState, error) {
	t.mu.RLock()
	room, ok := t.rooms[meta.ID]
	if !ok {
		t.mu.RUnlock()
		return nil, ErrProjectNotActive
	}
	state := t.computeRoomStateLocked(meta, room)
	t.mu.RUnlock()
	return state, nil
}

// computeRoomStateLocked must be called with at least t.mu held for read.
// Every role from the metadata appears in the snapshot even when empty;
// occupant display names fall back to "guest" for unidentified clients.
// Version is the wall-clock second at computation time.
func (t *Topology) computeRoomStateLocked(meta ProjectMetadata, room *ProjectNetwork) *RoomState {
	roles := make(map[RoleID]RoomStateRole, len(meta.Roles))
	for roleID, rm := range meta.Roles {
		var occupants []RoleOccupant
		if occ, ok := room.Roles[roleID]; ok {
			for _, id := range occ.ids() {
				name := "guest"
				if c, ok := t.clients[id]; ok && c.Username != "" {
					name = c.Username
				}
				occupants = append(occupants, RoleOccupant{ID: id, Name: name})
			}
		}
		roles[roleID] = RoomStateRole{Name: rm.Name, Occupants: occupants}
	}

	return &RoomState{
		ID:            meta.ID,
		Owner:         meta.Owner,
		Name:          meta.Name,
		Collaborators: meta.Collaborators,
		Version:       time.Now().Unix(),
		Roles:         roles,
	}
}

// SendRoomState forces recomputation and broadcast for a project, used
// after REST mutations such as invite accept, role rename, or collaborator
// changes. It also refreshes the resolver's cache entry, since those same
// mutations are what invalidate it.
func (t *Topology) SendRoomState(meta ProjectMetadata) {
	t.UpdateProjectCache(meta)
	t.broadcastProject(meta)
}

// broadcastAll recomputes and broadcasts room-state for each affected
// project, looking up metadata through the project store. Best-effort: a
// lookup failure for one project does not block the others, and the
// triggering mutation is never rolled back.
func (t *Topology) broadcastAll(projects []ProjectID) {
	if t.store == nil {
		return
	}
	for _, p := range projects {
		meta, err := t.store.FindByID(t.ctx(), p)
		if err != nil || meta == nil {
			// Project deleted while occupants are still connected: the room
			// persists until the last client leaves, but broadcasts stop once
			// metadata can no longer be found.
			continue
		}
		t.broadcastProject(*meta)
	}
}

// broadcastProject sends the room-roles frame to every occupant of meta's
// room. No-op if no room exists.
func (t *Topology) broadcastProject(meta ProjectMetadata) {
	t.mu.RLock()
	room, ok := t.rooms[meta.ID]
	if !ok {
		t.mu.RUnlock()
		return
	}
	state := t.computeRoomStateLocked(meta, room)

	recipients := make(map[ClientID]*Client)
	for _, role := range room.Roles {
		for _, id := range role.ids() {
			if c, ok := t.clients[id]; ok {
				recipients[id] = c
			}
		}
	}
	t.mu.RUnlock()

	frame := map[string]any{
		"type":          "room-roles",
		"id":            state.ID,
		"owner":         state.Owner,
		"name":          state.Name,
		"collaborators": state.Collaborators,
		"roles":         state.Roles,
		"version":       state.Version,
	}

	metrics.RoomOccupants.WithLabelValues(string(meta.ID)).Set(float64(len(recipients)))

	for id, c := range recipients {
		if err := c.Send.Send(frame); err != nil {
			slog.Warn("room-state send failed, client will be reaped", "client_id", id, "project_id", meta.ID)
		}
	}

	if t.bus != nil {
		_ = t.bus.PublishProject(t.ctx(), string(meta.ID), "room-roles", frame, "")
	}
}
