package topology

import "container/list"

// roleOccupants holds the ClientIds currently occupying one role, in join
// order. container/list gives O(1) removal given the element handle.
type roleOccupants struct {
	order *list.List
	index map[ClientID]*list.Element
}

func newRoleOccupants() *roleOccupants {
	return &roleOccupants{
		order: list.New(),
		index: make(map[ClientID]*list.Element),
	}
}

func (r *roleOccupants) add(id ClientID) {
	if _, ok := r.index[id]; ok {
		return
	}
	r.index[id] = r.order.PushBack(id)
}

func (r *roleOccupants) remove(id ClientID) {
	if el, ok := r.index[id]; ok {
		r.order.Remove(el)
		delete(r.index, id)
	}
}

func (r *roleOccupants) contains(id ClientID) bool {
	_, ok := r.index[id]
	return ok
}

func (r *roleOccupants) empty() bool {
	return r.order.Len() == 0
}

func (r *roleOccupants) ids() []ClientID {
	ids := make([]ClientID, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(ClientID))
	}
	return ids
}

// ProjectNetwork is the live occupancy table for one project ("room"). It
// exists in Topology.rooms iff at least one role has at least one occupant.
type ProjectNetwork struct {
	ID    ProjectID
	Roles map[RoleID]*roleOccupants
}

func newProjectNetwork(id ProjectID) *ProjectNetwork {
	return &ProjectNetwork{ID: id, Roles: make(map[RoleID]*roleOccupants)}
}

// addOccupant joins id to role, creating the role's occupant list if needed.
func (p *ProjectNetwork) addOccupant(role RoleID, id ClientID) {
	occ, ok := p.Roles[role]
	if !ok {
		occ = newRoleOccupants()
		p.Roles[role] = occ
	}
	occ.add(id)
}

// removeOccupant drops id from role and prunes the role entry if it becomes
// empty. Returns true if the project network itself is now empty (no role
// has any occupant), signalling the caller should delete the room.
func (p *ProjectNetwork) removeOccupant(role RoleID, id ClientID) bool {
	occ, ok := p.Roles[role]
	if !ok {
		return p.empty()
	}
	occ.remove(id)
	if occ.empty() {
		delete(p.Roles, role)
	}
	return p.empty()
}

func (p *ProjectNetwork) empty() bool {
	return len(p.Roles) == 0
}
