package topology

import (
	"strings"

	"k8s.io/utils/set"
)

// parsedAddress is the result of parsing a symbolic message address:
//
//	address := head '@' user-id (sp+ appspec)*
//	head    := [role-name '@'] project-name
//	appspec := '#' app-id
//
// The string is split on the last '@'; the user-id run stops at the first
// whitespace or '#'; every subsequent whitespace/'#'-delimited run becomes
// a lowercased app id. With no app ids, the address targets the browser
// editor app.
type parsedAddress struct {
	Head   string // "project-name" or "role-name@project-name"
	UserID string
	AppIDs []AppID
}

// roleName returns the role-name portion of Head, if one was given.
func (p parsedAddress) roleName() (string, bool) {
	if i := strings.LastIndex(p.Head, "@"); i >= 0 {
		return p.Head[:i], true
	}
	return "", false
}

// projectName returns the project-name portion of Head.
func (p parsedAddress) projectName() string {
	if i := strings.LastIndex(p.Head, "@"); i >= 0 {
		return p.Head[i+1:]
	}
	return p.Head
}

func parseAddress(addr string) parsedAddress {
	at := strings.LastIndex(addr, "@")
	head := addr
	rest := ""
	if at >= 0 {
		head = addr[:at]
		rest = addr[at+1:]
	}

	userID := rest
	var appSpecs string
	if idx := strings.IndexAny(rest, " \t#"); idx >= 0 {
		userID = rest[:idx]
		appSpecs = rest[idx:]
	}

	var appIDs []AppID
	for _, tok := range strings.FieldsFunc(appSpecs, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '#'
	}) {
		if tok == "" {
			continue
		}
		appIDs = append(appIDs, AppID(strings.ToLower(tok)))
	}

	if len(appIDs) == 0 {
		appIDs = []AppID{defaultAppID}
	}

	return parsedAddress{Head: head, UserID: userID, AppIDs: appIDs}
}

// cachedProject is the value stored in the address-resolution cache: a
// project id plus a display-name -> RoleID map, derived from metadata.
type cachedProject struct {
	ProjectID  ProjectID
	RoleByName map[string]RoleID
}

func ownerNameKey(owner, name string) string {
	return owner + "\x00" + name
}

func cacheEntry(meta *ProjectMetadata) cachedProject {
	roleByName := make(map[string]RoleID, len(meta.Roles))
	for id, rm := range meta.Roles {
		roleByName[rm.Name] = id
	}
	return cachedProject{ProjectID: meta.ID, RoleByName: roleByName}
}

// UpdateProjectCache refreshes the resolver's derived (owner, name) entry
// after a persisted change to the project: rename, role create/delete, or
// role rename. External collaborators call this whenever they write project
// metadata; entries also age out on their TTL as a second invalidation
// path.
func (t *Topology) UpdateProjectCache(meta ProjectMetadata) {
	t.projectCache.Add(ownerNameKey(meta.Owner, meta.Name), cacheEntry(&meta))
}

// InvalidateProject drops the cached entry for (owner, name), used when a
// project is renamed away from that name or deleted.
func (t *Topology) InvalidateProject(owner, name string) {
	t.projectCache.Remove(ownerNameKey(owner, name))
}

// lookupProject resolves (owner, name) via the cache, falling through to
// the project store on a miss.
func (t *Topology) lookupProject(owner, name string) (*cachedProject, *ProjectMetadata, error) {
	key := ownerNameKey(owner, name)
	if cached, ok := t.projectCache.Get(key); ok {
		meta, err := t.store.FindByID(t.ctx(), cached.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		return &cached, meta, nil
	}

	meta, err := t.store.FindByOwnerName(t.ctx(), owner, name)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil {
		return nil, nil, nil
	}

	cp := cacheEntry(meta)
	t.projectCache.Add(key, cp)
	return &cp, meta, nil
}

// resolveOne resolves a single address string to a deduplicated, first-seen
// order slice of client ids.
func (t *Topology) resolveOne(addr string) []ClientID {
	parsed := parseAddress(addr)
	seen := make(map[ClientID]struct{})
	var out []ClientID

	add := func(id ClientID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, app := range parsed.AppIDs {
		if app == defaultAppID {
			t.resolveBrowserAddress(parsed, add)
			continue
		}

		key := parsed.Head + "@" + parsed.UserID
		t.mu.RLock()
		id, ok := t.external.lookup(app, key)
		t.mu.RUnlock()
		if ok {
			add(id)
		}
	}

	return out
}

// resolveBrowserAddress resolves the browser-app branch of an address,
// invoking add for each occupant client id found. A missing project or an
// unknown role name contributes zero clients.
func (t *Topology) resolveBrowserAddress(parsed parsedAddress, add func(ClientID)) {
	if t.store == nil {
		return
	}

	cached, meta, err := t.lookupProject(parsed.UserID, parsed.projectName())
	if err != nil || cached == nil || meta == nil {
		return
	}

	// Either the single named role, or every role the metadata names.
	roleIDs := set.New[RoleID]()
	if roleName, ok := parsed.roleName(); ok {
		rid, ok := cached.RoleByName[roleName]
		if !ok {
			return
		}
		roleIDs.Insert(rid)
	} else {
		for rid := range meta.Roles {
			roleIDs.Insert(rid)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[cached.ProjectID]
	if !ok {
		return
	}
	for _, rid := range roleIDs.UnsortedList() {
		occ, ok := room.Roles[rid]
		if !ok {
			continue
		}
		for _, id := range occ.ids() {
			add(id)
		}
	}
}

// resolveAddresses resolves every address in addrs and concatenates the
// per-address client id lists, preserving first-seen order within each
// address. Cross-address duplicates are left to the caller, which dedupes
// recipients before delivery.
func (t *Topology) resolveAddresses(addrs []string) []ClientID {
	var out []ClientID
	for _, a := range addrs {
		out = append(out, t.resolveOne(a)...)
	}
	return out
}
