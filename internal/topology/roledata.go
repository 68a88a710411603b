package topology

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/netsblox/cloud-topology/internal/metrics"
)

// roleDataSlot is one pending request for a role's live XML, keyed by
// correlation id. The result channel is buffered so the responder never
// blocks even if the requester has already given up.
type roleDataSlot struct {
	client ClientID
	result chan any
}

// roleDataRegistry is the correlation map, guarded by its own mutex: a
// role-data wait can outlive any single topology mutation and must not
// block unrelated commands.
type roleDataRegistry struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*roleDataSlot
}

func newRoleDataRegistry() *roleDataRegistry {
	return &roleDataRegistry{slots: make(map[uuid.UUID]*roleDataSlot)}
}

func (r *roleDataRegistry) register(client ClientID) (uuid.UUID, *roleDataSlot) {
	id := uuid.New()
	slot := &roleDataSlot{client: client, result: make(chan any, 1)}
	r.mu.Lock()
	r.slots[id] = slot
	r.mu.Unlock()
	return id, slot
}

// resolve hands data to the slot's waiter and removes the slot. Returns
// false for unknown ids (stale or spurious responses).
func (r *roleDataRegistry) resolve(id uuid.UUID, data any) bool {
	r.mu.Lock()
	slot, ok := r.slots[id]
	if ok {
		delete(r.slots, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	slot.result <- data
	return true
}

func (r *roleDataRegistry) cancel(id uuid.UUID) {
	r.mu.Lock()
	delete(r.slots, id)
	r.mu.Unlock()
}

// cancelClient drops every pending slot belonging to client, called when
// the client disconnects so a response for a slot of a socket that is gone
// is rejected. A caller already waiting on such a slot is not woken; its
// wait ends at the role-data timeout.
func (r *roleDataRegistry) cancelClient(client ClientID) {
	r.mu.Lock()
	for id, slot := range r.slots {
		if slot.client == client {
			delete(r.slots, id)
		}
	}
	r.mu.Unlock()
}

// RequestRoleData asks client for its current role XML: register a pending
// slot, push a role-data-request frame, then wait for the response or the
// configured timeout, whichever comes first. On timeout the slot is removed
// so a late response is dropped rather than resurrected.
func (t *Topology) RequestRoleData(ctx context.Context, client ClientID) (any, error) {
	t.mu.RLock()
	c, ok := t.clients[client]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}

	id, slot := t.roleData.register(client)
	if err := c.Send.Send(map[string]any{"type": "role-data-request", "id": id.String()}); err != nil {
		t.roleData.cancel(id)
		metrics.RoleDataRequests.WithLabelValues("send_failed").Inc()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.roleDataTimeout)
	defer cancel()

	select {
	case data := <-slot.result:
		metrics.RoleDataRequests.WithLabelValues("ok").Inc()
		return data, nil
	case <-waitCtx.Done():
		t.roleData.cancel(id)
		// The response may have landed between the deadline firing and the
		// cancel; prefer it over reporting a timeout.
		select {
		case data := <-slot.result:
			metrics.RoleDataRequests.WithLabelValues("ok").Inc()
			return data, nil
		default:
		}
		metrics.RoleDataRequests.WithLabelValues("timeout").Inc()
		return nil, ErrRoleDataTimeout
	}
}

// HandleRoleDataResponse routes a client's project-response frame to its
// pending slot by correlation id. Unknown ids (stale, already timed out,
// or never issued) are dropped.
func (t *Topology) HandleRoleDataResponse(id uuid.UUID, payload any) error {
	if !t.roleData.resolve(id, payload) {
		return ErrRoleDataUnknownID
	}
	return nil
}
