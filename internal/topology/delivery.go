package topology

import (
	"log/slog"
	"time"

	"github.com/netsblox/cloud-topology/internal/metrics"
)

// SendMessageRequest bundles the arguments to SendMessage.
type SendMessageRequest struct {
	Source    ClientID
	Addresses []string
	MsgType   string
	Content   any
	ProjectID *ProjectID // set when the source is itself in a project
}

// SendMessage resolves every address to a set of client handles, pushes an
// outbound frame to each unique recipient, and — when ProjectID is set and
// that project has an open trace — records a SentMessage audit entry. A
// failed send is dropped silently: the socket is closing and its session
// will reap the client. Zero resolved recipients is not an error.
func (t *Topology) SendMessage(req SendMessageRequest) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(req.MsgType).Observe(time.Since(start).Seconds())
	}()

	recipientIDs := t.resolveAddresses(req.Addresses)
	recipientIDs = dedupeClients(recipientIDs)

	frame := map[string]any{
		"type":    "message",
		"dstId":   req.Addresses,
		"msgType": req.MsgType,
		"content": req.Content,
	}
	if req.ProjectID != nil {
		frame["srcProjectId"] = *req.ProjectID
	}

	t.mu.RLock()
	targets := make([]*Client, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		if c, ok := t.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	srcState := t.states[req.Source]
	t.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send.Send(frame); err != nil {
			slog.Warn("message delivery failed, client will be reaped", "client_id", c.ID)
			metrics.WebsocketEvents.WithLabelValues("message", "send_error").Inc()
			continue
		}
		metrics.WebsocketEvents.WithLabelValues("message", "delivered").Inc()
	}

	if t.bus != nil && req.ProjectID != nil {
		_ = t.bus.PublishProject(t.ctx(), string(*req.ProjectID), "message", frame, string(req.Source))
	}

	if req.ProjectID == nil || t.messages == nil {
		return
	}
	if !t.hasOpenTrace(*req.ProjectID) {
		return
	}

	msg := SentMessage{
		ProjectID:  *req.ProjectID,
		Source:     srcState,
		SourceID:   req.Source,
		Recipients: recipientIDs,
		Time:       time.Now(),
		MsgType:    req.MsgType,
		Content:    req.Content,
	}
	if err := t.messages.Record(t.ctx(), msg); err != nil {
		slog.Error("failed to record sent message", "project_id", *req.ProjectID, "error", err)
	}
}

// BroadcastUserAction forwards an editor action from source to every
// co-editor currently occupying the same (project, role). The sender does
// not receive its own action back. No-op when the source is not a browser
// occupant.
func (t *Topology) BroadcastUserAction(source ClientID, content any) {
	t.mu.RLock()
	state, ok := t.states[source]
	if !ok || state.Kind != StateBrowser {
		t.mu.RUnlock()
		return
	}

	var targets []*Client
	if room, ok := t.rooms[state.ProjectID]; ok {
		if occ, ok := room.Roles[state.RoleID]; ok {
			for _, id := range occ.ids() {
				if id == source {
					continue
				}
				if c, ok := t.clients[id]; ok {
					targets = append(targets, c)
				}
			}
		}
	}
	t.mu.RUnlock()

	frame := map[string]any{
		"type":    "user-action",
		"content": content,
	}
	for _, c := range targets {
		if err := c.Send.Send(frame); err != nil {
			slog.Warn("user-action delivery failed, client will be reaped", "client_id", c.ID)
		}
	}
}

// hasOpenTrace reports whether project currently has at least one open
// network trace, consulting the project store's metadata.
func (t *Topology) hasOpenTrace(project ProjectID) bool {
	if t.store == nil {
		return false
	}
	meta, err := t.store.FindByID(t.ctx(), project)
	if err != nil || meta == nil {
		return false
	}
	for _, tr := range meta.NetworkTraces {
		if tr.Open() {
			return true
		}
	}
	return false
}

// SendOccupantInvite delivers a structured invitation frame to the target
// client.
func (t *Topology) SendOccupantInvite(target ClientID, inviter, project string, invite any) error {
	t.mu.RLock()
	c, ok := t.clients[target]
	t.mu.RUnlock()
	if !ok {
		return ErrClientNotFound
	}
	return c.Send.Send(map[string]any{
		"type":    "occupant-invite",
		"inviter": inviter,
		"project": project,
		"invite":  invite,
	})
}

// StartTrace begins a new network trace window on project, delegating
// persistence to the project store. The number of concurrently open traces
// per project is capped.
func (t *Topology) StartTrace(project ProjectID, traceID string, start time.Time) error {
	if t.store == nil {
		return nil
	}
	meta, err := t.store.FindByID(t.ctx(), project)
	if err != nil {
		return err
	}
	if meta != nil {
		open := 0
		for _, tr := range meta.NetworkTraces {
			if tr.Open() {
				open++
			}
		}
		if open >= t.traceMaxOpen {
			return ErrTooManyOpenTraces
		}
	}
	return t.store.StartTrace(t.ctx(), project, traceID, start)
}

// StopTrace closes an open trace, setting its end time.
func (t *Topology) StopTrace(project ProjectID, traceID string, end time.Time) error {
	if t.store == nil {
		return nil
	}
	return t.store.StopTrace(t.ctx(), project, traceID, end)
}

// FetchTrace returns every recorded message for project within the
// half-open window [trace.StartTime, trace.EndTime), where a missing end
// means "through now".
func (t *Topology) FetchTrace(project ProjectID, trace NetworkTrace) ([]SentMessage, error) {
	if t.messages == nil {
		return nil, nil
	}
	return t.messages.Fetch(t.ctx(), project, trace.StartTime, trace.EndTime)
}

// DeleteTrace removes traceID from project metadata, then deletes every
// recorded message older than the earliest remaining open trace's start
// time. Messages newer than that cutoff may still be observed by another
// open trace, so they survive. With no open trace left, everything goes.
func (t *Topology) DeleteTrace(project ProjectID, traceID string) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.DeleteTrace(t.ctx(), project, traceID); err != nil {
		return err
	}

	meta, err := t.store.FindByID(t.ctx(), project)
	if err != nil || meta == nil {
		return err
	}

	cutoff := time.Unix(1<<61, 0)
	for _, tr := range meta.NetworkTraces {
		if tr.Open() && tr.StartTime.Before(cutoff) {
			cutoff = tr.StartTime
		}
	}

	if t.messages == nil {
		return nil
	}
	return t.messages.DeleteBefore(t.ctx(), project, cutoff)
}

func dedupeClients(in []ClientID) []ClientID {
	if len(in) < 2 {
		return in
	}
	seen := make(map[ClientID]struct{}, len(in))
	out := in[:0]
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
