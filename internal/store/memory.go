// Package store provides the persistence adapters backing
// topology.ProjectStore and topology.MessageStore: an in-memory
// implementation for tests and zero-config deployments, and a gorm/postgres
// adapter for production.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/netsblox/cloud-topology/internal/topology"
)

// Memory is an in-process, map-backed implementation of both
// topology.ProjectStore and topology.MessageStore. It is the default when
// config.DatabaseURL is unset. The topology package's tests do not use it:
// they run against their own fake store, since internal/store imports
// internal/topology.
type Memory struct {
	mu       sync.RWMutex
	projects map[topology.ProjectID]*topology.ProjectMetadata
	byOwner  map[string]topology.ProjectID // "owner\x00name" -> id

	messages map[topology.ProjectID][]topology.SentMessage
}

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[topology.ProjectID]*topology.ProjectMetadata),
		byOwner:  make(map[string]topology.ProjectID),
		messages: make(map[topology.ProjectID][]topology.SentMessage),
	}
}

func ownerNameKey(owner, name string) string {
	return owner + "\x00" + name
}

// Put inserts or replaces a project's metadata. Test and bootstrap helper;
// not part of the ProjectStore interface.
func (m *Memory) Put(meta topology.ProjectMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := meta
	m.projects[meta.ID] = &cp
	m.byOwner[ownerNameKey(meta.Owner, meta.Name)] = meta.ID
}

func (m *Memory) FindByOwnerName(_ context.Context, owner, name string) (*topology.ProjectMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[ownerNameKey(owner, name)]
	if !ok {
		return nil, nil
	}
	meta := *m.projects[id]
	return &meta, nil
}

func (m *Memory) FindByID(_ context.Context, id topology.ProjectID) (*topology.ProjectMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, nil
	}
	meta := *p
	return &meta, nil
}

func (m *Memory) ActivateRoom(_ context.Context, id topology.ProjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return topology.ErrProjectNotActive
	}
	if p.SaveState == topology.SaveStateCreated {
		p.SaveState = topology.SaveStateTransient
	}
	return nil
}

func (m *Memory) StartTrace(_ context.Context, id topology.ProjectID, traceID string, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return topology.ErrProjectNotActive
	}
	p.NetworkTraces = append(p.NetworkTraces, topology.NetworkTrace{ID: traceID, StartTime: start})
	return nil
}

func (m *Memory) StopTrace(_ context.Context, id topology.ProjectID, traceID string, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return topology.ErrProjectNotActive
	}
	for i, tr := range p.NetworkTraces {
		if tr.ID == traceID {
			stopped := end
			p.NetworkTraces[i].EndTime = &stopped
			return nil
		}
	}
	return topology.ErrTraceNotFound
}

func (m *Memory) DeleteTrace(_ context.Context, id topology.ProjectID, traceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return topology.ErrProjectNotActive
	}
	for i, tr := range p.NetworkTraces {
		if tr.ID == traceID {
			p.NetworkTraces = append(p.NetworkTraces[:i], p.NetworkTraces[i+1:]...)
			return nil
		}
	}
	return topology.ErrTraceNotFound
}

func (m *Memory) Record(_ context.Context, msg topology.SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ProjectID] = append(m.messages[msg.ProjectID], msg)
	return nil
}

func (m *Memory) Fetch(_ context.Context, project topology.ProjectID, start time.Time, end *time.Time) ([]topology.SentMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []topology.SentMessage
	for _, msg := range m.messages[project] {
		if msg.Time.Before(start) {
			continue
		}
		if end != nil && !msg.Time.Before(*end) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) DeleteBefore(_ context.Context, project topology.ProjectID, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[project][:0]
	for _, msg := range m.messages[project] {
		if !msg.Time.Before(cutoff) {
			kept = append(kept, msg)
		}
	}
	m.messages[project] = kept
	return nil
}

// Ping implements health.StoreChecker trivially: the in-memory store is
// always reachable.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}
