package topology

import (
	"context"
	"time"
)

// ProjectStore is the external collaborator that owns persisted project
// metadata. Topology reads through this interface and delegates the few
// mutations it initiates (activation, trace bookkeeping); it never touches
// project documents directly.
type ProjectStore interface {
	// FindByOwnerName resolves (owner, name) to full project metadata, used
	// by the address resolver on a cache miss.
	FindByOwnerName(ctx context.Context, owner, name string) (*ProjectMetadata, error)
	// FindByID loads project metadata by id, used by room-state broadcasts,
	// cached address lookups, and trace bookkeeping.
	FindByID(ctx context.Context, id ProjectID) (*ProjectMetadata, error)
	// ActivateRoom transitions a project out of SaveStateCreated so that it
	// survives garbage collection while occupied.
	ActivateRoom(ctx context.Context, id ProjectID) error
	// StartTrace/StopTrace/DeleteTrace mutate the project's NetworkTraces.
	StartTrace(ctx context.Context, id ProjectID, traceID string, start time.Time) error
	StopTrace(ctx context.Context, id ProjectID, traceID string, end time.Time) error
	DeleteTrace(ctx context.Context, id ProjectID, traceID string) error
}

// MessageStore is the external collaborator persisting SentMessage audit
// records, consulted only for projects with an open network trace.
type MessageStore interface {
	Record(ctx context.Context, msg SentMessage) error
	// Fetch returns messages for project in the half-open window [start, end).
	// end == nil means "through now".
	Fetch(ctx context.Context, project ProjectID, start time.Time, end *time.Time) ([]SentMessage, error)
	// DeleteBefore removes every recorded message for project with
	// Time < cutoff, used when a trace is deleted.
	DeleteBefore(ctx context.Context, project ProjectID, cutoff time.Time) error
}
