// Package topology implements the single-owner network topology: connected
// clients, per-project rooms, external app networks, and the address
// resolution and delivery logic that routes messages between them.
package topology

import "time"

// ClientID uniquely identifies one live connection. Browser-originated ids
// begin with "_" so they can never collide with a username.
type ClientID string

// RoleID identifies one collaborating seat inside a project.
type RoleID string

// ProjectID identifies a project whose metadata lives in an external store.
type ProjectID string

// AppID identifies an external, non-editor application namespace (lowercased).
type AppID string

const defaultAppID AppID = "netsblox"

// StateKind distinguishes the two ClientState variants.
type StateKind int

const (
	StateNone StateKind = iota
	StateBrowser
	StateExternal
)

// ClientState describes what a connection currently is: a browser client
// occupying a project role, or an external client reachable at a
// free-form app-scoped address. Kind == StateNone means "no state installed".
type ClientState struct {
	Kind StateKind

	// Populated when Kind == StateBrowser.
	ProjectID ProjectID
	RoleID    RoleID

	// Populated when Kind == StateExternal.
	Address string
	AppID   AppID
}

func BrowserState(project ProjectID, role RoleID) ClientState {
	return ClientState{Kind: StateBrowser, ProjectID: project, RoleID: role}
}

func ExternalState(address string, app AppID) ClientState {
	return ClientState{Kind: StateExternal, Address: address, AppID: app}
}

// Sender is the outbound half of a client connection: anything capable of
// accepting a JSON-serializable frame for delivery to one socket. transport.Client
// implements this; tests use simple fakes that record frames in a slice.
type Sender interface {
	Send(frame any) error
}

// Client is the registry entry for one live connection.
type Client struct {
	ID       ClientID
	Send     Sender
	Username string // empty if not yet identified
}

// RoleMetadata is the subset of a project role's persisted metadata the
// topology needs to compute RoomState.
type RoleMetadata struct {
	Name string
}

// SaveState mirrors the project lifecycle states tracked by the project
// store; only Created/Transient/Broken are meaningful to the topology.
type SaveState string

const (
	SaveStateCreated   SaveState = "CREATED"
	SaveStateTransient SaveState = "TRANSIENT"
	SaveStateSaved     SaveState = "SAVED"
	SaveStateBroken    SaveState = "BROKEN"
)

// NetworkTrace is a named, time-bounded recording window. Half-open: an
// absent EndTime means "open, runs until now".
type NetworkTrace struct {
	ID        string
	StartTime time.Time
	EndTime   *time.Time
}

// Open reports whether the trace has not yet been stopped.
func (t NetworkTrace) Open() bool {
	return t.EndTime == nil
}

// ProjectMetadata is the read-only projection of a project's persisted state
// that the topology consumes; it is supplied and refreshed by an external
// collaborator (the project store) via UpdateProjectCache.
type ProjectMetadata struct {
	ID            ProjectID
	Owner         string
	Name          string
	Collaborators []string
	Roles         map[RoleID]RoleMetadata
	SaveState     SaveState
	NetworkTraces []NetworkTrace
}

// SentMessage is the audit record written by Delivery when a project has an
// open network trace.
type SentMessage struct {
	ProjectID  ProjectID
	Source     ClientState
	SourceID   ClientID
	Recipients []ClientID
	Time       time.Time
	MsgType    string
	Content    any
}
