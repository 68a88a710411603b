package topology

import (
	"context"
	"errors"
	"fmt"
)

// Input errors are returned to callers as values, never panics; the REST
// layer maps them to status codes.
var (
	ErrUnknownAddress    = errors.New("topology: unknown address")
	ErrClientNotFound    = errors.New("topology: unknown client id")
	ErrProjectNotActive  = errors.New("topology: project has no active room")
	ErrRoleDataUnknownID = errors.New("topology: role-data response for unknown correlation id")
	ErrTraceNotFound     = errors.New("topology: network trace not found")
	ErrTooManyOpenTraces = errors.New("topology: too many open network traces for project")

	// ErrRoleDataTimeout wraps context.DeadlineExceeded so callers can match
	// either form.
	ErrRoleDataTimeout = fmt.Errorf("topology: role-data request timed out: %w", context.DeadlineExceeded)
)
