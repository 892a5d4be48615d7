package mcphost

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/observable"
)

// ConnectionState is the lifecycle of a single server connection.
type ConnectionState int

const (
	StateStopped ConnectionState = iota
	StateStarting
	StateRunning
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// IsLive reports whether the connection is starting or running.
func (s ConnectionState) IsLive() bool {
	return s == StateStarting || s == StateRunning
}

// Status is a connection state plus the message attached to an Error state.
type Status struct {
	State   ConnectionState
	Message string
}

// CacheState describes where a connection's tool list came from.
type CacheState int

const (
	CacheUnknown CacheState = iota
	CacheOutdated
	CacheRefreshingFromCache
	CacheFromCache
	CacheLive
)

func (s CacheState) String() string {
	switch s {
	case CacheUnknown:
		return "unknown"
	case CacheOutdated:
		return "outdated"
	case CacheRefreshingFromCache:
		return "refreshing-from-cache"
	case CacheFromCache:
		return "from-cache"
	case CacheLive:
		return "live"
	default:
		return fmt.Sprintf("CacheState(%d)", int(s))
	}
}

// StartOptions tune a single Start call.
type StartOptions struct {
	// ErrorOnUserInteraction makes Start fail with an InteractionRequiredError
	// instead of prompting the user.
	ErrorOnUserInteraction bool
}

// ServerConnection is the per-server transport client the host drives.
type ServerConnection interface {
	Collection() CollectionDefinition
	Definition() ServerDefinition
	// UpdateDefinition swaps the launch parameters used by the next Start.
	UpdateDefinition(ServerDefinition)

	State() *observable.Value[Status]
	Tools() *observable.Value[[]*mcp.Tool]
	CacheState() *observable.Value[CacheState]

	Start(ctx context.Context, opts StartOptions) (Status, error)
	Stop(ctx context.Context) error
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)

	// OnElicitationComplete registers fn for "elicitation complete"
	// notifications sent by the server.
	OnElicitationComplete(fn func(elicitationID string)) (unsubscribe func())

	Close() error
}

// ErrInteractionRequired is the sentinel behind InteractionRequiredError.
var ErrInteractionRequired = errors.New("mcphost: user interaction required")

// InteractionRequiredError reports that a server cannot start without a human
// in the loop. It is a control-flow signal, not a failure.
type InteractionRequiredError struct {
	ServerID string
	Label    string
	Reason   string
}

func (e *InteractionRequiredError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mcphost: server %q requires user interaction", e.Label)
	}
	return fmt.Sprintf("mcphost: server %q requires user interaction: %s", e.Label, e.Reason)
}

func (e *InteractionRequiredError) Unwrap() error { return ErrInteractionRequired }

// KeyOf returns the identity of a connection.
func KeyOf(c ServerConnection) ServerKey {
	return ServerKey{CollectionID: c.Collection().ID, ServerID: c.Definition().ID}
}
