package toolsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

var (
	// ErrConfirmationDenied is returned when the user declines a tool call.
	ErrConfirmationDenied = errors.New("toolsync: invocation not confirmed")
	// ErrResultRejected is returned when the user rejects a tool's result.
	ErrResultRejected = errors.New("toolsync: result rejected")
)

// PreApprovalFunc asks the user whether a tool call may run. It returns true
// to allow the call and may return an error to abort.
type PreApprovalFunc func(ctx context.Context, tool registry.ToolData, args json.RawMessage) (bool, error)

// PostApprovalFunc asks the user whether a tool's result may be used.
type PostApprovalFunc func(ctx context.Context, tool registry.ToolData, result *mcp.CallToolResult) (bool, error)

// Confirmation holds the optional approval callbacks. A nil callback
// approves.
type Confirmation struct {
	Pre  PreApprovalFunc
	Post PostApprovalFunc
}

// Executor runs one tool through its connection.
type Executor struct {
	conn     mcphost.ServerConnection
	data     registry.ToolData
	toolName string
	confirm  Confirmation
	metrics  *metrics.Metrics
}

// NewExecutor returns the invoker registered for a tool.
func NewExecutor(conn mcphost.ServerConnection, data registry.ToolData, toolName string, confirm Confirmation, m *metrics.Metrics) *Executor {
	return &Executor{conn: conn, data: data, toolName: toolName, confirm: confirm, metrics: m}
}

// Invoke confirms, starts the server when needed, calls the tool and, for
// open-world tools, confirms the result.
func (x *Executor) Invoke(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	if x.data.CanRequestPreApproval && x.confirm.Pre != nil {
		ok, err := x.confirm.Pre(ctx, x.data, args)
		if err != nil {
			x.metrics.ToolInvocation("error")
			return nil, err
		}
		if !ok {
			x.metrics.ToolInvocation("denied")
			return nil, ErrConfirmationDenied
		}
	}
	if err := x.ensureRunning(ctx); err != nil {
		x.metrics.ToolInvocation("error")
		return nil, err
	}

	params := &mcp.CallToolParams{Name: x.toolName}
	if len(args) > 0 {
		params.Arguments = args
	}
	res, err := x.conn.CallTool(ctx, params)
	if err != nil {
		x.metrics.ToolInvocation("error")
		return nil, fmt.Errorf("toolsync: call %q on %s: %w", x.toolName, x.data.Source.Label, err)
	}

	if x.data.CanRequestPostApproval && x.confirm.Post != nil && res != nil && !res.IsError {
		ok, err := x.confirm.Post(ctx, x.data, res)
		if err != nil {
			x.metrics.ToolInvocation("error")
			return nil, err
		}
		if !ok {
			x.metrics.ToolInvocation("rejected")
			return nil, ErrResultRejected
		}
	}
	x.metrics.ToolInvocation("ok")
	return res, nil
}

func (x *Executor) ensureRunning(ctx context.Context) error {
	if x.conn.State().Get().State == mcphost.StateRunning {
		return nil
	}
	st, err := x.conn.Start(ctx, mcphost.StartOptions{})
	if err != nil {
		return err
	}
	if st.State != mcphost.StateRunning {
		if st.Message != "" {
			return fmt.Errorf("toolsync: server %q is %s: %s", x.data.Source.Label, st.State, st.Message)
		}
		return fmt.Errorf("toolsync: server %q is %s", x.data.Source.Label, st.State)
	}
	return nil
}
