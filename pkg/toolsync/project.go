package toolsync

import (
	"reflect"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/naming"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

// Project maps a server tool onto the data the registry stores for it.
func Project(tool *mcp.Tool, prefix string, coll mcphost.CollectionDefinition, def mcphost.ServerDefinition) registry.ToolData {
	display := tool.Name
	var readOnly, openWorld bool
	if ann := tool.Annotations; ann != nil {
		readOnly = ann.ReadOnlyHint
		openWorld = ann.OpenWorldHint != nil && *ann.OpenWorldHint
		if ann.Title != "" {
			display = ann.Title
		}
	}
	if display == tool.Name && tool.Title != "" {
		display = tool.Title
	}
	return registry.ToolData{
		ID:                     prefix + tool.Name,
		ToolReferenceName:      naming.ToolName(prefix, tool.Name),
		DisplayName:            display,
		Description:            tool.Description,
		InputSchema:            tool.InputSchema,
		Source:                 registry.Source{CollectionID: coll.ID, ServerID: def.ID, Label: def.Label},
		CanRequestPreApproval:  !readOnly,
		CanRequestPostApproval: openWorld,
		RunsInWorkspace:        coll.Scope == mcphost.ScopeWorkspace || coll.RemoteAuthority != "",
	}
}

// Plan is the outcome of diffing one tool list against the registered state.
type Plan struct {
	// Remove lists ids whose registration must be disposed, including ids
	// that are re-registered because their content changed.
	Remove []string
	// Add lists tools to register once every removal has been applied.
	Add []Desired
	// Skipped lists tool names dropped because they repeat an id.
	Skipped []string
}

// Desired is a tool the next state must contain.
type Desired struct {
	Data     registry.ToolData
	ToolName string
}

// Diff compares the registered state with the tools a server now reports.
func Diff(current map[string]registry.ToolData, next []Desired) Plan {
	var plan Plan
	want := make(map[string]struct{}, len(next))
	for _, d := range next {
		if _, dup := want[d.Data.ID]; dup {
			plan.Skipped = append(plan.Skipped, d.ToolName)
			continue
		}
		want[d.Data.ID] = struct{}{}
		prev, known := current[d.Data.ID]
		switch {
		case !known:
			plan.Add = append(plan.Add, d)
		case !sameData(prev, d.Data):
			plan.Remove = append(plan.Remove, d.Data.ID)
			plan.Add = append(plan.Add, d)
		}
	}
	for id := range current {
		if _, ok := want[id]; !ok {
			plan.Remove = append(plan.Remove, id)
		}
	}
	return plan
}

func sameData(a, b registry.ToolData) bool {
	return reflect.DeepEqual(a, b)
}
