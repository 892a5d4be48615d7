package mcpgateway

import (
	"reflect"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

const (
	metaKeyToolID       = "mcptoolhost.tool_id"
	metaKeyServerID     = "mcptoolhost.server_id"
	metaKeyCollectionID = "mcptoolhost.collection_id"
)

// featureIndex tracks which registry tools are advertised and under which
// name.
type featureIndex struct {
	mu     sync.RWMutex
	byName map[string]toolTarget
	byID   map[string]toolTarget
}

type toolTarget struct {
	GatewayName string
	ToolID      string
	data        registry.ToolData
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex() *featureIndex {
	return &featureIndex{
		byName: make(map[string]toolTarget),
		byID:   make(map[string]toolTarget),
	}
}

// UpdateTools diffs the advertised tools against a registry snapshot by id.
// Unchanged tools are left alone; changed tools are removed and re-added.
func (f *featureIndex) UpdateTools(snapshot []registry.ToolData) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]registry.ToolData, len(snapshot))
	for _, data := range snapshot {
		next[data.ID] = data
	}
	for id, cur := range f.byID {
		data, ok := next[id]
		if ok && reflect.DeepEqual(cur.data, data) {
			delete(next, id)
			continue
		}
		removed = append(removed, cur.GatewayName)
		delete(f.byName, cur.GatewayName)
		delete(f.byID, id)
	}
	for _, data := range next {
		name := gatewayName(data)
		if _, taken := f.byName[name]; taken {
			continue
		}
		target := toolTarget{GatewayName: name, ToolID: data.ID, data: data}
		f.byName[name] = target
		f.byID[data.ID] = target
		added = append(added, toolRegistration{Tool: toolFromData(name, data), Target: target})
	}
	sort.Strings(removed)
	sort.Slice(added, func(i, j int) bool { return added[i].Target.GatewayName < added[j].Target.GatewayName })
	return removed, added
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.byName[name]
	return t, ok
}

func (f *featureIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byName)
}

func gatewayName(data registry.ToolData) string {
	if data.ToolReferenceName != "" {
		return data.ToolReferenceName
	}
	return data.ID
}

func toolFromData(name string, data registry.ToolData) *mcp.Tool {
	schema := data.InputSchema
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	return &mcp.Tool{
		Name:        name,
		Title:       data.DisplayName,
		Description: data.Description,
		InputSchema: schema,
		Meta: map[string]any{
			metaKeyToolID:       data.ID,
			metaKeyServerID:     data.Source.ServerID,
			metaKeyCollectionID: data.Source.CollectionID,
		},
	}
}
