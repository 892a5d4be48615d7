package mcpgateway

import (
	"testing"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

func toolData(id, ref, desc string) registry.ToolData {
	return registry.ToolData{
		ID:                id,
		ToolReferenceName: ref,
		Description:       desc,
		Source:            registry.Source{CollectionID: "ws", ServerID: "alpha"},
	}
}

func TestFeatureIndexUpdateTools(t *testing.T) {
	fi := newFeatureIndex()
	removed, added := fi.UpdateTools([]registry.ToolData{toolData("mcp_alpha_echo", "mcp_alpha_echo", "Echo")})
	if len(removed) != 0 {
		t.Fatalf("unexpected removals: %v", removed)
	}
	if len(added) != 1 {
		t.Fatalf("expected single registration, got %d", len(added))
	}
	target := added[0].Target
	if target.ToolID != "mcp_alpha_echo" || target.GatewayName != "mcp_alpha_echo" {
		t.Fatalf("unexpected target %+v", target)
	}
	if _, ok := fi.ToolTarget("mcp_alpha_echo"); !ok {
		t.Fatalf("tool target missing")
	}
	tool := added[0].Tool
	if tool.Meta[metaKeyServerID] != "alpha" || tool.Meta[metaKeyCollectionID] != "ws" {
		t.Fatalf("meta missing origin: %+v", tool.Meta)
	}
	if tool.InputSchema == nil {
		t.Fatalf("missing default input schema")
	}
}

func TestFeatureIndexDiffsByID(t *testing.T) {
	fi := newFeatureIndex()
	fi.UpdateTools([]registry.ToolData{
		toolData("a", "mcp_alpha_a", "A"),
		toolData("b", "mcp_alpha_b", "B"),
	})

	removed, added := fi.UpdateTools([]registry.ToolData{
		toolData("a", "mcp_alpha_a", "A"),
		toolData("b", "mcp_alpha_b", "B, but better"),
		toolData("c", "mcp_alpha_c", "C"),
	})
	if len(removed) != 1 || removed[0] != "mcp_alpha_b" {
		t.Fatalf("removed = %v", removed)
	}
	if len(added) != 2 || added[0].Target.ToolID != "b" || added[1].Target.ToolID != "c" {
		t.Fatalf("added = %+v", added)
	}

	removed, added = fi.UpdateTools(nil)
	if len(removed) != 3 || len(added) != 0 {
		t.Fatalf("clearing: removed=%v added=%d", removed, len(added))
	}
	if fi.Len() != 0 {
		t.Fatalf("index should be empty")
	}
}

func TestFeatureIndexFallsBackToID(t *testing.T) {
	fi := newFeatureIndex()
	_, added := fi.UpdateTools([]registry.ToolData{{ID: "raw-id"}})
	if len(added) != 1 || added[0].Tool.Name != "raw-id" {
		t.Fatalf("added = %+v", added)
	}
}
