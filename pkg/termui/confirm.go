package termui

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/toolsync"
)

func (t *Terminal) yesNo(ctx context.Context, title, detail string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.printf("%s\n", t.render(fieldStyle, title))
	if detail != "" {
		t.printf("  %s\n", detail)
	}
	t.printf("%s ", t.render(hintStyle, "[y/N]"))
	text, err := t.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(text) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Confirmation asks before a tool runs and before an open-world tool's
// result is used.
func (t *Terminal) Confirmation() toolsync.Confirmation {
	return toolsync.Confirmation{
		Pre: func(ctx context.Context, tool registry.ToolData, args json.RawMessage) (bool, error) {
			detail := string(args)
			if detail == "" || detail == "null" {
				detail = "{}"
			}
			return t.yesNo(ctx, "Run "+tool.DisplayName+" from "+tool.Source.Label+"?", "arguments: "+detail)
		},
		Post: func(ctx context.Context, tool registry.ToolData, res *mcp.CallToolResult) (bool, error) {
			return t.yesNo(ctx, "Use the result of "+tool.DisplayName+"?", summarize(res))
		},
	}
}

func summarize(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	s := strings.Join(parts, " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Trust returns a trust gate that asks once per launch configuration and
// remembers the answer for the life of the process.
func (t *Terminal) Trust() mcpmgr.TrustFunc {
	var (
		mu      sync.Mutex
		decided = make(map[string]bool)
	)
	return func(ctx context.Context, coll mcphost.CollectionDefinition, def mcphost.ServerDefinition, interactive bool) (bool, error) {
		key := mcphost.ServerKey{CollectionID: coll.ID, ServerID: def.ID}.String() + "@" + def.Fingerprint()
		mu.Lock()
		ok, known := decided[key]
		mu.Unlock()
		if known || !interactive {
			return ok, nil
		}
		detail := def.Launch.URL
		if def.Launch.Type == mcphost.TransportStdio {
			detail = strings.TrimSpace(def.Launch.Command + " " + strings.Join(def.Launch.Args, " "))
		}
		ok, err := t.yesNo(ctx, "Trust server "+def.Label+" from "+coll.Label+"?", detail)
		if err != nil {
			return false, err
		}
		mu.Lock()
		decided[key] = ok
		mu.Unlock()
		return ok, nil
	}
}
