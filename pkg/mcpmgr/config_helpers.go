package mcpmgr

import (
	"fmt"
	"net/http"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
)

// Lightweight helpers for narrowing and inspecting ServerConfig values without
// a type switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio  ConfigTransport = "stdio"
	TransportHTTP   ConfigTransport = "http"
	TransportCustom ConfigTransport = "custom"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		return TransportHTTP
	case *TransportServerConfig:
		return TransportCustom
	default:
		return ""
	}
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig, returning (nil, false) when it
// does not match.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

// FromLaunch builds the ServerConfig for a declared server.
func FromLaunch(def mcphost.ServerDefinition) (ServerConfig, error) {
	l := def.Launch
	base := BaseServerConfig{Timeout: l.Timeout}
	switch l.Type {
	case mcphost.TransportStdio:
		if l.Command == "" {
			return nil, fmt.Errorf("mcpmgr: command missing for %q", def.ID)
		}
		return &StdioServerConfig{
			BaseServerConfig: base,
			Command:          l.Command,
			Args:             append([]string(nil), l.Args...),
			Env:              l.Env,
			Dir:              l.Cwd,
		}, nil
	case mcphost.TransportHTTP, mcphost.TransportSSE:
		if l.URL == "" {
			return nil, fmt.Errorf("mcpmgr: endpoint missing for %q", def.ID)
		}
		cfg := &HTTPServerConfig{BaseServerConfig: base, Endpoint: l.URL}
		if len(l.Headers) > 0 {
			h := make(http.Header, len(l.Headers))
			for k, v := range l.Headers {
				h.Set(k, v)
			}
			cfg.RequestInit = &HTTPRequestInit{Headers: h}
		}
		if l.Type == mcphost.TransportSSE {
			preferSSE := true
			cfg.PreferSSE = &preferSSE
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported transport %q for %q", l.Type, def.ID)
	}
}
