// Package config loads server declarations from a YAML or JSON file.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Format selects the decoder for a declarations file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// File is the root of a declarations file.
type File struct {
	Autostart   string       `yaml:"autostart" json:"autostart" validate:"omitempty,oneof=never only-new new-and-outdated"`
	Gateway     Gateway      `yaml:"gateway" json:"gateway"`
	Cache       Cache        `yaml:"cache" json:"cache"`
	Collections []Collection `yaml:"collections" json:"collections" validate:"unique=ID,dive"`

	// dir resolves relative paths found in the file.
	dir string
}

// Gateway configures the downstream MCP endpoint.
type Gateway struct {
	Disabled       bool     `yaml:"disabled" json:"disabled"`
	Addr           string   `yaml:"addr" json:"addr"`
	Path           string   `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins" validate:"dive,url|eq=*"`
}

// Cache configures the persistent tool cache used by profile collections.
// An empty Path keeps every tier in memory.
type Cache struct {
	Path string `yaml:"path" json:"path"`
}

// Collection declares a group of servers.
type Collection struct {
	ID              string   `yaml:"id" json:"id" validate:"required"`
	Label           string   `yaml:"label" json:"label"`
	Scope           string   `yaml:"scope" json:"scope" validate:"omitempty,oneof=profile workspace"`
	Lazy            bool     `yaml:"lazy" json:"lazy"`
	RemoteAuthority string   `yaml:"remoteAuthority" json:"remoteAuthority"`
	ServersFile     string   `yaml:"serversFile" json:"serversFile" validate:"required_if=Lazy true,excluded_if=Lazy false"`
	Servers         []Server `yaml:"servers" json:"servers"`
}

// Server declares one server. Servers are validated by the reconciler so a
// single bad entry does not reject the whole file.
type Server struct {
	ID      string            `yaml:"id" json:"id"`
	Label   string            `yaml:"label" json:"label"`
	Roots   []string          `yaml:"roots" json:"roots"`
	Type    string            `yaml:"type" json:"type"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	Cwd     string            `yaml:"cwd" json:"cwd"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	Timeout Duration          `yaml:"timeout" json:"timeout"`
}

// Duration accepts Go duration strings such as "30s".
type Duration time.Duration

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.parse(n.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("config: duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Load reads and validates the declarations file at path.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Parse decodes and validates a declarations document.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	if err := decode(data, format, &f); err != nil {
		return nil, err
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid declarations: %w", err)
	}
	return &f, nil
}

func decode(data []byte, format Format, v any) error {
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
	return nil
}

// Declarations converts the file into reconciler input. Lazy collections
// read their servers file when activated.
func (f *File) Declarations() []mcphost.Collection {
	out := make([]mcphost.Collection, 0, len(f.Collections))
	for _, c := range f.Collections {
		coll := mcphost.Collection{
			Definition: c.definition(),
			Servers:    definitions(c.Servers),
		}
		if c.Lazy {
			path := c.ServersFile
			if !filepath.IsAbs(path) && f.dir != "" {
				path = filepath.Join(f.dir, path)
			}
			coll.Load = func(context.Context) ([]mcphost.ServerDefinition, error) {
				return LoadServers(path)
			}
		}
		out = append(out, coll)
	}
	return out
}

func (c Collection) definition() mcphost.CollectionDefinition {
	scope := mcphost.Scope(c.Scope)
	if scope == "" {
		scope = mcphost.ScopeWorkspace
	}
	label := c.Label
	if label == "" {
		label = c.ID
	}
	return mcphost.CollectionDefinition{
		ID:              c.ID,
		Label:           label,
		Scope:           scope,
		Lazy:            c.Lazy,
		RemoteAuthority: c.RemoteAuthority,
	}
}

// Definition converts s to a server definition. A missing type means stdio
// when a command is set and http otherwise.
func (s Server) Definition() mcphost.ServerDefinition {
	typ := mcphost.TransportType(s.Type)
	if typ == "" {
		typ = mcphost.TransportHTTP
		if s.Command != "" {
			typ = mcphost.TransportStdio
		}
	}
	label := s.Label
	if label == "" {
		label = s.ID
	}
	return mcphost.ServerDefinition{
		ID:    s.ID,
		Label: label,
		Roots: s.Roots,
		Launch: mcphost.LaunchConfig{
			Type:    typ,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Cwd:     s.Cwd,
			URL:     s.URL,
			Headers: s.Headers,
			Timeout: time.Duration(s.Timeout),
		},
	}
}

func definitions(servers []Server) []mcphost.ServerDefinition {
	out := make([]mcphost.ServerDefinition, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Definition())
	}
	return out
}

type serversDocument struct {
	Servers []Server `yaml:"servers" json:"servers"`
}

// LoadServers reads a lazy collection's servers file.
func LoadServers(path string) ([]mcphost.ServerDefinition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc serversDocument
	if err := decode(data, format, &doc); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return definitions(doc.Servers), nil
}
