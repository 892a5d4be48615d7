// Package mcphost defines the declaration model and the connection contract
// shared by the reconciler, tool sync, autostart and elicitation packages.
package mcphost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Scope selects which cache tier a collection's servers use.
type Scope string

const (
	ScopeProfile   Scope = "profile"
	ScopeWorkspace Scope = "workspace"
)

// TransportType names how a server is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// CollectionDefinition describes a named group of server declarations.
type CollectionDefinition struct {
	ID              string `json:"id" validate:"required"`
	Label           string `json:"label,omitempty"`
	Scope           Scope  `json:"scope" validate:"oneof=profile workspace"`
	Lazy            bool   `json:"lazy,omitempty"`
	RemoteAuthority string `json:"remoteAuthority,omitempty"`
}

// Collection pairs a definition with the servers it currently declares.
// Collections are immutable once handed to the reconciler; a rediscovery
// produces a new value.
type Collection struct {
	Definition CollectionDefinition
	Servers    []ServerDefinition
	// Load resolves the real server list of a lazy collection. It is invoked
	// at most once per activation.
	Load func(ctx context.Context) ([]ServerDefinition, error)
}

// LaunchConfig holds the parameters a connection is bound to at connect time.
type LaunchConfig struct {
	Type    TransportType     `json:"type" validate:"required,oneof=stdio http sse"`
	Command string            `json:"command,omitempty" validate:"required_if=Type stdio"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty" validate:"required_unless=Type stdio"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// ServerDefinition declares one server inside a collection.
type ServerDefinition struct {
	ID     string       `json:"id" validate:"required"`
	Label  string       `json:"label" validate:"required"`
	Roots  []string     `json:"roots,omitempty"`
	Launch LaunchConfig `json:"launch"`
}

// Validate reports structural problems with the definition.
func (d ServerDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("mcphost: invalid server definition %q: %w", d.ID, err)
	}
	return nil
}

// Fingerprint is a stable digest of the definition's content. Two
// definitions with the same fingerprint launch identically.
func (d ServerDefinition) Fingerprint() string {
	raw, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Equal reports structural equality.
func (d ServerDefinition) Equal(o ServerDefinition) bool {
	return d.ID == o.ID && d.Fingerprint() == o.Fingerprint()
}

// Validate reports structural problems with the collection definition.
func (c CollectionDefinition) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("mcphost: invalid collection %q: %w", c.ID, err)
	}
	return nil
}

// ServerKey identifies a connection by its owning collection and server id.
type ServerKey struct {
	CollectionID string
	ServerID     string
}

func (k ServerKey) String() string { return k.CollectionID + "/" + k.ServerID }
