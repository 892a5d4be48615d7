// Package naming derives the collision-free prefixes that namespace each
// server's tools.
package naming

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	// Prefix starts every allocated tool prefix.
	Prefix = "mcp_"
	// MaxPrefixLen bounds an allocated prefix before any uniqueness suffix.
	MaxPrefixLen = 18
	// MaxToolNameLen is the longest tool reference name handed to models.
	MaxToolNameLen = 64

	fallbackLabel = "server"
)

var (
	disallowedLabelRun = regexp.MustCompile(`[^a-z0-9_.-]+`)
	disallowedToolRun  = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// Binding is the identity a prefix is held for. A changed label is a new
// binding and therefore a new prefix.
type Binding struct {
	CollectionID string
	ServerID     string
	Label        string
}

// Allocator hands out prefixes. Allocated prefixes are never reused for the
// lifetime of the Allocator, even after their server goes away.
type Allocator struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	bound map[Binding]string
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		seen:  make(map[string]struct{}),
		bound: make(map[Binding]string),
	}
}

// Allocate returns the prefix held by b, allocating a new one on first use.
func (a *Allocator) Allocate(b Binding) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.bound[b]; ok {
		return p
	}
	p := a.uniqueLocked(Sanitize(b.Label))
	a.bound[b] = p
	return p
}

// Seen reports whether prefix was ever allocated.
func (a *Allocator) Seen(prefix string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seen[prefix]
	return ok
}

func (a *Allocator) uniqueLocked(base string) string {
	name := base
	for i := 2; ; i++ {
		if _, taken := a.seen[name]; !taken {
			break
		}
		name = base + strconv.Itoa(i)
	}
	a.seen[name] = struct{}{}
	return name
}

// Sanitize maps a label to its base prefix: "My Server!" becomes
// "mcp_my_server_".
func Sanitize(label string) string {
	s := disallowedLabelRun.ReplaceAllString(strings.ToLower(label), "_")
	if budget := MaxPrefixLen - len(Prefix) - 1; len(s) > budget {
		s = s[:budget]
	}
	s = strings.TrimRight(s, "_")
	if s == "" {
		s = fallbackLabel
	}
	return Prefix + s + "_"
}

// ToolName joins a prefix and a server-declared tool name into a reference
// name accepted by model tool-calling APIs.
func ToolName(prefix, name string) string {
	s := disallowedToolRun.ReplaceAllString(prefix+name, "_")
	if len(s) > MaxToolNameLen {
		s = s[:MaxToolNameLen]
	}
	return s
}
