package reconcile

import (
	"log/slog"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/naming"
)

// Target is one declared server with the prefix allocated to it.
type Target struct {
	Collection mcphost.CollectionDefinition
	Definition mcphost.ServerDefinition
	Prefix     string
}

type identity struct {
	collectionID string
	serverID     string
	prefix       string
}

func (t Target) identity() identity {
	return identity{collectionID: t.Collection.ID, serverID: t.Definition.ID, prefix: t.Prefix}
}

// Key returns the connection key of the target.
func (t Target) Key() mcphost.ServerKey {
	return mcphost.ServerKey{CollectionID: t.Collection.ID, ServerID: t.Definition.ID}
}

// Keep is a live entry that stays but whose declaration changed.
type Keep struct {
	Server            *Server
	Next              Target
	DefinitionChanged bool
	CollectionChanged bool
}

// Plan lists what a reconciliation pass has to do.
type Plan struct {
	Keep    []Keep
	Dispose []*Server
	Create  []Target
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Keep) == 0 && len(p.Dispose) == 0 && len(p.Create) == 0
}

// BuildTargets flattens collections into targets, allocating prefixes and
// skipping malformed or repeated declarations. loaded overrides the server
// list of activated lazy collections.
func BuildTargets(collections []mcphost.Collection, loaded map[string][]mcphost.ServerDefinition, alloc *naming.Allocator, logger *slog.Logger) (targets []Target, skipped int) {
	seenColl := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		coll := c.Definition
		if err := coll.Validate(); err != nil {
			logger.Warn("skip collection", "collection", coll.ID, "error", err)
			skipped++
			continue
		}
		if _, dup := seenColl[coll.ID]; dup {
			logger.Warn("skip duplicate collection", "collection", coll.ID)
			skipped++
			continue
		}
		seenColl[coll.ID] = struct{}{}

		servers := c.Servers
		if l, ok := loaded[coll.ID]; ok && coll.Lazy {
			servers = l
		}
		seenSrv := make(map[string]struct{}, len(servers))
		for _, def := range servers {
			if err := def.Validate(); err != nil {
				logger.Warn("skip server definition", "collection", coll.ID, "server", def.ID, "error", err)
				skipped++
				continue
			}
			if _, dup := seenSrv[def.ID]; dup {
				logger.Warn("skip duplicate server definition", "collection", coll.ID, "server", def.ID)
				skipped++
				continue
			}
			seenSrv[def.ID] = struct{}{}
			prefix := alloc.Allocate(naming.Binding{CollectionID: coll.ID, ServerID: def.ID, Label: def.Label})
			targets = append(targets, Target{Collection: coll, Definition: def, Prefix: prefix})
		}
	}
	return targets, skipped
}

// Diff matches live entries against targets by (collection, server, prefix).
func Diff(current []*Server, targets []Target) Plan {
	var plan Plan
	live := make(map[identity]*Server, len(current))
	for _, s := range current {
		live[s.Target.identity()] = s
	}
	matched := make(map[identity]struct{}, len(targets))
	for _, t := range targets {
		id := t.identity()
		s, ok := live[id]
		if !ok {
			plan.Create = append(plan.Create, t)
			continue
		}
		matched[id] = struct{}{}
		k := Keep{
			Server:            s,
			Next:              t,
			DefinitionChanged: !s.Target.Definition.Equal(t.Definition),
			CollectionChanged: s.Target.Collection != t.Collection,
		}
		if k.DefinitionChanged || k.CollectionChanged {
			plan.Keep = append(plan.Keep, k)
		}
	}
	for _, s := range current {
		if _, ok := matched[s.Target.identity()]; !ok {
			plan.Dispose = append(plan.Dispose, s)
		}
	}
	return plan
}
