package registry

import (
	"fmt"
	"sort"
)

// ToolSet groups the tools of one server so they can be referenced together.
type ToolSet struct {
	ID            string
	ReferenceName string
	Source        Source

	reg     *Registry
	members map[string]struct{}
}

// CreateToolSet registers an empty tool set. Dispose the returned
// Registration to drop it.
func (r *Registry) CreateToolSet(id, referenceName string, source Source) (*ToolSet, *Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[id]; ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateSet, id)
	}
	set := &ToolSet{
		ID:            id,
		ReferenceName: referenceName,
		Source:        source,
		reg:           r,
		members:       make(map[string]struct{}),
	}
	r.sets[id] = set
	return set, &Registration{dispose: func() {
		r.mu.Lock()
		if r.sets[id] == set {
			delete(r.sets, id)
		}
		r.mu.Unlock()
	}}, nil
}

// ToolSet returns the set registered under id.
func (r *Registry) ToolSet(id string) (*ToolSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sets[id]
	return s, ok
}

// AddTool puts a registered tool into the set.
func (s *ToolSet) AddTool(toolID string) (*Registration, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if _, ok := s.reg.tools[toolID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, toolID)
	}
	s.members[toolID] = struct{}{}
	return &Registration{dispose: func() {
		s.reg.mu.Lock()
		s.removeLocked(toolID)
		s.reg.mu.Unlock()
	}}, nil
}

// Tools lists the ids in the set, sorted.
func (s *ToolSet) Tools() []string {
	s.reg.mu.RLock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	s.reg.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *ToolSet) removeLocked(toolID string) {
	delete(s.members, toolID)
}
