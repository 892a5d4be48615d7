package host

import (
	"time"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
)

// ServerStatus is the JSON view of one server.
type ServerStatus struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Label      string `json:"label"`
	Prefix     string `json:"prefix"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
	Cache      string `json:"cache"`
	Tools      int    `json:"tools"`
}

// PendingElicitation is the JSON view of an elicitation waiting on the user.
type PendingElicitation struct {
	ID        string    `json:"id"`
	Server    string    `json:"server"`
	Mode      string    `json:"mode"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Status is a point-in-time view of the host.
type Status struct {
	Policy       string               `json:"autostartPolicy"`
	Servers      []ServerStatus       `json:"servers"`
	Tools        int                  `json:"tools"`
	Elicitations []PendingElicitation `json:"pendingElicitations"`
}

// Status snapshots servers, registered tools and pending elicitations.
func (h *Host) Status() Status {
	infos := h.reconciler.Snapshot()
	s := Status{
		Policy:       string(h.orchestrator.Policy()),
		Servers:      make([]ServerStatus, 0, len(infos)),
		Tools:        len(h.registry.Tools()),
		Elicitations: pendingView(h.coordinator.Pending()),
	}
	for _, info := range infos {
		s.Servers = append(s.Servers, ServerStatus{
			Collection: info.Key.CollectionID,
			ID:         info.Key.ServerID,
			Label:      info.Label,
			Prefix:     info.Prefix,
			State:      info.Status.State.String(),
			Message:    info.Status.Message,
			Cache:      info.Cache.String(),
			Tools:      info.Tools,
		})
	}
	return s
}

func pendingView(pending []elicitation.PendingInfo) []PendingElicitation {
	out := make([]PendingElicitation, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingElicitation{
			ID:        p.ID,
			Server:    p.Server,
			Mode:      string(p.Mode),
			Message:   p.Message,
			CreatedAt: p.CreatedAt,
		})
	}
	return out
}
