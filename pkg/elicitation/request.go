// Package elicitation answers server requests for user input. Form requests
// walk the user through the requested fields one at a time; URL requests
// hand the user off to an external page and optionally wait for the server
// to report completion.
package elicitation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Mode tags the shape of a Request.
type Mode string

const (
	ModeForm Mode = "form"
	ModeURL  Mode = "url"
)

// Action is the user's overall answer.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
)

var (
	ErrCompletionCancelled = errors.New("elicitation: server stopped before completion")
	ErrNoSurface           = errors.New("elicitation: no surface to show the request on")
	ErrNoResourceHandler   = errors.New("elicitation: no resource handler registered")
)

// Request is a server's elicitation request. Form requests carry
// RequestedSchema; URL requests carry URL and ElicitationID.
type Request struct {
	Mode            Mode
	Message         string
	RequestedSchema json.RawMessage
	URL             string
	ElicitationID   string
}

// Validate checks the fields required by the request's mode.
func (r Request) Validate() error {
	switch r.Mode {
	case ModeForm:
		return nil
	case ModeURL:
		if r.URL == "" {
			return fmt.Errorf("elicitation: url request without url")
		}
		return nil
	default:
		return fmt.Errorf("elicitation: unknown mode %q", r.Mode)
	}
}

// Result is sent back to the server.
type Result struct {
	Action  Action
	Content map[string]any
}

// ToSDK converts r to the wire result.
func (r Result) ToSDK() *mcp.ElicitResult {
	return &mcp.ElicitResult{Action: string(r.Action), Content: r.Content}
}

type wireRequest struct {
	Mode            string          `json:"mode,omitempty"`
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
	URL             string          `json:"url,omitempty"`
	ElicitationID   string          `json:"elicitationId,omitempty"`
}

// FromSDK decodes elicitation params received from a server. A missing mode
// means form.
func FromSDK(params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("elicitation: encode params: %w", err)
	}
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return Request{}, fmt.Errorf("elicitation: decode params: %w", err)
	}
	req := Request{
		Mode:            Mode(w.Mode),
		Message:         w.Message,
		RequestedSchema: w.RequestedSchema,
		URL:             w.URL,
		ElicitationID:   w.ElicitationID,
	}
	if req.Mode == "" {
		req.Mode = ModeForm
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// CompletionID extracts the elicitation id from an "elicitation complete"
// notification payload.
func CompletionID(params any) (string, bool) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", false
	}
	var p struct {
		ElicitationID string `json:"elicitationId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ElicitationID == "" {
		return "", false
	}
	return p.ElicitationID, true
}
