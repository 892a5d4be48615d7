package elicitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
)

// ResourceReader serves resources a server references while a form is being
// filled in.
type ResourceReader func(ctx context.Context, server mcphost.ServerConnection, uri string) (*mcp.ReadResourceResult, error)

// Options configure a Coordinator.
type Options struct {
	// Notifier is used when no active conversation is given.
	Notifier  Surface
	Prompter  Prompter
	Opener    URLOpener
	Resources ResourceReader
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Outcome is the result of one elicitation. Completion is set for accepted
// URL requests and must be closed by the caller.
type Outcome struct {
	Result     Result
	Completion *CompletionWait
}

// PendingInfo describes an elicitation waiting on the user.
type PendingInfo struct {
	ID        string
	Server    string
	Mode      Mode
	Message   string
	CreatedAt time.Time
}

// Coordinator routes elicitation requests to the user.
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	pending map[string]PendingInfo
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{opts: opts, pending: make(map[string]PendingInfo)}
}

// Pending lists elicitations currently waiting on the user, oldest first.
func (c *Coordinator) Pending() []PendingInfo {
	c.mu.Lock()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HandleResourceRequest reads a resource on behalf of a server during a form
// flow.
func (c *Coordinator) HandleResourceRequest(ctx context.Context, server mcphost.ServerConnection, uri string) (*mcp.ReadResourceResult, error) {
	if c.opts.Resources == nil {
		return nil, ErrNoResourceHandler
	}
	return c.opts.Resources(ctx, server, uri)
}

type pendingResult struct {
	outcome Outcome
	err     error
}

// settlement resolves at most once; later resolutions are dropped.
type settlement struct {
	ch chan pendingResult
}

func newSettlement() *settlement { return &settlement{ch: make(chan pendingResult, 1)} }

func (s *settlement) resolve(r pendingResult) bool {
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

// Elicit asks the user to answer req on behalf of server. conv may be nil.
// Cancelling ctx settles the request with a cancel result. Only malformed
// requests produce an error.
func (c *Coordinator) Elicit(ctx context.Context, server mcphost.ServerConnection, conv Conversation, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	var form *Form
	if req.Mode == ModeForm {
		f, err := ParseForm(req.RequestedSchema)
		if err != nil {
			return Outcome{}, err
		}
		form = f
	}

	var surface Surface = c.opts.Notifier
	if conv != nil && conv.Active() {
		surface = conv
	}
	if surface == nil {
		return Outcome{}, ErrNoSurface
	}

	id := ulid.Make().String()
	label := server.Definition().Label
	c.track(PendingInfo{ID: id, Server: label, Mode: req.Mode, Message: req.Message, CreatedAt: time.Now()})
	defer c.untrack(id)
	logger := c.opts.Logger.With("elicitation", id, "server", label, "mode", string(req.Mode))

	// uiCtx bounds everything shown to the user; it ends on every exit path.
	uiCtx, release := context.WithCancel(ctx)
	defer release()

	var completion *CompletionWait
	if req.Mode == ModeURL {
		completion = WaitForCompletion(server, req.ElicitationID)
	}

	settled := newSettlement()
	stop := context.AfterFunc(ctx, func() {
		settled.resolve(pendingResult{outcome: Outcome{Result: Result{Action: ActionCancel}}})
	})
	defer stop()

	go func() {
		var res Result
		var err error
		switch req.Mode {
		case ModeForm:
			res, err = c.runForm(uiCtx, surface, label, req, form, logger)
		case ModeURL:
			res, err = c.runURL(uiCtx, surface, label, req)
		}
		if err != nil {
			logger.Warn("elicitation flow failed", "error", err)
			res = Result{Action: ActionCancel}
		}
		if uiCtx.Err() != nil {
			res = Result{Action: ActionCancel}
		}
		settled.resolve(pendingResult{outcome: Outcome{Result: res}})
	}()

	r := <-settled.ch
	if r.outcome.Result.Action == ActionAccept && completion != nil {
		r.outcome.Completion = completion
	} else if completion != nil {
		completion.Close()
	}
	c.opts.Metrics.Elicitation(string(req.Mode), string(r.outcome.Result.Action))
	logger.Debug("elicitation settled", "action", string(r.outcome.Result.Action))
	return r.outcome, r.err
}

func (c *Coordinator) track(p PendingInfo) {
	c.mu.Lock()
	c.pending[p.ID] = p
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Coordinator) runForm(ctx context.Context, surface Surface, label string, req Request, form *Form, logger *slog.Logger) (Result, error) {
	choice, err := surface.Show(ctx, Prompt{
		Server:       label,
		Mode:         ModeForm,
		Message:      req.Message,
		AcceptLabel:  "Respond",
		DeclineLabel: "Decline",
	})
	if err != nil {
		return Result{}, err
	}
	switch choice {
	case ChoiceDecline:
		return Result{Action: ActionDecline}, nil
	case ChoiceAccept:
	default:
		return Result{Action: ActionCancel}, nil
	}
	if c.opts.Prompter == nil {
		return Result{}, errors.New("elicitation: no prompter configured")
	}

	content, ok, err := c.fill(ctx, label, form.Fields)
	if err != nil || !ok {
		return Result{Action: ActionCancel}, err
	}
	if err := form.ValidateContent(content); err != nil {
		logger.Warn("elicitation content rejected by schema", "error", err)
		return Result{Action: ActionCancel}, nil
	}
	return Result{Action: ActionAccept, Content: content}, nil
}

type answer struct {
	text   string
	picked []int
}

// fill walks the fields in order. ok is false when the user cancelled.
func (c *Coordinator) fill(ctx context.Context, label string, fields []Field) (content map[string]any, ok bool, err error) {
	content = make(map[string]any, len(fields))
	answers := make([]answer, len(fields))
	for i := 0; i < len(fields); {
		f := fields[i]
		q := Question{
			Server:    label,
			Field:     f,
			Index:     i,
			Total:     len(fields),
			Initial:   answers[i].text,
			Selected:  answers[i].picked,
			CanGoBack: i > 0,
			Optional:  !f.Required,
		}
		step, value, err := c.ask(ctx, q)
		if err != nil {
			return nil, false, err
		}
		switch step.Kind {
		case StepCancel:
			return nil, false, nil
		case StepBack:
			if i > 0 {
				i--
			}
		case StepNone:
			delete(content, f.Name)
			answers[i] = answer{}
			i++
		case StepValue:
			content[f.Name] = value
			answers[i] = answer{text: step.Text, picked: step.Picked}
			i++
		}
	}
	return content, true, nil
}

// ask prompts for one field until it gets a valid answer or a navigation
// step.
func (c *Coordinator) ask(ctx context.Context, q Question) (Step, any, error) {
	f := q.Field
	if f.Kind == KindInput {
		q.Validate = f.Validate
	}
	for {
		if err := ctx.Err(); err != nil {
			return Step{Kind: StepCancel}, nil, nil
		}
		var (
			step Step
			err  error
		)
		if f.Kind == KindInput {
			step, err = c.opts.Prompter.Input(ctx, q)
		} else {
			step, err = c.opts.Prompter.Pick(ctx, q)
		}
		if err != nil {
			if ctx.Err() != nil {
				return Step{Kind: StepCancel}, nil, nil
			}
			return Step{}, nil, fmt.Errorf("elicitation: ask %q: %w", f.Name, err)
		}
		if step.Kind == StepNone && f.Required {
			q.Problem = errRequired.Error()
			continue
		}
		if step.Kind != StepValue {
			return step, nil, nil
		}

		var value any
		if f.Kind == KindInput {
			if step.Text == "" && !f.Required {
				return Step{Kind: StepNone}, nil, nil
			}
			value, err = f.Convert(step.Text)
			q.Initial = step.Text
		} else {
			value, err = f.Pick(step.Picked)
			q.Selected = step.Picked
		}
		if err != nil {
			q.Problem = err.Error()
			continue
		}
		return step, value, nil
	}
}

func (c *Coordinator) runURL(ctx context.Context, surface Surface, label string, req Request) (Result, error) {
	choice, err := surface.Show(ctx, Prompt{
		Server:       label,
		Mode:         ModeURL,
		Message:      req.Message,
		URL:          req.URL,
		AcceptLabel:  "Open",
		DeclineLabel: "Cancel",
	})
	if err != nil {
		return Result{}, err
	}
	switch choice {
	case ChoiceAccept:
	case ChoiceDecline:
		return Result{Action: ActionDecline}, nil
	default:
		return Result{Action: ActionCancel}, nil
	}
	if c.opts.Opener == nil {
		return Result{Action: ActionDecline}, nil
	}
	if err := c.opts.Opener.Open(ctx, req.URL); err != nil {
		c.opts.Logger.Warn("open elicitation url", "url", req.URL, "error", err)
		return Result{Action: ActionDecline}, nil
	}
	return Result{Action: ActionAccept}, nil
}
