package elicitation

import (
	"context"
	"sync"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
)

// CompletionWait settles when the server reports that an out-of-band
// elicitation finished, or when the server stops running.
type CompletionWait struct {
	done chan struct{}
	once sync.Once
	err  error

	mu     sync.Mutex
	unsubs []func()
}

// WaitForCompletion starts listening on server for the completion of
// elicitationID.
func WaitForCompletion(server mcphost.ServerConnection, elicitationID string) *CompletionWait {
	w := &CompletionWait{done: make(chan struct{})}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unsubs = append(w.unsubs,
		server.OnElicitationComplete(func(id string) {
			if elicitationID != "" && id == elicitationID {
				w.settle(nil)
			}
		}),
		server.State().Subscribe(func(s mcphost.Status) {
			if s.State != mcphost.StateRunning {
				w.settle(ErrCompletionCancelled)
			}
		}),
	)
	if server.State().Get().State != mcphost.StateRunning {
		go w.settle(ErrCompletionCancelled)
	}
	return w
}

func (w *CompletionWait) settle(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
		go w.Close()
	})
}

// Done is closed once the wait has settled.
func (w *CompletionWait) Done() <-chan struct{} { return w.done }

// Wait returns nil on completion and ErrCompletionCancelled if the server
// stopped first. Unlike the rest of the flow it rejects with ctx.Err() when
// ctx ends.
func (w *CompletionWait) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops listening. A wait that has not settled never will.
func (w *CompletionWait) Close() {
	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
