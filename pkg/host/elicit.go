package host

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcpmgr"
)

type resourceReader interface {
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

func readResource(ctx context.Context, server mcphost.ServerConnection, uri string) (*mcp.ReadResourceResult, error) {
	r, ok := server.(resourceReader)
	if !ok {
		return nil, fmt.Errorf("host: server %q cannot read resources", server.Definition().ID)
	}
	return r.ReadResource(ctx, uri)
}

// elicitationHandler decodes a server's request, asks the coordinator and
// encodes the answer. Accepted URL requests keep waiting for the server's
// completion notice after the answer is sent.
func (h *Host) elicitationHandler(conn mcphost.ServerConnection) mcpmgr.ElicitationHandler {
	logger := h.opts.Logger.With("server", mcphost.KeyOf(conn).String())
	return func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		decoded, err := elicitation.FromSDK(req.Params)
		if err != nil {
			return nil, err
		}
		var conv elicitation.Conversation
		if h.opts.Conversation != nil {
			conv = h.opts.Conversation()
		}
		out, err := h.coordinator.Elicit(ctx, conn, conv, decoded)
		if err != nil {
			return nil, err
		}
		if out.Completion != nil {
			go h.awaitCompletion(out.Completion, decoded, logger)
		}
		return out.Result.ToSDK(), nil
	}
}

func (h *Host) awaitCompletion(w *elicitation.CompletionWait, req elicitation.Request, logger *slog.Logger) {
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.CompletionTimeout)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		logger.Warn("url elicitation did not complete", "elicitation", req.ElicitationID, "error", err)
		return
	}
	logger.Info("url elicitation completed", "elicitation", req.ElicitationID)
}
