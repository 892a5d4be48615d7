package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/autostart"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/config"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/host"
	mcpgateway "github.com/vikashloomba/mcp-toolhost-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/termui"
)

var (
	serveAddr     string
	servePolicy   string
	serveNoPrompt bool
	serveYes      bool
	watchDebounce time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Reconcile declared servers, autostart them and serve the gateway",
	Long: `Serve loads the declarations file, creates a connection per declared
server, runs one autostart pass and serves every discovered tool over
Streamable HTTP. The declarations file is watched and changes are applied
without a restart.

Bearer-token auth is enabled when MCPHOST_BEARER_TOKEN is set.
AUTHORIZATION_SERVER_URL and OAUTH_RESOURCE_METADATA_URL are advertised to
clients when present.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "gateway listen address (overrides the file)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "autostart policy: never, only-new or new-and-outdated")
	serveCmd.Flags().BoolVar(&serveNoPrompt, "no-prompt", false, "never prompt on the terminal")
	serveCmd.Flags().BoolVarP(&serveYes, "yes", "y", false, "run tools without asking for confirmation")
	serveCmd.Flags().DurationVar(&watchDebounce, "watch-debounce", config.DefaultWatchDebounce, "quiet period before a changed declarations file is reloaded")
}

func runServe(ctx context.Context) error {
	f, policy, err := loadConfig(servePolicy)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	setup := hostSetup{file: f, policy: policy, confirm: !serveYes, metrics: metrics.New(promReg)}
	if !serveNoPrompt {
		setup.terminal = termui.Stdio()
	}
	h, err := newHost(ctx, setup)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	res := h.Apply(ctx, f.Declarations())
	logger.Info("servers declared", "created", len(res.Created), "skipped", res.Skipped)
	go logRun(h.Autostart(ctx))

	go func() {
		err := config.Watch(ctx, configPath, config.WatchOptions{Debounce: watchDebounce, Logger: logger}, func(next *config.File) {
			applyPolicy(h, next)
			h.Update(next.Declarations())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	if f.Gateway.Disabled {
		logger.Info("gateway disabled")
		<-ctx.Done()
		return nil
	}
	gw, err := mcpgateway.NewGateway(h.Registry(), gatewayOptions(f, h, promReg))
	if err != nil {
		return err
	}
	defer gw.Close()
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	return nil
}

// applyPolicy switches to the policy named in a reloaded file. An empty or
// invalid name keeps the current policy.
func applyPolicy(h *host.Host, f *config.File) {
	if f.Autostart == "" || servePolicy != "" {
		return
	}
	p, err := autostart.ParsePolicy(f.Autostart)
	if err != nil {
		logger.Warn("ignoring autostart policy", "error", err)
		return
	}
	if p != h.Orchestrator().Policy() {
		logger.Info("autostart policy changed", "policy", string(p))
		h.Orchestrator().SetPolicy(p)
	}
}

func logRun(run *autostart.Run) {
	unsubscribe := run.State().Subscribe(func(s autostart.State) {
		for _, ir := range s.ServersRequiringInteraction {
			logger.Warn("server requires interaction", "collection", ir.CollectionID, "server", ir.ID, "reason", ir.ErrorMessage)
		}
	})
	defer unsubscribe()
	<-run.Done()
	s := run.State().Get()
	logger.Info("autostart finished", "interactions", len(s.ServersRequiringInteraction))
}

func gatewayOptions(f *config.File, h *host.Host, promReg *prometheus.Registry) *mcpgateway.Options {
	opts := &mcpgateway.Options{
		Addr:           f.Gateway.Addr,
		Path:           f.Gateway.Path,
		AllowedOrigins: f.Gateway.AllowedOrigins,
		Logger:         logger,
		Metrics:        promReg,
		Status:         func() any { return h.Status() },
		Streamable:     mcp.StreamableHTTPOptions{JSONResponse: true},
	}
	if serveAddr != "" {
		opts.Addr = serveAddr
	}
	if token := os.Getenv("MCPHOST_BEARER_TOKEN"); token != "" {
		opts.TokenVerifier = staticTokenVerifier(token)
		opts.TokenOptions = &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: os.Getenv("OAUTH_RESOURCE_METADATA_URL"),
		}
		opts.AuthorizationServer = os.Getenv("AUTHORIZATION_SERVER_URL")
	}
	return opts
}

func staticTokenVerifier(want string) auth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
