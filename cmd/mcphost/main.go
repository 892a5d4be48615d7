// Command mcphost runs declared MCP servers, mirrors their tools and serves
// them to downstream MCP clients through one gateway endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/autostart"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/config"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/host"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/termui"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
	trustAll   bool

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:           "mcphost",
	Short:         "Run MCP servers and serve their tools through one endpoint",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		handlerOpts := &slog.HandlerOptions{Level: level}
		if logJSON {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mcphost.yaml", "declarations file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
	rootCmd.PersistentFlags().BoolVar(&trustAll, "trust-all", false, "start servers without asking whether they are trusted")

	rootCmd.AddCommand(serveCmd, listCmd, autostartCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcphost:", err)
		os.Exit(1)
	}
}

// hostSetup collects what a command needs to build a Host from a file.
type hostSetup struct {
	file     *config.File
	policy   autostart.Policy
	terminal *termui.Terminal
	confirm  bool
	metrics  *metrics.Metrics
}

func loadConfig(policyOverride string) (*config.File, autostart.Policy, error) {
	f, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	name := f.Autostart
	if policyOverride != "" {
		name = policyOverride
	}
	if name == "" {
		return f, autostart.PolicyNever, nil
	}
	policy, err := autostart.ParsePolicy(name)
	if err != nil {
		return nil, "", err
	}
	return f, policy, nil
}

// cachePath resolves the cache path against the declarations file.
func cachePath(f *config.File) string {
	p := f.Cache.Path
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, ":memory:") {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

func newHost(ctx context.Context, s hostSetup) (*host.Host, error) {
	opts := host.Options{
		Connections: mcpmgr.Options{ClientName: "mcphost"},
		CachePath:   cachePath(s.file),
		Policy:      s.policy,
		Logger:      logger,
		Metrics:     s.metrics,
	}
	if s.terminal != nil {
		opts.Notifier = s.terminal
		opts.Prompter = s.terminal
		opts.Opener = termui.BrowserOpener{}
		if s.confirm {
			opts.Confirm = s.terminal.Confirmation()
		}
	}
	if !trustAll {
		t := s.terminal
		if t == nil {
			// Without a terminal nothing is trusted interactively.
			t = termui.New(strings.NewReader(""), os.Stderr)
		}
		opts.Connections.Trust = t.Trust()
	}
	return host.New(ctx, opts)
}
