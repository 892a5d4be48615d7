package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/host"
)

var (
	listJSON     bool
	listActivate bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print declared servers with their prefixes and cache state",
	Long: `List reconciles the declarations file without starting any server and
prints every server with the tool prefix allocated to it, its connection
state and where its tool list would come from.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd.Context(), os.Stdout)
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON instead of a table")
	listCmd.Flags().BoolVar(&listActivate, "activate", false, "load lazy collections first")
}

func runList(ctx context.Context, w io.Writer) error {
	f, policy, err := loadConfig("")
	if err != nil {
		return err
	}
	h, err := newHost(ctx, hostSetup{file: f, policy: policy})
	if err != nil {
		return err
	}
	defer h.Close()

	h.Apply(ctx, f.Declarations())
	if listActivate {
		if err := h.Reconciler().ActivateCollections(ctx); err != nil {
			logger.Warn("activate collections", "error", err)
		}
	}
	return printStatus(w, h.Status())
}

func printStatus(w io.Writer, st host.Status) error {
	if listJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("COLLECTION", "SERVER", "LABEL", "PREFIX", "STATE", "CACHE", "TOOLS")
	for _, s := range st.Servers {
		state := s.State
		if s.Message != "" {
			state += ": " + s.Message
		}
		t.Row(s.Collection, s.ID, s.Label, s.Prefix, state, s.Cache, strconv.Itoa(s.Tools))
	}
	_, err := fmt.Fprintf(w, "%s\nautostart policy: %s, registered tools: %d\n", t.String(), st.Policy, st.Tools)
	return err
}
