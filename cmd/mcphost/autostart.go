package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/autostart"
)

var autostartPolicy string

var autostartCmd = &cobra.Command{
	Use:   "autostart",
	Short: "Run one autostart pass and print every progress snapshot",
	Long: `Autostart reconciles the declarations file, starts every server the
policy admits and prints each snapshot the run publishes. Servers that need
the user before they can start are listed at the end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAutostart(cmd.Context(), os.Stdout)
	},
}

func init() {
	autostartCmd.Flags().StringVar(&autostartPolicy, "policy", "", "autostart policy: never, only-new or new-and-outdated")
}

func runAutostart(ctx context.Context, w io.Writer) error {
	f, policy, err := loadConfig(autostartPolicy)
	if err != nil {
		return err
	}
	h, err := newHost(ctx, hostSetup{file: f, policy: policy})
	if err != nil {
		return err
	}
	defer h.Close()

	h.Apply(ctx, f.Declarations())
	run := h.Autostart(ctx)
	snapshots := make(chan autostart.State, 16)
	unsubscribe := run.State().Subscribe(func(s autostart.State) {
		select {
		case snapshots <- s:
		default:
		}
	})
	printSnapshot(w, run.State().Get())
wait:
	for {
		select {
		case s := <-snapshots:
			printSnapshot(w, s)
		case <-run.Done():
			break wait
		}
	}
	unsubscribe()
	for len(snapshots) > 0 {
		printSnapshot(w, <-snapshots)
	}

	final := run.State().Get()
	if len(final.ServersRequiringInteraction) > 0 {
		fmt.Fprintln(w, "servers requiring interaction:")
		for _, ir := range final.ServersRequiringInteraction {
			fmt.Fprintf(w, "  %s/%s (%s): %s\n", ir.CollectionID, ir.ID, ir.Label, ir.ErrorMessage)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return printStatus(w, h.Status())
}

func printSnapshot(w io.Writer, s autostart.State) {
	starting := make([]string, 0, len(s.Starting))
	for _, def := range s.Starting {
		starting = append(starting, def.Label)
	}
	status := "done"
	if s.Working {
		status = "working"
	}
	fmt.Fprintf(w, "[%s] starting: %s, needs interaction: %d\n",
		status, strings.Join(starting, ", "), len(s.ServersRequiringInteraction))
}
