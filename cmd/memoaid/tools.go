package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"memoaid/internal/toolrpc"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the configured tool servers",
}

var toolsListTimeout time.Duration

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Start every enabled tool server and list its tools",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := toolrpc.New(toolrpc.Config{Logger: &log})
		defer client.Cleanup()
		for _, ts := range cfg.ToolServers {
			d, err := ts.Descriptor()
			if err != nil {
				return err
			}
			if err := client.RegisterServer(d); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), toolsListTimeout)
		defer cancel()
		client.StartAll(ctx)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tTRANSPORT\tSTATE")
		for _, d := range client.Servers() {
			state := "stopped"
			switch {
			case !d.Enabled:
				state = "disabled"
			case client.Running(d.Name):
				state = "running"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Transport, state)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "TOOL\tDESCRIPTION")
		for _, t := range client.Tools() {
			fmt.Fprintf(w, "%s\t%s\n", t.QualifiedName, t.Description)
		}
		return w.Flush()
	},
}

func init() {
	toolsListCmd.Flags().DurationVar(&toolsListTimeout, "timeout", 30*time.Second, "overall timeout")
	toolsCmd.AddCommand(toolsListCmd)
}
