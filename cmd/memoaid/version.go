package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"memoaid/internal/manager"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		engines := "server"
		if manager.LlamaBuilt() {
			engines += ", llama"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "memoaid %s (engines: %s)\n", version, engines)
	},
}
