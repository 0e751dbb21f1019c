package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"memoaid/internal/common/fsutil"
	"memoaid/internal/gguf"
	"memoaid/internal/manager"
)

var probeJSON bool

// stdinHeaderLimit bounds how much of standard input is read as a header.
const stdinHeaderLimit = 1 << 20

var probeCmd = &cobra.Command{
	Use:   "probe <file|->",
	Short: "Read the architecture declared by a GGUF file",
	Long:  "Read the architecture declared by a GGUF file. With \"-\" the header is read from standard input.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			path string
			res  gguf.Result
		)
		if args[0] == "-" {
			b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), stdinHeaderLimit))
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			path, res = "<stdin>", gguf.ProbeBytes(b)
		} else {
			p, err := fsutil.ExpandHome(args[0])
			if err != nil {
				return err
			}
			if res, err = gguf.Probe(p); err != nil {
				return err
			}
			path = p
		}
		arch := res.Architecture
		guessed := false
		if arch == "" && args[0] != "-" {
			if g := manager.ArchitectureFromName(path); g != "unknown" {
				arch, guessed = g, true
			}
		}
		out := struct {
			Path         string `json:"path"`
			Recognized   bool   `json:"recognized"`
			Version      uint32 `json:"version,omitempty"`
			Architecture string `json:"architecture,omitempty"`
			Guessed      bool   `json:"guessed,omitempty"`
			Compat       bool   `json:"compat"`
		}{path, res.Recognized, res.Version, arch, guessed, gguf.IsBlocked(arch, gguf.DefaultBlocklist)}

		w := cmd.OutOrStdout()
		if probeJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		if !out.Recognized {
			fmt.Fprintf(w, "%s: not a GGUF file\n", path)
		} else {
			fmt.Fprintf(w, "%s: GGUF v%d\n", path, out.Version)
		}
		switch {
		case out.Architecture == "":
			fmt.Fprintln(w, "architecture: unknown")
		case out.Guessed:
			fmt.Fprintf(w, "architecture: %s (from file name)\n", out.Architecture)
		default:
			fmt.Fprintf(w, "architecture: %s\n", out.Architecture)
		}
		fmt.Fprintf(w, "compat loader: %t\n", out.Compat)
		return nil
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "print JSON")
}
