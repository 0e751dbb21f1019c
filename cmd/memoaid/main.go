package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"memoaid/internal/config"
)

var version = "dev"

type globalFlags struct {
	ConfigPath string
	LogLevel   string
	LogPretty  bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           "memoaid",
	Short:         "Local assistant server for GGUF models with tool calling",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file (.yaml, .json or .toml)")
	rootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error (env MEMOAID_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&flags.LogPretty, "log-pretty", false, "human-readable console logs")

	rootCmd.AddCommand(serveCmd, probeCmd, toolsCmd, versionCmd)
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from flags and environment.
func newLogger() zerolog.Logger {
	level := flags.LogLevel
	if level == "" {
		level = os.Getenv("MEMOAID_LOG_LEVEL")
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if flags.LogPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// loadConfig reads --config when given and applies the defaults.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if flags.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(flags.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("MEMOAID_ADDR"); v != "" {
		cfg.Addr = v
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
