package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memoaid/internal/app"
	"memoaid/internal/config"
	"memoaid/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var (
	serveAddr         string
	serveModelsDir    string
	serveDefaultModel string
	serveEngine       string
	serveLlamaBin     string
	serveBlocklist    string
	serveCORSEnabled  bool
	serveCORSOrigins  string
	serveMaxBody      int64
	serveChatTimeout  int64
	serveNoAutoload   bool
	serveHTTPLog      string
)

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "addr", "", "HTTP listen address, e.g. :8080 (env MEMOAID_ADDR)")
	f.StringVar(&serveModelsDir, "models-dir", "", "directory to scan for *.gguf model files")
	f.StringVar(&serveDefaultModel, "default-model", "", "model id or path loaded at startup")
	f.StringVar(&serveEngine, "engine", "", "inference engine: server or llama")
	f.StringVar(&serveLlamaBin, "llama-bin", "", "llama-server executable")
	f.StringVar(&serveBlocklist, "blocklist", "", "comma-separated architectures that need the compatibility loader")
	f.BoolVar(&serveCORSEnabled, "cors-enabled", false, "enable CORS")
	f.StringVar(&serveCORSOrigins, "cors-origins", "", "comma-separated allowed origins")
	f.Int64Var(&serveMaxBody, "max-body-bytes", 0, "maximum JSON body size (default 1MiB)")
	f.Int64Var(&serveChatTimeout, "chat-timeout", 0, "chat timeout in seconds (0 disables)")
	f.BoolVar(&serveNoAutoload, "no-autoload", false, "do not load a model at startup")
	f.StringVar(&serveHTTPLog, "http-log", "", "request log level: off, error, info, debug")
}

// applyServeFlags overrides file values with the flags that were set.
func applyServeFlags(cmd *cobra.Command, cfg config.Config) config.Config {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = serveAddr
	}
	if f.Changed("models-dir") {
		cfg.ModelsDir = serveModelsDir
	}
	if f.Changed("default-model") {
		cfg.DefaultModel = serveDefaultModel
	}
	if f.Changed("engine") {
		cfg.Engine = serveEngine
	}
	if f.Changed("llama-bin") {
		cfg.LlamaServer.Bin = serveLlamaBin
	}
	if f.Changed("blocklist") {
		cfg.Blocklist = splitCSV(serveBlocklist)
	}
	if f.Changed("cors-enabled") {
		cfg.CORS.Enabled = serveCORSEnabled
	}
	if f.Changed("cors-origins") {
		cfg.CORS.AllowedOrigins = splitCSV(serveCORSOrigins)
	}
	if f.Changed("max-body-bytes") {
		cfg.MaxBodyBytes = serveMaxBody
	}
	if f.Changed("chat-timeout") {
		cfg.ChatTimeoutSeconds = serveChatTimeout
	}
	return cfg
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = applyServeFlags(cmd, cfg).WithDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, &log)
	if err != nil {
		return err
	}

	go func() {
		if err := rt.Settings.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("settings watch stopped")
		}
	}()
	rt.StartTools(ctx)
	if !serveNoAutoload {
		go func() {
			if err := rt.AutoLoad(ctx); err != nil {
				log.Error().Err(err).Msg("startup model load failed")
			}
		}()
	}

	httpapi.SetLogger(log)
	if serveHTTPLog != "" {
		httpapi.SetDefaultLogLevel(serveHTTPLog)
	}
	httpapi.SetBaseContext(ctx)
	httpapi.Configure(cfg)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(rt.Service),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("engine", cfg.Engine).Msg("memoaid listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			_ = rt.Close(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return rt.Close(shutdownCtx)
}
