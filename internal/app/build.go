package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"memoaid/internal/common/fsutil"
	"memoaid/internal/config"
	"memoaid/internal/history"
	"memoaid/internal/manager"
	"memoaid/internal/prompts"
	"memoaid/internal/registry"
	"memoaid/internal/settings"
	"memoaid/internal/toolrpc"
	"memoaid/pkg/types"
)

// Runtime owns every long-lived component built from a Config.
type Runtime struct {
	Config   config.Config
	Service  *Service
	Manager  *manager.Manager
	Settings *settings.Store
	History  *history.SQLiteStore
	Tools    *toolrpc.Client

	log zerolog.Logger
}

// Build constructs the runtime described by cfg. Tool servers are registered
// but not started; see StartTools.
func Build(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	rt := &Runtime{Config: cfg, log: zerolog.Nop()}
	if logger != nil {
		rt.log = logger.With().Str("component", "runtime").Logger()
	}

	settingsPath, err := fsutil.ExpandHome(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	if rt.Settings, err = settings.Open(settingsPath, logger); err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	promptsPath, err := fsutil.ExpandHome(cfg.PromptsPath)
	if err != nil {
		return nil, err
	}
	pr, err := prompts.Open(promptsPath)
	if err != nil {
		return nil, fmt.Errorf("open prompts: %w", err)
	}

	historyPath, err := fsutil.ExpandHome(cfg.HistoryPath)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureParentDir(historyPath); err != nil {
		return nil, err
	}
	rt.History = history.NewSQLiteStore(historyPath)
	if err := rt.History.Init(ctx); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	mcfg, err := managerConfig(cfg, rt.Settings.Config(), logger)
	if err != nil {
		_ = rt.History.Close()
		return nil, err
	}
	rt.Manager = manager.New(mcfg)
	if logger != nil {
		lg := logger.With().Str("component", "manager").Logger()
		rt.Manager.SetPublisher(manager.LogPublisher(func(e manager.Event) {
			lg.Debug().Str("event", e.Name).Str("path", e.Path).Fields(e.Fields).Msg("model event")
		}))
	}

	rt.Tools = toolrpc.New(toolrpc.Config{Logger: logger})
	for _, ts := range cfg.ToolServers {
		d, err := ts.Descriptor()
		if err == nil {
			err = rt.Tools.RegisterServer(d)
		}
		if err != nil {
			_ = rt.History.Close()
			return nil, err
		}
	}

	scanner := registry.NewGGUFScanner()
	if cfg.Blocklist != nil {
		scanner.Blocklist = cfg.Blocklist
	}
	rt.Service, err = New(Deps{
		ModelsDir:     cfg.ModelsDir,
		Scanner:       scanner,
		Manager:       rt.Manager,
		Settings:      rt.Settings,
		Prompts:       pr,
		History:       rt.History,
		Tools:         rt.Tools,
		MaxIterations: cfg.MaxIterations,
		MaxSessions:   cfg.MaxSessions,
		HistoryTurns:  cfg.HistoryTurns,
		Logger:        logger,
	})
	if err != nil {
		_ = rt.History.Close()
		return nil, err
	}
	return rt, nil
}

func managerConfig(cfg config.Config, mc settings.ModelConfiguration, logger *zerolog.Logger) (manager.Config, error) {
	maxWait, err := config.Duration(cfg.MaxWait, 0)
	if err != nil {
		return manager.Config{}, err
	}
	drain, err := config.Duration(cfg.DrainTimeout, 0)
	if err != nil {
		return manager.Config{}, err
	}
	grace, err := config.Duration(cfg.ReleaseGrace, 0)
	if err != nil {
		return manager.Config{}, err
	}

	var engine manager.Engine
	switch strings.ToLower(cfg.Engine) {
	case "llama":
		engine = manager.NewLlamaEngine(mc.NThreads)
	case "server":
		ready, err := config.Duration(cfg.LlamaServer.ReadyTimeout, 0)
		if err != nil {
			return manager.Config{}, err
		}
		engine = manager.NewServerEngine(manager.ServerEngineConfig{
			Bin:          cfg.LlamaServer.Bin,
			BaseArgs:     cfg.LlamaServer.Args,
			Host:         cfg.LlamaServer.Host,
			PortStart:    cfg.LlamaServer.PortStart,
			PortEnd:      cfg.LlamaServer.PortEnd,
			ReadyTimeout: ready,
			Logger:       logger,
		})
	default:
		return manager.Config{}, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	mcfg := manager.Config{
		Engine:        engine,
		Blocklist:     cfg.Blocklist,
		DefaultLoad:   LoadConfigFromSettings(mc),
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       maxWait,
		DrainTimeout:  drain,
		ReleaseGrace:  grace,
		Logger:        logger,
	}
	return mcfg, nil
}

// StartTools starts every enabled tool server and lists its tools.
func (rt *Runtime) StartTools(ctx context.Context) {
	rt.Tools.StartAll(ctx)
}

// AutoLoad loads the configured default model, or the first model found in
// the models directory. It does nothing when neither exists.
func (rt *Runtime) AutoLoad(ctx context.Context) error {
	target := rt.Config.DefaultModel
	if target == "" {
		first, err := registry.First(rt.Config.ModelsDir)
		if err != nil {
			return err
		}
		if first == "" {
			rt.log.Warn().Str("dir", rt.Config.ModelsDir).Msg("no model found; nothing loaded")
			return nil
		}
		target = first
	}
	_, err := rt.Service.LoadModel(ctx, types.LoadRequest{Path: target})
	return err
}

// Close unloads the model, stops the tool servers and closes the history.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.Service.Wait()
	var errs []error
	if err := rt.Manager.Unload(ctx); err != nil && !errors.Is(err, manager.ErrReleaseTimeout) {
		errs = append(errs, fmt.Errorf("unload: %w", err))
	}
	rt.Tools.Cleanup()
	if err := rt.History.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	return errors.Join(errs...)
}
