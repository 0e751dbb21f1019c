// Package app wires the model manager, the conversation engine and the
// stores behind the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"memoaid/internal/agent"
	"memoaid/internal/history"
	"memoaid/internal/inference"
	"memoaid/internal/manager"
	"memoaid/internal/prompts"
	"memoaid/internal/registry"
	"memoaid/internal/settings"
	"memoaid/internal/toolrpc"
	"memoaid/pkg/types"
)

// Deps are the collaborators of a Service. Manager, Settings and Prompts are
// required.
type Deps struct {
	ModelsDir string
	Scanner   *registry.GGUFScanner
	Manager   *manager.Manager
	Settings  *settings.Store
	Prompts   *prompts.Store
	History   *history.SQLiteStore
	Tools     *toolrpc.Client
	Context   agent.ContextProvider

	MaxIterations int
	MaxSessions   int
	HistoryTurns  int
	Logger        *zerolog.Logger
}

// Service implements httpapi.Service.
type Service struct {
	modelsDir string
	scanner   *registry.GGUFScanner
	mgr       *manager.Manager
	settings  *settings.Store
	prompts   *prompts.Store
	history   *history.SQLiteStore
	tools     *toolrpc.Client
	engine    *agent.Engine
	log       zerolog.Logger

	mu sync.Mutex
	// applied is the settings-derived load configuration of the last load
	// made here. compat records a per-request compat override on top of it.
	applied manager.LoadConfig
	compat  bool
	// bg tracks reloads triggered by settings changes.
	bg sync.WaitGroup
}

func New(d Deps) (*Service, error) {
	if d.Manager == nil || d.Settings == nil || d.Prompts == nil {
		return nil, errors.New("app: manager, settings and prompts are required")
	}
	s := &Service{
		modelsDir: d.ModelsDir,
		scanner:   d.Scanner,
		mgr:       d.Manager,
		settings:  d.Settings,
		prompts:   d.Prompts,
		history:   d.History,
		tools:     d.Tools,
		log:       zerolog.Nop(),
	}
	if s.scanner == nil {
		s.scanner = registry.NewGGUFScanner()
	}
	if d.Logger != nil {
		s.log = d.Logger.With().Str("component", "app").Logger()
	}

	cfg := agent.Config{
		Generator:     inference.NewSession(d.Manager, d.Logger),
		Prompts:       d.Prompts,
		Context:       d.Context,
		Models:        d.Manager,
		Options:       func() inference.Options { return inference.OptionsFromConfig(d.Settings.Config()) },
		MaxIterations: d.MaxIterations,
		MaxSessions:   d.MaxSessions,
		HistoryTurns:  d.HistoryTurns,
		Logger:        d.Logger,
	}
	// nil pointers must not become non-nil interfaces
	if d.Tools != nil {
		cfg.Tools = d.Tools
	}
	if d.History != nil {
		cfg.History = d.History
	}
	engine, err := agent.New(cfg)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	d.Settings.OnChange(s.settingsChanged)
	return s, nil
}

// LoadConfigFromSettings maps the stored configuration to the loader options.
func LoadConfigFromSettings(c settings.ModelConfiguration) manager.LoadConfig {
	gpu := 0
	if c.UseGPU {
		gpu = -1
	}
	return manager.LoadConfig{
		ContextSize: c.ContextSize,
		BatchSize:   c.BatchSize,
		Threads:     c.NThreads,
		GPULayers:   gpu,
		UseMMap:     c.UseMMap,
		UseMLock:    c.UseMLock,
		Compat:      c.LegacyAPI,
	}
}

// settingsChanged reloads the loaded model when a load option changed.
func (s *Service) settingsChanged(c settings.ModelConfiguration) {
	info := s.mgr.Info()
	if !info.Loaded {
		return
	}
	next := LoadConfigFromSettings(c)
	s.mu.Lock()
	same, compat := next == s.applied, s.compat
	s.mu.Unlock()
	if same {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.log.Info().Str("path", info.Path).Msg("load settings changed; reloading model")
		if err := s.load(context.Background(), info.Path, next, compat); err != nil {
			s.log.Error().Err(err).Str("path", info.Path).Msg("reload after settings change")
		}
	}()
}

// load loads path with the settings-derived cfg, forcing compat mode when
// compat is set.
func (s *Service) load(ctx context.Context, path string, cfg manager.LoadConfig, compat bool) error {
	eff := cfg
	eff.Compat = cfg.Compat || compat
	if err := s.mgr.Load(ctx, path, eff); err != nil {
		return err
	}
	s.mu.Lock()
	s.applied, s.compat = cfg, compat
	s.mu.Unlock()
	return nil
}

// Wait blocks until reloads triggered by settings changes have finished.
func (s *Service) Wait() { s.bg.Wait() }

func (s *Service) Ready() bool { return s.mgr.Ready() }

func (s *Service) ListModels() ([]types.Model, error) {
	return s.scanner.Scan(s.modelsDir)
}

func (s *Service) ModelStatus() types.ModelStatus {
	return statusFrom(s.mgr.Info())
}

func statusFrom(info manager.ModelInfo) types.ModelStatus {
	return types.ModelStatus{
		Loaded:       info.Loaded,
		State:        string(info.State),
		Path:         info.Path,
		Name:         info.Name,
		Architecture: info.Architecture,
		ContextSize:  info.ContextSize,
		GPULayers:    info.GPULayers,
		Compat:       info.Compat,
		Engine:       info.Engine,
		LoadedAt:     info.LoadedAt,
		LoadMillis:   info.LoadDuration.Milliseconds(),
		Error:        info.Err,
	}
}

// LoadModel loads a model by id or path with the stored settings.
func (s *Service) LoadModel(ctx context.Context, req types.LoadRequest) (types.ModelStatus, error) {
	path, err := registry.Resolve(s.modelsDir, req.Path)
	if err != nil {
		return s.ModelStatus(), err
	}
	err = s.load(ctx, path, LoadConfigFromSettings(s.settings.Config()), req.Compat)
	return s.ModelStatus(), err
}

// ReloadModel switches to req.Path. Without a path the loaded model is
// loaded again with the current settings.
func (s *Service) ReloadModel(ctx context.Context, req types.LoadRequest) (types.ModelStatus, error) {
	if strings.TrimSpace(req.Path) != "" {
		path, err := registry.Resolve(s.modelsDir, req.Path)
		if err != nil {
			return s.ModelStatus(), err
		}
		err = s.mgr.Reload(ctx, path)
		return s.ModelStatus(), err
	}
	info := s.mgr.Info()
	if info.Path == "" {
		return s.ModelStatus(), manager.ErrNotLoaded
	}
	err := s.load(ctx, info.Path, LoadConfigFromSettings(s.settings.Config()), req.Compat)
	return s.ModelStatus(), err
}

func (s *Service) UnloadModel(ctx context.Context) (types.ModelStatus, error) {
	err := s.mgr.Unload(ctx)
	if errors.Is(err, manager.ErrReleaseTimeout) {
		// the slot is cleared regardless
		s.log.Warn().Err(err).Msg("unload")
		err = nil
	}
	return s.ModelStatus(), err
}

func (s *Service) Settings() types.SettingsResponse {
	return types.SettingsResponse{Settings: s.settings.GetAll(), Max: settings.MaxValues()}
}

func (s *Service) UpdateSettings(values map[string]any) (types.SettingsResponse, error) {
	if err := s.settings.SetMany(values); err != nil {
		return types.SettingsResponse{}, err
	}
	if err := s.settings.Save(); err != nil {
		return types.SettingsResponse{}, fmt.Errorf("save settings: %w", err)
	}
	return s.Settings(), nil
}

func (s *Service) Tools() types.ToolsResponse {
	out := types.ToolsResponse{Servers: []types.ToolServer{}, Tools: []types.Tool{}}
	if s.tools == nil {
		return out
	}
	for _, d := range s.tools.Servers() {
		out.Servers = append(out.Servers, types.ToolServer{
			Name:      d.Name,
			Transport: string(d.Transport),
			Enabled:   d.Enabled,
			Running:   s.tools.Running(d.Name),
		})
	}
	for _, t := range s.tools.Tools() {
		out.Tools = append(out.Tools, types.Tool{
			QualifiedName: t.QualifiedName,
			Name:          t.Name,
			Description:   t.Description,
			Server:        t.Server,
			InputSchema:   t.InputSchema,
		})
	}
	return out
}

// Chat runs the message through the conversation engine. Chunks are only
// streamed when the streaming setting is on.
func (s *Service) Chat(ctx context.Context, req types.ChatRequest, onChunk func(types.ChatChunk) bool) (types.ChatResponse, error) {
	areq := agent.Request{
		SessionID:      req.SessionID,
		Message:        req.Message,
		CustomPromptID: req.CustomPromptID,
	}
	if req.Stream && onChunk != nil && s.settings.Config().Streaming {
		areq.Stream = true
		areq.OnChunk = func(chunk, accumulated string) bool {
			return onChunk(types.ChatChunk{Chunk: chunk, Accumulated: accumulated})
		}
	}
	st, err := s.engine.Run(ctx, areq)
	return types.ChatResponse{
		SessionID:  st.SessionID,
		RunID:      st.RunID,
		Status:     string(st.Status),
		Answer:     st.Final,
		Iterations: st.Iterations,
		Error:      st.Err,
	}, err
}

func (s *Service) EvictSession(id string) bool { return s.engine.Evict(id) }

func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]types.Turn, error) {
	if s.history == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = history.DefaultRecent
	}
	turns, err := s.history.Recent(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, types.Turn{
			ID:        t.ID,
			SessionID: t.SessionID,
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: t.Timestamp,
		})
	}
	return out, nil
}

func (s *Service) ClearHistory(ctx context.Context, sessionID string) (int64, error) {
	if s.history == nil {
		return 0, nil
	}
	return s.history.Clear(ctx, sessionID)
}

func (s *Service) Prompts() types.PromptsResponse {
	doc := s.prompts.Snapshot()
	out := types.PromptsResponse{
		GlobalPrompt:  doc.GlobalPrompt,
		ModelPrompts:  doc.ModelPrompts,
		CustomPrompts: make(map[string]types.CustomPrompt, len(doc.CustomPrompts)),
	}
	for id, c := range doc.CustomPrompts {
		out.CustomPrompts[id] = types.CustomPrompt{Prompt: c.Prompt, Description: c.Description, CreatedAt: c.CreatedAt}
	}
	return out
}

func (s *Service) SetGlobalPrompt(p string) error { return s.prompts.SetGlobalPrompt(p) }

func (s *Service) SetModelPrompt(model, p string) error {
	path, err := registry.Resolve(s.modelsDir, model)
	if err != nil {
		// prompts may be stored for models not on disk yet
		path = model
	}
	return s.prompts.SetModelPrompt(path, p)
}

func (s *Service) SetCustomPrompt(id, p, description string) error {
	return s.prompts.SetCustomPrompt(id, p, description)
}

func (s *Service) DeleteCustomPrompt(id string) error { return s.prompts.DeleteCustomPrompt(id) }
