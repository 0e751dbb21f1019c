package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"memoaid/internal/gguf"
)

// Manager owns the single loaded model. Load, Unload and Reload share one
// critical section; a call that finds it held fails fast with a busy error.
type Manager struct {
	// lifecycle serializes Load/Unload/Reload and is only taken with TryLock.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       State
	op          string
	model       Model
	info        ModelInfo
	lastCfg     LoadConfig
	haveLastCfg bool

	engine      Engine
	blocklist   []string
	defaultLoad LoadConfig
	probe       func(path string) (gguf.Result, error)

	// Admission: one in-flight generation, bounded queue.
	genCh         chan struct{}
	queueCh       chan struct{}
	maxQueueDepth int
	maxWait       time.Duration

	drainTimeout time.Duration
	releaseGrace time.Duration
	releasePoll  time.Duration

	publisher EventPublisher
	log       zerolog.Logger
}

// SetPublisher installs an EventPublisher for lifecycle events.
func (m *Manager) SetPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.publisher = noopPublisher{}
		return
	}
	m.publisher = p
}

func (m *Manager) emit(name, path string, fields map[string]any) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(Event{Name: name, Path: path, At: time.Now(), Fields: fields})
}

// begin enters the lifecycle critical section or fails fast.
func (m *Manager) begin(op string) (func(), error) {
	if !m.lifecycle.TryLock() {
		m.mu.RLock()
		cur := m.op
		m.mu.RUnlock()
		if cur == "" {
			cur = "lifecycle operation"
		}
		return nil, busyError{op: cur}
	}
	m.mu.Lock()
	m.op = op
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.op = ""
		m.mu.Unlock()
		m.lifecycle.Unlock()
	}, nil
}

// Ready reports whether a model is loaded and accepting generations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.model != nil
}

// Info returns a snapshot of the loaded model. When the architecture was not
// found in the file metadata it is guessed from the file name.
func (m *Manager) Info() ModelInfo {
	m.mu.RLock()
	info := m.info
	info.State = m.state
	info.Loaded = m.model != nil && m.state == StateReady
	m.mu.RUnlock()
	if info.Path != "" && info.Architecture == "" {
		info.Architecture = ArchitectureFromName(info.Path)
	}
	return info
}

// Load loads path as the sole active model. A model already loaded is
// unloaded first. A path that does not exist fails before anything is
// unloaded; any later failure leaves the slot empty. Both return a
// *LoadError.
func (m *Manager) Load(ctx context.Context, path string, cfg LoadConfig) error {
	done, err := m.begin("load")
	if err != nil {
		return err
	}
	defer done()
	return m.loadLocked(ctx, path, cfg)
}

// Reload switches to newPath using the last load configuration. It is a
// no-op when newPath is the path already loaded.
func (m *Manager) Reload(ctx context.Context, newPath string) error {
	done, err := m.begin("reload")
	if err != nil {
		return err
	}
	defer done()
	m.mu.RLock()
	cur := m.info.Path
	loaded := m.model != nil
	cfg := m.defaultLoad
	if m.haveLastCfg {
		cfg = m.lastCfg
	}
	m.mu.RUnlock()
	if loaded && samePath(cur, newPath) {
		return nil
	}
	return m.loadLocked(ctx, newPath, cfg)
}

// Unload releases the current model. It drains in-flight generation,
// disposes the handle and waits for the engine to confirm release. If the
// confirmation does not arrive within the grace period the slot is cleared
// anyway and ErrReleaseTimeout is returned. Unloading an empty slot is a
// no-op.
func (m *Manager) Unload(ctx context.Context) error {
	done, err := m.begin("unload")
	if err != nil {
		return err
	}
	defer done()
	return m.unloadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context, path string, cfg LoadConfig) error {
	if m.engine == nil {
		return &LoadError{Path: path, Err: ErrDependencyUnavailable("no inference engine configured")}
	}
	if _, err := os.Stat(path); err != nil {
		modelLoadsTotal.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Str("path", path).Msg("model file unavailable")
		m.emit(EventLoadFailed, path, map[string]any{"error": err.Error(), "retried": false})
		return &LoadError{Path: path, Err: err}
	}
	m.mu.RLock()
	hasModel := m.model != nil
	m.mu.RUnlock()
	if hasModel {
		if err := m.unloadLocked(ctx); err != nil && !errors.Is(err, ErrReleaseTimeout) {
			return err
		}
	}

	start := time.Now()
	m.setState(StateLoading, "")
	m.emit(EventLoadStart, path, map[string]any{"compat": cfg.Compat})

	arch := ""
	if res, err := m.probe(path); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("probe failed")
	} else {
		arch = res.Architecture
	}
	if gguf.IsBlocked(arch, m.blocklist) && !cfg.Compat {
		m.log.Info().Str("path", path).Str("architecture", arch).Msg("architecture blocklisted; forcing compat mode")
		cfg.Compat = true
	}

	mdl, err := m.engine.Load(ctx, path, cfg.Effective())
	retried := false
	if err != nil && !cfg.Compat && isUnknownArchitecture(err) {
		m.log.Warn().Err(err).Str("path", path).Msg("unknown architecture; retrying in compat mode")
		m.emit(EventLoadRetryCompat, path, map[string]any{"error": err.Error()})
		cfg.Compat = true
		retried = true
		mdl, err = m.engine.Load(ctx, path, cfg.Effective())
	}
	if err != nil {
		return m.failLoad(path, retried, err, start)
	}

	eff := cfg.Effective()
	dur := time.Since(start)
	m.mu.Lock()
	m.model = mdl
	m.state = StateReady
	m.lastCfg = cfg
	m.haveLastCfg = true
	m.info = ModelInfo{
		Path:         path,
		Name:         filepath.Base(path),
		Architecture: arch,
		ContextSize:  eff.ContextSize,
		GPULayers:    eff.GPULayers,
		Compat:       cfg.Compat,
		Engine:       m.engine.Name(),
		LoadedAt:     time.Now(),
		LoadDuration: dur,
	}
	m.mu.Unlock()

	modelLoadsTotal.WithLabelValues("ok").Inc()
	modelLoadDuration.Observe(dur.Seconds())
	modelLoaded.Set(1)
	m.log.Info().Str("path", path).Str("architecture", arch).Bool("compat", cfg.Compat).Dur("dur", dur).Msg("model loaded")
	m.emit(EventLoadDone, path, map[string]any{"compat": cfg.Compat, "architecture": arch, "retried": retried})
	return nil
}

func (m *Manager) failLoad(path string, retried bool, err error, start time.Time) error {
	m.setState(StateError, err.Error())
	modelLoadsTotal.WithLabelValues("error").Inc()
	modelLoadDuration.Observe(time.Since(start).Seconds())
	modelLoaded.Set(0)
	m.log.Error().Err(err).Str("path", path).Bool("retried", retried).Msg("model load failed")
	m.emit(EventLoadFailed, path, map[string]any{"error": err.Error(), "retried": retried})
	return &LoadError{Path: path, Retried: retried, Err: err}
}

// setState updates the slot state. Leaving the slot non-ready clears the
// handle so it is never partially populated.
func (m *Manager) setState(s State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	if s == StateLoading || s == StateError || s == StateEmpty {
		m.model = nil
		m.info = ModelInfo{Err: errMsg}
	}
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
