//go:build llama

package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// llamaEngine loads models in-process through go-llama.cpp.
type llamaEngine struct {
	threads int
}

// NewLlamaEngine returns the in-process engine. threads is the default
// prediction thread count when a load does not specify one.
func NewLlamaEngine(threads int) Engine {
	return &llamaEngine{threads: threads}
}

func (e *llamaEngine) Name() string { return "llama" }

func (e *llamaEngine) Load(ctx context.Context, path string, cfg LoadConfig) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(zn(cfg.ContextSize, 2048)),
		llama.SetNBatch(zn(cfg.BatchSize, 512)),
		llama.SetMMap(cfg.UseMMap),
	}
	if cfg.GPULayers != 0 {
		layers := cfg.GPULayers
		if layers < 0 {
			layers = 999
		}
		mo = append(mo, llama.SetGPULayers(layers))
	}
	if cfg.UseMLock {
		mo = append(mo, llama.EnableMLock)
	}
	l, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{l: l, threads: zn(cfg.Threads, e.threads)}, nil
}

// llamaModel owns the loaded handle. go-llama.cpp frees memory
// synchronously, so release is confirmed as soon as Free returns.
type llamaModel struct {
	mu       sync.Mutex
	l        *llama.LLama
	threads  int
	released atomic.Bool
}

func (m *llamaModel) Predict(ctx context.Context, prompt string, p PredictParams, onToken func(string) bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.l == nil {
		return "", errors.New("llama model not initialized")
	}
	m.l.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return onToken(tok)
	})
	defer m.l.SetTokenCallback(nil)
	text, err := m.l.Predict(prompt, predictOptions(p, m.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return text, ctx.Err()
		}
		return text, err
	}
	return text, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.l != nil {
		m.l.Free()
		m.l = nil
	}
	m.released.Store(true)
	return nil
}

func (m *llamaModel) Released() bool { return m.released.Load() }

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts sampling params into go-llama.cpp options.
func predictOptions(p PredictParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
