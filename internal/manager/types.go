package manager

import (
	"context"
	"time"
)

// State represents the lifecycle state of the single model slot.
type State string

const (
	StateEmpty     State = "empty"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// LoadConfig carries the native loading options for one model.
type LoadConfig struct {
	ContextSize int
	BatchSize   int
	Threads     int
	// GPULayers is the number of layers offloaded to the GPU; -1 offloads all.
	GPULayers int
	UseMMap   bool
	UseMLock  bool
	// Compat selects the conservative loader path: no mmap, no GPU offload.
	Compat bool
}

// Effective returns the options actually passed to an engine.
func (c LoadConfig) Effective() LoadConfig {
	if c.Compat {
		c.UseMMap = false
		c.GPULayers = 0
	}
	return c
}

// PredictParams captures sampling parameters for a single completion.
type PredictParams struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	Seed          int
	Stop          []string
}

// Engine loads model files into native inference handles.
type Engine interface {
	Name() string
	Load(ctx context.Context, path string, cfg LoadConfig) (Model, error)
}

// Model is a loaded inference handle. At most one is live per Manager.
type Model interface {
	// Predict runs one completion. onToken is invoked for every generated
	// fragment; returning false asks the engine to stop as soon as it can.
	// The returned text is the full completion produced before stopping.
	Predict(ctx context.Context, prompt string, p PredictParams, onToken func(string) bool) (string, error)
	// Close disposes the native resources. It may return before the memory
	// is actually released; see Released.
	Close() error
	// Released reports whether the engine has confirmed release after Close.
	Released() bool
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Loaded       bool          `json:"loaded"`
	State        State         `json:"state"`
	Path         string        `json:"path,omitempty"`
	Name         string        `json:"name,omitempty"`
	Architecture string        `json:"architecture,omitempty"`
	ContextSize  int           `json:"context_size,omitempty"`
	GPULayers    int           `json:"gpu_layers"`
	Compat       bool          `json:"compat"`
	Engine       string        `json:"engine,omitempty"`
	LoadedAt     time.Time     `json:"loaded_at,omitempty"`
	LoadDuration time.Duration `json:"load_duration,omitempty"`
	Err          string        `json:"error,omitempty"`
}
