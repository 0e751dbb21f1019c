package manager

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// createModelFile creates a small placeholder model file and returns its path.
func createModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("not really a model"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return p
}

// createGGUFFile writes a minimal GGUF header declaring arch.
func createGGUFFile(t *testing.T, dir, name, arch string) string {
	t.Helper()
	var b bytes.Buffer
	w := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	b.WriteString("GGUF")
	w(uint32(3))
	w(uint64(0))
	w(uint64(1))
	key := "general.architecture"
	w(uint64(len(key)))
	b.WriteString(key)
	w(uint32(8))
	w(uint64(len(arch)))
	b.WriteString(arch)
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b.Bytes(), 0o644); err != nil {
		t.Fatalf("write gguf: %v", err)
	}
	return p
}

// fakeEngine is an in-memory Engine used for tests.
type fakeEngine struct {
	mu       sync.Mutex
	loadErrs []error // consumed one per Load call
	calls    []LoadConfig
	paths    []string
	models   []*fakeModel
	tokens   []string
	// block, when set, makes Load wait until it is closed.
	block chan struct{}
	// neverRelease makes Released stay false after Close.
	neverRelease bool
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Load(ctx context.Context, path string, cfg LoadConfig) (Model, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.paths = append(f.paths, path)
	var err error
	if len(f.loadErrs) > 0 {
		err = f.loadErrs[0]
		f.loadErrs = f.loadErrs[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	m := &fakeModel{tokens: f.tokens, neverRelease: f.neverRelease}
	f.mu.Lock()
	f.models = append(f.models, m)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeEngine) loadCalls() []LoadConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LoadConfig(nil), f.calls...)
}

func (f *fakeEngine) model(i int) *fakeModel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[i]
}

type fakeModel struct {
	mu           sync.Mutex
	tokens       []string
	closed       bool
	neverRelease bool
}

func (m *fakeModel) Predict(ctx context.Context, prompt string, p PredictParams, onToken func(string) bool) (string, error) {
	var out strings.Builder
	for _, tok := range m.tokens {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		out.WriteString(tok)
		if !onToken(tok) {
			break
		}
	}
	return out.String(), nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

func (m *fakeModel) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed && !m.neverRelease
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestManager(eng Engine) (*Manager, *MemoryPublisher) {
	pub := NewMemoryPublisher()
	m := New(Config{
		Engine:       eng,
		Publisher:    pub,
		MaxWait:      100 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
		ReleaseGrace: 100 * time.Millisecond,
		ReleasePoll:  5 * time.Millisecond,
	})
	return m, pub
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}
