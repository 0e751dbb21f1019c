package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoaid/internal/manager"
)

// scriptedEngine answers with tokens chosen by the prompt.
type scriptedEngine struct {
	model *scriptedModel
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Load(ctx context.Context, path string, cfg manager.LoadConfig) (manager.Model, error) {
	return e.model, nil
}

type scriptedModel struct {
	mu        sync.Mutex
	respond   func(prompt string) []string
	panicMsg  string
	err       error
	produced  int
	params    []manager.PredictParams
	prompts   []string
	tokenWait time.Duration
}

func (m *scriptedModel) Predict(ctx context.Context, prompt string, p manager.PredictParams, onToken func(string) bool) (string, error) {
	m.mu.Lock()
	m.params = append(m.params, p)
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return "", m.err
	}
	var out strings.Builder
	for _, tok := range m.respond(prompt) {
		if m.tokenWait > 0 {
			time.Sleep(m.tokenWait)
		}
		m.mu.Lock()
		m.produced++
		m.mu.Unlock()
		out.WriteString(tok)
		if !onToken(tok) {
			break
		}
	}
	return out.String(), nil
}

func (m *scriptedModel) Close() error   { return nil }
func (m *scriptedModel) Released() bool { return true }

func (m *scriptedModel) producedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produced
}

func newTestSession(t *testing.T, model *scriptedModel) (*Session, *manager.Manager) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	m := manager.New(manager.Config{Engine: &scriptedEngine{model: model}, MaxWait: time.Second})
	require.NoError(t, m.Load(context.Background(), p, manager.LoadConfig{}))
	return NewSession(m, nil), m
}

func arithmetic(prompt string) []string {
	if strings.Contains(prompt, "2+2?") {
		return []string{"4"}
	}
	return []string{"I", " do", " not", " know"}
}

func TestGenerate_EndToEnd(t *testing.T) {
	model := &scriptedModel{respond: arithmetic}
	s, _ := newTestSession(t, model)

	p := BuildPrompt("2+2?", "", nil)
	require.True(t, strings.HasSuffix(p.Text, "<|im_start|>assistant\n"))

	res, err := s.Generate(context.Background(), p, Options{MaxTokens: 16})
	require.NoError(t, err)
	require.Equal(t, "4", strings.TrimSpace(res.Text))
	require.False(t, res.Cancelled)
	require.False(t, res.Fallback)
	require.Equal(t, StopSequences, model.params[0].Stop)
}

func TestGenerate_BlankResultFallsBackOnce(t *testing.T) {
	model := &scriptedModel{respond: func(prompt string) []string {
		if strings.Contains(prompt, TurnStart) {
			return []string{" ", "\n"}
		}
		return []string{"plain answer"}
	}}
	s, _ := newTestSession(t, model)

	res, err := s.Generate(context.Background(), BuildPrompt("  hello  ", "be brief", nil), Options{MaxTokens: 1024, Temperature: 0.9})
	require.NoError(t, err)
	require.True(t, res.Fallback)
	require.Equal(t, "plain answer", res.Text)
	require.Len(t, model.prompts, 2)
	require.Equal(t, "hello", model.prompts[1])
	require.Equal(t, FallbackMaxTokens, model.params[1].MaxTokens)
	require.InDelta(t, FallbackTemperature, model.params[1].Temperature, 1e-6)
	require.Equal(t, StopSequences, model.params[0].Stop)
	require.NotNil(t, model.params[1].Stop)
	require.Empty(t, model.params[1].Stop)
}

func TestGenerate_TrimsBlockingText(t *testing.T) {
	model := &scriptedModel{respond: func(string) []string { return []string{"\n", " Paris", " is", " the", " capital.", "\n\n"} }}
	s, _ := newTestSession(t, model)

	res, err := s.Generate(context.Background(), BuildPrompt("capital of France?", "", nil), Options{})
	require.NoError(t, err)
	require.Equal(t, "Paris is the capital.", res.Text)
	require.False(t, res.Fallback)

	streamed, err := s.GenerateStreaming(context.Background(), BuildPrompt("capital of France?", "", nil), Options{}, func(string, string) bool { return true })
	require.NoError(t, err)
	require.Equal(t, "\n Paris is the capital.\n\n", streamed.Text)
}

func TestGenerateStreaming_ConcatenationMatchesBlocking(t *testing.T) {
	model := &scriptedModel{respond: func(string) []string { return []string{"The", " sky", " is", " blue", "."} }}
	s, _ := newTestSession(t, model)
	p := BuildPrompt("colour of the sky?", "", nil)
	o := Options{MaxTokens: 32, Seed: 42}

	blocking, err := s.Generate(context.Background(), p, o)
	require.NoError(t, err)

	var chunks []string
	var lastAcc string
	streamed, err := s.GenerateStreaming(context.Background(), p, o, func(chunk, acc string) bool {
		chunks = append(chunks, chunk)
		lastAcc = acc
		return true
	})
	require.NoError(t, err)
	require.Equal(t, blocking.Text, strings.Join(chunks, ""))
	require.Equal(t, blocking.Text, streamed.Text)
	require.Equal(t, streamed.Text, lastAcc)
}

func TestGenerateStreaming_CancelAtChunkK(t *testing.T) {
	model := &scriptedModel{respond: func(string) []string { return []string{"a", "b", "c", "d", "e", "f"} }}
	s, m := newTestSession(t, model)

	const k = 2
	var got []string
	res, err := s.GenerateStreaming(context.Background(), BuildPrompt("go", "", nil), Options{}, func(chunk, acc string) bool {
		got = append(got, chunk)
		return len(got) < k
	})
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	require.Empty(t, res.Text)
	require.Equal(t, []string{"a", "b"}, got)

	// The worker stops and returns the lease.
	require.Eventually(t, func() bool {
		l, err := m.Acquire(context.Background())
		if err != nil {
			return false
		}
		l.Release()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, model.producedCount(), k+1)
}

func TestGenerateStreaming_ContextCancel(t *testing.T) {
	model := &scriptedModel{
		respond:   func(string) []string { return []string{"a", "b", "c", "d"} },
		tokenWait: 50 * time.Millisecond,
	}
	s, _ := newTestSession(t, model)
	ctx, cancel := context.WithCancel(context.Background())
	res, err := s.GenerateStreaming(ctx, BuildPrompt("go", "", nil), Options{}, func(chunk, acc string) bool {
		cancel()
		return true
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, res.Cancelled)
	require.Empty(t, res.Text)
}

func TestGenerate_EngineErrorIsGenerationError(t *testing.T) {
	model := &scriptedModel{err: errors.New("kv cache full")}
	s, _ := newTestSession(t, model)
	_, err := s.Generate(context.Background(), BuildPrompt("hi", "", nil), Options{})
	require.True(t, IsGenerationError(err))
	require.Contains(t, FormatApology(err), "kv cache full")
}

func TestGenerate_PanicIsRecovered(t *testing.T) {
	model := &scriptedModel{panicMsg: "native crash"}
	s, m := newTestSession(t, model)
	_, err := s.GenerateStreaming(context.Background(), BuildPrompt("hi", "", nil), Options{}, func(string, string) bool { return true })
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	require.True(t, ge.Panic)

	l, err := m.Acquire(context.Background())
	require.NoError(t, err, "lease must be released after a panic")
	l.Release()
}

func TestGenerate_NotLoaded(t *testing.T) {
	m := manager.New(manager.Config{Engine: &scriptedEngine{}})
	s := NewSession(m, nil)
	_, err := s.Generate(context.Background(), BuildPrompt("hi", "", nil), Options{})
	require.ErrorIs(t, err, manager.ErrNotLoaded)
	require.True(t, IsGenerationError(err))
}
