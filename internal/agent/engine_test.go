package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoaid/internal/history"
	"memoaid/internal/inference"
	"memoaid/internal/manager"
	"memoaid/internal/toolrpc"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	reply   func(ctx context.Context, call int, prompt string) (string, error)
}

func (g *scriptedGenerator) next(ctx context.Context, p inference.Prompt) (string, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.prompts = append(g.prompts, p.Text)
	g.mu.Unlock()
	return g.reply(ctx, n, p.Text)
}

func (g *scriptedGenerator) Generate(ctx context.Context, p inference.Prompt, _ inference.Options) (inference.Result, error) {
	text, err := g.next(ctx, p)
	return inference.Result{Text: text}, err
}

func (g *scriptedGenerator) GenerateStreaming(ctx context.Context, p inference.Prompt, _ inference.Options, onChunk inference.ChunkFunc) (inference.Result, error) {
	text, err := g.next(ctx, p)
	if err != nil {
		return inference.Result{}, err
	}
	acc := ""
	for _, w := range strings.SplitAfter(text, " ") {
		acc += w
		if !onChunk(w, acc) {
			return inference.Result{Cancelled: true}, nil
		}
	}
	return inference.Result{Text: acc}, nil
}

func (g *scriptedGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func constant(text string) func(context.Context, int, string) (string, error) {
	return func(context.Context, int, string) (string, error) { return text, nil }
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (f *fakeTools) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{{QualifiedName: "calc.add", Name: "add", Description: "Adds numbers", Server: "calc"}}
}

func (f *fakeTools) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	return map[string]any{"sum": a + b}, nil
}

type memHistory struct {
	mu    sync.Mutex
	turns []history.Turn
}

func (h *memHistory) Recent(_ context.Context, sessionID string, n int) ([]history.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []history.Turn
	for _, t := range h.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (h *memHistory) Append(_ context.Context, sessionID string, role history.Role, content string) (history.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := history.Turn{SessionID: sessionID, Role: role, Content: content}
	h.turns = append(h.turns, t)
	return t, nil
}

func (h *memHistory) roles(sessionID string) []history.Role {
	turns, _ := h.Recent(context.Background(), sessionID, 0)
	out := make([]history.Role, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Role)
	}
	return out
}

type staticPrompts string

func (p staticPrompts) EffectivePrompt(string, string) string { return string(p) }

type fixedModel manager.ModelInfo

func (m fixedModel) Info() manager.ModelInfo { return manager.ModelInfo(m) }

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

const addCall = `<tool_call>{"name":"calc.add","arguments":{"a":2,"b":2}}</tool_call>`

func TestRunFinalAnswer(t *testing.T) {
	gen := &scriptedGenerator{reply: constant("4")}
	hist := &memHistory{}
	e := newEngine(t, Config{Generator: gen, History: hist, Prompts: staticPrompts("Be brief.")})

	st, err := e.Run(context.Background(), Request{SessionID: "s1", Message: "2+2?"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, st.Status)
	require.Equal(t, "4", st.Final)
	require.Equal(t, 1, st.Iterations)
	require.Equal(t, []history.Role{history.RoleUser, history.RoleAssistant}, hist.roles("s1"))
	require.Contains(t, gen.prompts[0], "<|im_start|>system\nBe brief.\n<|im_end|>")
	require.Contains(t, gen.prompts[0], "<|im_start|>user\n2+2?\n<|im_end|>")

	_, ok := e.Active("s1")
	require.False(t, ok)
}

func TestRunGeneratesSessionID(t *testing.T) {
	e := newEngine(t, Config{Generator: &scriptedGenerator{reply: constant("hi")}})
	st, err := e.Run(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	require.Len(t, st.SessionID, 36)
	require.NotEmpty(t, st.RunID)
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	gen := &scriptedGenerator{reply: constant("x")}
	e := newEngine(t, Config{Generator: gen})
	st, err := e.Run(context.Background(), Request{SessionID: "s", Message: "   "})
	require.ErrorIs(t, err, ErrNoUserMessage)
	require.Equal(t, StatusFailed, st.Status)
	require.Zero(t, gen.count())
}

func TestRunToolDispatch(t *testing.T) {
	gen := &scriptedGenerator{reply: func(_ context.Context, call int, prompt string) (string, error) {
		if call == 1 {
			return "Let me add. " + addCall, nil
		}
		if !strings.Contains(prompt, `"sum":4`) {
			return "", fmt.Errorf("tool result missing from prompt")
		}
		return "It is 4.", nil
	}}
	tools := &fakeTools{}
	hist := &memHistory{}
	e := newEngine(t, Config{Generator: gen, Tools: tools, History: hist})

	st, err := e.Run(context.Background(), Request{SessionID: "s", Message: "2+2?"})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, st.Status)
	require.Equal(t, "It is 4.", st.Final)
	require.Equal(t, 2, st.Iterations)
	require.Equal(t, []string{"calc.add"}, tools.calls)
	require.Equal(t, []history.Role{history.RoleUser, history.RoleAssistant, history.RoleTool, history.RoleAssistant}, hist.roles("s"))

	roles := make([]string, 0, len(st.Messages))
	for _, m := range st.Messages {
		roles = append(roles, m.Role)
	}
	require.Equal(t, []string{"user", "assistant", "tool", "assistant"}, roles)
	require.Contains(t, gen.prompts[0], "calc.add: Adds numbers")
}

func TestToolErrorBecomesToolTurn(t *testing.T) {
	gen := &scriptedGenerator{reply: func(_ context.Context, call int, prompt string) (string, error) {
		if call == 1 {
			return addCall, nil
		}
		if !strings.Contains(prompt, "server not running") {
			return "", fmt.Errorf("tool error missing from prompt")
		}
		return "The calculator is down.", nil
	}}
	tools := &fakeTools{fail: &toolrpc.Error{Kind: toolrpc.KindNotRunning, Server: "calc"}}
	e := newEngine(t, Config{Generator: gen, Tools: tools})

	st, err := e.Run(context.Background(), Request{SessionID: "s", Message: "2+2?"})
	require.NoError(t, err)
	require.Equal(t, "The calculator is down.", st.Final)
}

func TestIterationCap(t *testing.T) {
	gen := &scriptedGenerator{reply: constant(addCall)}
	e := newEngine(t, Config{Generator: gen, Tools: &fakeTools{}})

	st, err := e.Run(context.Background(), Request{SessionID: "s", Message: "loop forever"})
	require.ErrorIs(t, err, ErrIterationCap)
	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, DefaultMaxIterations, gen.count())
	require.Equal(t, DefaultMaxIterations, st.Iterations)
	require.Equal(t, StatusFailed, st.Status)
}

func TestGenerationErrorFails(t *testing.T) {
	boom := errors.New("boom")
	e := newEngine(t, Config{Generator: &scriptedGenerator{reply: func(context.Context, int, string) (string, error) {
		return "", &inference.GenerationError{Op: "predict", Err: boom}
	}}})
	st, err := e.Run(context.Background(), Request{SessionID: "s", Message: "hi"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, StatusFailed, st.Status)
	require.NotEmpty(t, st.Err)
}

func TestModelUnavailable(t *testing.T) {
	gen := &scriptedGenerator{reply: constant("x")}
	e := newEngine(t, Config{Generator: gen, Models: fixedModel{Loaded: false}})
	_, err := e.Run(context.Background(), Request{SessionID: "s", Message: "hi"})
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Zero(t, gen.count())

	e = newEngine(t, Config{Generator: &scriptedGenerator{reply: func(context.Context, int, string) (string, error) {
		return "", &inference.GenerationError{Op: "acquire", Err: manager.ErrNotLoaded}
	}}})
	_, err = e.Run(context.Background(), Request{SessionID: "s", Message: "hi"})
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestStreamingChunksAndCancel(t *testing.T) {
	gen := &scriptedGenerator{reply: constant("one two three")}
	e := newEngine(t, Config{Generator: gen})

	var chunks []string
	st, err := e.Run(context.Background(), Request{SessionID: "s", Message: "count", Stream: true,
		OnChunk: func(chunk, _ string) bool { chunks = append(chunks, chunk); return true }})
	require.NoError(t, err)
	require.Equal(t, "one two three", st.Final)
	require.Equal(t, "one two three", strings.Join(chunks, ""))

	st, err = e.Run(context.Background(), Request{SessionID: "s", Message: "count", Stream: true,
		OnChunk: func(string, string) bool { return false }})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusCancelled, st.Status)
}

func blockingGenerator(started chan<- struct{}) *scriptedGenerator {
	return &scriptedGenerator{reply: func(ctx context.Context, _ int, _ string) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

func TestContextCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	e := newEngine(t, Config{Generator: blockingGenerator(started)})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	st, err := e.Run(ctx, Request{SessionID: "s", Message: "hi"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusCancelled, st.Status)
}

func TestEvictCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	e := newEngine(t, Config{Generator: blockingGenerator(started)})

	type out struct {
		st  State
		err error
	}
	done := make(chan out, 1)
	go func() {
		st, err := e.Run(context.Background(), Request{SessionID: "victim", Message: "hi"})
		done <- out{st, err}
	}()
	<-started
	active, ok := e.Active("victim")
	require.True(t, ok)
	require.Equal(t, StatusAwaitingModel, active.Status)

	require.True(t, e.Evict("victim"))
	select {
	case o := <-done:
		require.ErrorIs(t, o.err, context.Canceled)
		require.Equal(t, StatusCancelled, o.st.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run not cancelled by eviction")
	}
	require.False(t, e.Evict("victim"))
}

func TestCapacityNeverCancelsRunningSession(t *testing.T) {
	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	gen := &scriptedGenerator{reply: func(ctx context.Context, _ int, prompt string) (string, error) {
		if !strings.Contains(prompt, "slow question") {
			return "fine", nil
		}
		started <- struct{}{}
		select {
		case <-unblock:
			return "slow answer", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	e := newEngine(t, Config{Generator: gen, MaxSessions: 2})

	type out struct {
		st  State
		err error
	}
	done := make(chan out, 1)
	go func() {
		st, err := e.Run(context.Background(), Request{SessionID: "alice", Message: "slow question"})
		done <- out{st, err}
	}()
	<-started

	for _, id := range []string{"bob", "carol", "dave"} {
		st, err := e.Run(context.Background(), Request{SessionID: id, Message: "hi"})
		require.NoError(t, err)
		require.Equal(t, StatusSucceeded, st.Status)
	}
	_, ok := e.Active("alice")
	require.True(t, ok, "running session dropped for capacity")

	close(unblock)
	select {
	case o := <-done:
		require.NoError(t, o.err)
		require.Equal(t, StatusSucceeded, o.st.Status)
		require.Equal(t, "slow answer", o.st.Final)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
	require.True(t, e.Evict("alice"), "finished session should be remembered again")
}

func TestSameSessionRunsSerialize(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	gen := &scriptedGenerator{reply: func(context.Context, int, string) (string, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}}
	e := newEngine(t, Config{Generator: gen})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), Request{SessionID: "shared", Message: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxInFlight.Load())
	require.Equal(t, 4, gen.count())
}
