// Package agent runs the conversation loop: it asks the model for an
// answer, dispatches the tool calls the model requests and feeds the results
// back until the model produces a final answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"memoaid/internal/history"
	"memoaid/internal/inference"
	"memoaid/internal/manager"
	"memoaid/internal/settings"
	"memoaid/internal/toolrpc"
)

const (
	DefaultMaxIterations = 10
	DefaultMaxSessions   = 256
)

// Generator produces model completions.
type Generator interface {
	Generate(ctx context.Context, p inference.Prompt, o inference.Options) (inference.Result, error)
	GenerateStreaming(ctx context.Context, p inference.Prompt, o inference.Options, onChunk inference.ChunkFunc) (inference.Result, error)
}

// ToolCaller executes tools by qualified name.
type ToolCaller interface {
	Tools() []toolrpc.Tool
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (any, error)
}

// PromptProvider resolves the system prompt for a model.
type PromptProvider interface {
	EffectivePrompt(modelID, customID string) string
}

// History stores the dialog.
type History interface {
	Recent(ctx context.Context, sessionID string, n int) ([]history.Turn, error)
	Append(ctx context.Context, sessionID string, role history.Role, content string) (history.Turn, error)
}

// ContextProvider supplies document excerpts relevant to a question. ok is
// false when no documents apply.
type ContextProvider interface {
	DocumentContext(ctx context.Context, question string) (docs string, ok bool, err error)
}

// ModelSource reports the loaded model.
type ModelSource interface {
	Info() manager.ModelInfo
}

// Config wires an Engine. Generator is required; everything else is optional.
type Config struct {
	Generator Generator
	Tools     ToolCaller
	Prompts   PromptProvider
	History   History
	Context   ContextProvider
	Models    ModelSource
	// Options returns the generation options for each run.
	Options func() inference.Options

	MaxIterations int
	MaxSessions   int
	// HistoryTurns is how many stored turns are replayed into the prompt.
	HistoryTurns int
	Logger       *zerolog.Logger
}

// Request is one user message.
type Request struct {
	SessionID      string
	Message        string
	CustomPromptID string
	Stream         bool
	// OnChunk receives streamed fragments when Stream is set. Returning
	// false cancels the run.
	OnChunk inference.ChunkFunc
}

// Engine runs requests. Runs on the same session are serialized; runs on
// different sessions proceed independently.
type Engine struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu sync.Mutex
	// sessions remembers idle sessions. Sessions with a run in progress or
	// queued live in inUse and are never dropped for capacity.
	sessions *lru.Cache[string, *session]
	inUse    map[string]*session
}

type session struct {
	sem chan struct{}

	// guarded by Engine.mu
	refs    int
	evicted bool

	mu     sync.Mutex
	cancel context.CancelFunc
	active *State
}

func (s *session) setActive(st *State, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active, s.cancel = st, cancel
	s.mu.Unlock()
}

func (s *session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Generator == nil {
		return nil, errors.New("agent: generator is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = history.DefaultRecent
	}
	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	cache, err := lru.New[string, *session](cfg.MaxSessions)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		log:      lg.With().Str("component", "agent").Logger(),
		now:      time.Now,
		sessions: cache,
		inUse:    make(map[string]*session),
	}, nil
}

// acquire pins the session for a caller until release.
func (e *Engine) acquire(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.inUse[id]
	if !ok {
		if s, ok = e.sessions.Get(id); !ok {
			s = &session{sem: make(chan struct{}, 1)}
			e.sessions.Add(id, s)
		}
		e.inUse[id] = s
	}
	s.refs++
	return s
}

func (e *Engine) release(id string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.refs--
	if s.refs > 0 || s.evicted {
		return
	}
	if e.inUse[id] == s {
		delete(e.inUse, id)
	}
	// The cache may have dropped it for capacity while it was pinned.
	if !e.sessions.Contains(id) {
		e.sessions.Add(id, s)
	}
}

// Evict forgets a session and cancels its in-flight run. It reports whether
// the session was tracked. Sessions dropped to make room for new ones are
// only forgotten, never cancelled.
func (e *Engine) Evict(sessionID string) bool {
	e.mu.Lock()
	removed := e.sessions.Remove(sessionID)
	s, pinned := e.inUse[sessionID]
	if pinned {
		delete(e.inUse, sessionID)
		s.evicted = true
	}
	e.mu.Unlock()
	if pinned {
		s.stop()
	}
	return removed || pinned
}

// Active returns a snapshot of the run in progress on a session.
func (e *Engine) Active(sessionID string) (State, bool) {
	e.mu.Lock()
	s, ok := e.inUse[sessionID]
	e.mu.Unlock()
	if !ok {
		return State{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return State{}, false
	}
	return s.active.clone(), true
}

// Run processes one user message to a terminal state. The returned error is
// nil only when the run succeeded.
func (e *Engine) Run(ctx context.Context, req Request) (State, error) {
	st := State{SessionID: strings.TrimSpace(req.SessionID), RunID: uuid.NewString()}
	if st.SessionID == "" {
		st.SessionID = uuid.NewString()
	}
	if strings.TrimSpace(req.Message) == "" {
		return e.fail(st, ErrNoUserMessage)
	}

	sess := e.acquire(st.SessionID)
	defer e.release(st.SessionID, sess)
	select {
	case sess.sem <- struct{}{}:
	case <-ctx.Done():
		return e.cancel(st, ctx.Err())
	}
	defer func() { <-sess.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.setActive(&State{}, cancel)
	defer sess.setActive(nil, nil)

	log := e.log.With().Str("session", st.SessionID).Str("run", st.RunID).Logger()
	start := time.Now()
	out, err := e.loop(runCtx, sess, st, req, log)
	runsTotal.WithLabelValues(string(out.Status)).Inc()
	iterations.Observe(float64(out.Iterations))
	log.Debug().Str("status", string(out.Status)).Int("iterations", out.Iterations).
		Dur("took", time.Since(start)).Msg("run finished")
	return out, err
}

func (e *Engine) loop(ctx context.Context, sess *session, st State, req Request, log zerolog.Logger) (State, error) {
	if e.cfg.Models != nil && !e.cfg.Models.Info().Loaded {
		return e.fail(st, ErrModelUnavailable)
	}
	modelID := ""
	if e.cfg.Models != nil {
		modelID = e.cfg.Models.Info().Path
	}

	turns, err := e.recent(ctx, st.SessionID)
	if err != nil {
		return e.fail(st, err)
	}
	userText := strings.TrimSpace(req.Message)
	e.record(ctx, st.SessionID, history.RoleUser, userText, log)

	promptUser := userText
	if e.cfg.Context != nil {
		docs, ok, err := e.cfg.Context.DocumentContext(ctx, userText)
		if err != nil {
			log.Warn().Err(err).Msg("document context")
		} else if ok {
			promptUser = fmt.Sprintf("Documents:\n%s\n\nQuestion: %s\n\nAnswer based on the documents.", docs, userText)
		}
	}
	turns = append(turns, inference.Turn{Role: inference.RoleUser, Content: promptUser})
	st.Messages = append(st.Messages, Message{Role: string(inference.RoleUser), Content: userText})

	system := e.systemPrompt(modelID, req.CustomPromptID)
	opts := inference.OptionsFromConfig(settings.Defaults())
	if e.cfg.Options != nil {
		opts = e.cfg.Options()
	}

	publish := func() {
		snap := st.clone()
		sess.mu.Lock()
		if sess.active != nil {
			sess.active = &snap
		}
		sess.mu.Unlock()
	}

	for {
		if st.Iterations >= e.cfg.MaxIterations {
			return e.fail(st, ErrIterationCap)
		}
		if err := st.transition(StatusAwaitingModel); err != nil {
			return e.fail(st, err)
		}
		for _, r := range st.Pending {
			content := toolTurnContent(r)
			turns = append(turns, inference.Turn{Role: inference.RoleTool, Content: content})
			st.Messages = append(st.Messages, Message{Role: string(inference.RoleTool), Content: content})
		}
		st.Pending = nil
		st.Iterations++
		publish()
		if err := ctx.Err(); err != nil {
			return e.cancel(st, err)
		}

		p := inference.BuildPrompt("", system, turns)
		p.UserText = userText
		var res inference.Result
		if req.Stream && req.OnChunk != nil {
			res, err = e.cfg.Generator.GenerateStreaming(ctx, p, opts, req.OnChunk)
		} else {
			res, err = e.cfg.Generator.Generate(ctx, p, opts)
		}
		if err != nil {
			if ctxErr := cancellation(ctx, err); ctxErr != nil {
				return e.cancel(st, ctxErr)
			}
			if errors.Is(err, manager.ErrNotLoaded) || manager.IsBusy(err) {
				err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
			}
			return e.fail(st, err)
		}
		if res.Cancelled {
			return e.cancel(st, context.Canceled)
		}

		calls, answer := ParseToolCalls(res.Text)
		turns = append(turns, inference.Turn{Role: inference.RoleAssistant, Content: res.Text})
		st.Messages = append(st.Messages, Message{Role: string(inference.RoleAssistant), Content: res.Text})

		if len(calls) == 0 || e.cfg.Tools == nil {
			e.record(ctx, st.SessionID, history.RoleAssistant, answer, log)
			if err := st.transition(StatusSucceeded); err != nil {
				return e.fail(st, err)
			}
			st.Final = answer
			return st, nil
		}
		e.record(ctx, st.SessionID, history.RoleAssistant, res.Text, log)

		if err := st.transition(StatusToolDispatch); err != nil {
			return e.fail(st, err)
		}
		publish()
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return e.cancel(st, err)
			}
			r := e.dispatch(ctx, call, log)
			if err := ctx.Err(); err != nil {
				return e.cancel(st, err)
			}
			st.Pending = append(st.Pending, r)
			e.record(ctx, st.SessionID, history.RoleTool, toolTurnContent(r), log)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, call ToolCall, log zerolog.Logger) ToolResult {
	if call.Err != nil {
		return ToolResult{Name: call.Name, Error: call.Err.Error()}
	}
	out, err := e.cfg.Tools.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		ev := log.Debug()
		if toolrpc.IsTimeout(err) {
			ev = log.Warn()
		}
		ev.Err(err).Str("tool", call.Name).Msg("tool call failed")
		return ToolResult{Name: call.Name, Error: err.Error()}
	}
	return ToolResult{Name: call.Name, Result: out}
}

func (e *Engine) systemPrompt(modelID, customID string) string {
	var base string
	if e.cfg.Prompts != nil {
		base = e.cfg.Prompts.EffectivePrompt(modelID, customID)
	}
	if e.cfg.Tools != nil {
		base += ToolGuidelines(e.cfg.Tools.Tools(), e.now())
	}
	return strings.TrimSpace(base)
}

func (e *Engine) recent(ctx context.Context, sessionID string) ([]inference.Turn, error) {
	if e.cfg.History == nil {
		return nil, nil
	}
	stored, err := e.cfg.History.Recent(ctx, sessionID, e.cfg.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("agent: load history: %w", err)
	}
	turns := make([]inference.Turn, 0, len(stored)+1)
	for _, t := range stored {
		turns = append(turns, inference.Turn{Role: inference.Role(t.Role), Content: t.Content})
	}
	return turns, nil
}

// record appends to the history. Failures are logged; a run never fails on
// its history.
func (e *Engine) record(ctx context.Context, sessionID string, role history.Role, content string, log zerolog.Logger) {
	if e.cfg.History == nil {
		return
	}
	if _, err := e.cfg.History.Append(context.WithoutCancel(ctx), sessionID, role, content); err != nil {
		log.Warn().Err(err).Str("role", string(role)).Msg("append history")
	}
}

func (e *Engine) fail(st State, err error) (State, error) {
	if terr := st.transition(StatusFailed); terr != nil {
		return st, errors.Join(err, terr)
	}
	st.Err = err.Error()
	return st, err
}

func (e *Engine) cancel(st State, err error) (State, error) {
	if terr := st.transition(StatusCancelled); terr != nil {
		return st, errors.Join(err, terr)
	}
	st.Err = err.Error()
	return st, err
}

func cancellation(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	}
	return nil
}

func toolTurnContent(r ToolResult) string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"name":%q,"error":%q}`, r.Name, err.Error())
	}
	return string(b)
}
