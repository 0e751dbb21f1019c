package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultServerReadyTimeout = 60 * time.Second
	defaultServerStopGrace    = 2 * time.Second
	stderrTailBytes           = 4096
)

// ServerEngineConfig configures the llama-server subprocess engine.
type ServerEngineConfig struct {
	// Bin is the llama-server executable.
	Bin string
	// BaseArgs are placed before the generated flags.
	BaseArgs []string
	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string
	// Env entries are added to the inherited environment.
	Env       []string
	Host      string
	PortStart int
	PortEnd   int

	ReadyTimeout time.Duration
	StopGrace    time.Duration
	Logger       *zerolog.Logger
}

// serverEngine spawns one llama-server process per loaded model and streams
// completions from its OpenAI-compatible endpoint.
type serverEngine struct {
	cfg        ServerEngineConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewServerEngine constructs the subprocess engine.
func NewServerEngine(cfg ServerEngineConfig) Engine {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if strings.TrimSpace(cfg.Bin) == "" {
		cfg.Bin = "llama-server"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultServerReadyTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultServerStopGrace
	}
	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = cfg.Logger.With().Str("engine", "server").Logger()
	}
	// Timeout=0: every request carries its own context deadline.
	return &serverEngine{cfg: cfg, httpClient: &http.Client{Timeout: 0}, log: lg}
}

func (e *serverEngine) Name() string { return "server" }

func (e *serverEngine) args(path string, port int, cfg LoadConfig) []string {
	args := append([]string{}, e.cfg.BaseArgs...)
	args = append(args,
		"-m", path,
		"--host", e.cfg.Host,
		"--port", strconv.Itoa(port),
	)
	if cfg.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(cfg.ContextSize))
	}
	if cfg.BatchSize > 0 {
		args = append(args, "-b", strconv.Itoa(cfg.BatchSize))
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if cfg.GPULayers != 0 {
		layers := cfg.GPULayers
		if layers < 0 {
			layers = 999
		}
		args = append(args, "-ngl", strconv.Itoa(layers))
	} else {
		args = append(args, "-ngl", "0")
	}
	if !cfg.UseMMap {
		args = append(args, "--no-mmap")
	}
	if cfg.UseMLock {
		args = append(args, "--mlock")
	}
	return append(args, e.cfg.ExtraArgs...)
}

func (e *serverEngine) Load(ctx context.Context, path string, cfg LoadConfig) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := exec.LookPath(e.cfg.Bin); err != nil {
		return nil, ErrDependencyUnavailable("llama-server not found: " + e.cfg.Bin)
	}
	var port int
	var err error
	if e.cfg.PortStart > 0 && e.cfg.PortEnd >= e.cfg.PortStart {
		port, err = pickPortInRange(e.cfg.Host, e.cfg.PortStart, e.cfg.PortEnd)
	} else {
		port, err = pickFreePort(e.cfg.Host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(e.cfg.Host, strconv.Itoa(port)))

	cmd := exec.Command(e.cfg.Bin, e.args(path, port, cfg)...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	stderr := &tailWriter{log: e.log, max: stderrTailBytes}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	sm := &serverModel{
		e:       e,
		cmd:     cmd,
		baseURL: baseURL,
		exited:  make(chan struct{}),
	}
	go func() {
		sm.waitErr = cmd.Wait()
		close(sm.exited)
	}()
	e.log.Info().Str("path", path).Int("pid", cmd.Process.Pid).Int("port", port).Msg("llama-server started")

	if err := sm.waitReady(ctx, e.cfg.ReadyTimeout); err != nil {
		sm.stop()
		if tail := stderr.Tail(); tail != "" {
			return nil, fmt.Errorf("%w; stderr tail: %s", err, tail)
		}
		return nil, err
	}
	e.log.Info().Str("path", path).Str("url", baseURL).Msg("llama-server ready")
	return sm, nil
}

// serverModel is one running llama-server process.
type serverModel struct {
	e       *serverEngine
	cmd     *exec.Cmd
	baseURL string

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (s *serverModel) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-s.exited:
			if s.waitErr != nil {
				return fmt.Errorf("llama-server exited early: %v", s.waitErr)
			}
			return errors.New("llama-server exited before ready")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("llama-server not ready in time: %s", s.baseURL)
		}
		if s.healthy(time.Second) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// healthy checks whether the server responds OK to /v1/models.
func (s *serverModel) healthy(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := s.e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Stream        bool     `json:"stream"`
}

type completionChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// native llama.cpp stream objects
	Content string `json:"content"`
}

func (c completionChunk) fragment() string {
	if len(c.Choices) > 0 {
		if c.Choices[0].Text != "" {
			return c.Choices[0].Text
		}
		return c.Choices[0].Delta.Content
	}
	return c.Content
}

func (s *serverModel) Predict(ctx context.Context, prompt string, p PredictParams, onToken func(string) bool) (string, error) {
	select {
	case <-s.exited:
		return "", errors.New("llama-server is not running")
	default:
	}
	body, err := json.Marshal(completionRequest{
		Prompt:        prompt,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		Stop:          p.Stop,
		Seed:          p.Seed,
		RepeatPenalty: p.RepeatPenalty,
		Stream:        true,
	})
	if err != nil {
		return "", err
	}
	// Cancelling this context aborts the HTTP stream, which stops the server slot.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llama server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var out strings.Builder
	r := bufio.NewReader(resp.Body)
	for {
		line, rerr := r.ReadString('\n')
		if l := strings.TrimSpace(line); strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var chunk completionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				s.e.log.Debug().Str("line", l).Msg("unparsed stream line")
			} else if frag := chunk.fragment(); frag != "" {
				out.WriteString(frag)
				if !onToken(frag) {
					return out.String(), nil
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return out.String(), ctx.Err()
			}
			return out.String(), rerr
		}
	}
	return out.String(), nil
}

// Close asks the process to exit and kills it after the stop grace.
// Released reports true once the exit has been observed.
func (s *serverModel) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-s.exited:
			case <-time.After(s.e.cfg.StopGrace):
				_ = s.cmd.Process.Kill()
			}
		}()
	})
	return nil
}

func (s *serverModel) Released() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// stop is the synchronous variant used on failed startup.
func (s *serverModel) stop() {
	_ = s.Close()
	select {
	case <-s.exited:
	case <-time.After(s.e.cfg.StopGrace + time.Second):
	}
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailWriter logs subprocess stderr line by line and keeps the last bytes
// for error messages.
type tailWriter struct {
	mu   sync.Mutex
	log  zerolog.Logger
	max  int
	tail []byte
	line []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tail = append(w.tail, p...)
	if len(w.tail) > w.max {
		w.tail = w.tail[len(w.tail)-w.max:]
	}
	w.line = append(w.line, p...)
	for {
		i := bytes.IndexByte(w.line, '\n')
		if i < 0 {
			break
		}
		if l := strings.TrimSpace(string(w.line[:i])); l != "" {
			w.log.Debug().Str("stream", "stderr").Msg(l)
		}
		w.line = w.line[i+1:]
	}
	return len(p), nil
}

// Tail returns the most recent stderr output.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.tail))
}
