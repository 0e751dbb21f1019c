package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"memoaid/internal/app"
	"memoaid/internal/history"
	"memoaid/internal/httpapi"
	"memoaid/internal/manager"
	"memoaid/internal/prompts"
	"memoaid/internal/settings"
	"memoaid/internal/toolrpc"
)

// scriptEngine hands out models whose replies come from reply.
type scriptEngine struct {
	reply func(prompt string) string
	// started receives once per Predict call when non-nil.
	started chan struct{}
	// gate blocks Predict until closed when non-nil.
	gate chan struct{}
}

func (e *scriptEngine) Name() string { return "script" }

func (e *scriptEngine) Load(ctx context.Context, path string, cfg manager.LoadConfig) (manager.Model, error) {
	return &scriptModel{e: e}, nil
}

type scriptModel struct {
	e      *scriptEngine
	mu     sync.Mutex
	closed bool
}

func (m *scriptModel) Predict(ctx context.Context, prompt string, p manager.PredictParams, onToken func(string) bool) (string, error) {
	if m.e.started != nil {
		m.e.started <- struct{}{}
	}
	if m.e.gate != nil {
		select {
		case <-m.e.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	var out strings.Builder
	for _, w := range strings.SplitAfter(m.e.reply(prompt), " ") {
		out.WriteString(w)
		if onToken != nil && !onToken(w) {
			break
		}
	}
	return out.String(), nil
}

func (m *scriptModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *scriptModel) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// createTempModelsDir creates a temporary directory populated with GGUF stubs
// and returns the directory path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

type stack struct {
	srv *httptest.Server
	svc *app.Service
}

// newStack wires the full service behind an httptest server.
func newStack(t *testing.T, modelsDir string, mcfg manager.Config, tools *toolrpc.Client) stack {
	t.Helper()
	data := t.TempDir()
	st, err := settings.Open(filepath.Join(data, "settings.json"), nil)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	pr, err := prompts.Open(filepath.Join(data, "context_prompts.json"))
	if err != nil {
		t.Fatalf("prompts: %v", err)
	}
	hist := history.NewSQLiteStore(filepath.Join(data, "history.sqlite"))
	if err := hist.Init(context.Background()); err != nil {
		t.Fatalf("history: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	svc, err := app.New(app.Deps{
		ModelsDir: modelsDir,
		Manager:   manager.New(mcfg),
		Settings:  st,
		Prompts:   pr,
		History:   hist,
		Tools:     tools,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(srv.Close)
	return stack{srv: srv, svc: svc}
}

// listenToolServer serves a single "echo" tool that upper-cases its text over loopback TCP using
// newline-delimited JSON-RPC.
func listenToolServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveEcho(c)
		}
	}()
	return ln.Addr().String()
}

func serveEcho(c net.Conn) {
	defer c.Close()
	enc := json.NewEncoder(c)
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case req.Method == "tools/list":
			resp["result"] = map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "Upper-case text", "inputSchema": map[string]any{"type": "object"}},
			}}
		case req.Method == "tools/call" && req.Params.Name == "echo":
			text, _ := req.Params.Arguments["text"].(string)
			resp["result"] = map[string]any{"text": strings.ToUpper(text)}
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func startTools(t *testing.T, endpoint string) *toolrpc.Client {
	t.Helper()
	c := toolrpc.New(toolrpc.Config{StopGrace: time.Second})
	t.Cleanup(c.Cleanup)
	if err := c.RegisterServer(toolrpc.ServerDescriptor{
		Name:      "calc",
		Transport: toolrpc.TransportNetwork,
		Endpoint:  endpoint,
		Enabled:   true,
		Timeout:   2 * time.Second,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.StartAll(context.Background())
	if !c.Running("calc") {
		t.Fatalf("tool server not running")
	}
	return c
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return doReq(t, req)
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doReq(t, req)
}

func doReq(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
