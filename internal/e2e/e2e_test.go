package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"memoaid/internal/manager"
	"memoaid/pkg/types"
)

func constReply(s string) func(string) string {
	return func(string) string { return s }
}

// TestE2E_Models_Load_Ready_Chat walks the main flow: list, load, ready, chat.
func TestE2E_Models_Load_Ready_Chat(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.Q4_K_M.gguf", "beta.gguf")
	eng := &scriptEngine{reply: constReply("The answer is 4.")}
	s := newStack(t, dir, manager.Config{Engine: eng}, nil)

	resp, body := httpGet(t, s.srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models status=%d body=%s", resp.StatusCode, body)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(models.Models) != 2 {
		t.Fatalf("want 2 models, got %d", len(models.Models))
	}

	if resp, _ := httpGet(t, s.srv.URL+"/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before load: want 503, got %d", resp.StatusCode)
	}
	resp, body = httpPostJSON(t, s.srv.URL+"/chat", []byte(`{"message":"2+2?"}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("chat before load: want 503, got %d body=%s", resp.StatusCode, body)
	}

	resp, body = httpPostJSON(t, s.srv.URL+"/model/load", []byte(`{"path":"alpha.Q4_K_M.gguf"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status=%d body=%s", resp.StatusCode, body)
	}
	var st types.ModelStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Loaded || st.Engine != "script" {
		t.Fatalf("unexpected status %+v", st)
	}
	if resp, _ := httpGet(t, s.srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after load: want 200, got %d", resp.StatusCode)
	}

	resp, body = httpPostJSON(t, s.srv.URL+"/chat", []byte(`{"session_id":"s1","message":"2+2?"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", resp.StatusCode, body)
	}
	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if out.Answer != "The answer is 4." || out.Status != "succeeded" || out.SessionID != "s1" {
		t.Fatalf("unexpected chat response %+v", out)
	}

	resp, body = httpGet(t, s.srv.URL+"/history?session_id=s1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status=%d", resp.StatusCode)
	}
	var hist types.HistoryResponse
	if err := json.Unmarshal(body, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Turns) != 2 {
		t.Fatalf("want 2 turns, got %d", len(hist.Turns))
	}
}

func TestE2E_ChatStreaming(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	s := newStack(t, dir, manager.Config{Engine: &scriptEngine{reply: constReply("one two three")}}, nil)
	if resp, body := httpPostJSON(t, s.srv.URL+"/model/load", []byte(`{"path":"alpha.gguf"}`)); resp.StatusCode != http.StatusOK {
		t.Fatalf("load status=%d body=%s", resp.StatusCode, body)
	}

	resp, body := httpPostJSON(t, s.srv.URL+"/chat", []byte(`{"message":"count","stream":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 4 {
		t.Fatalf("want 3 chunks and a final line, got %d: %q", len(lines), lines)
	}
	var chunk types.ChatChunk
	if err := json.Unmarshal([]byte(lines[2]), &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk.Accumulated != "one two three" {
		t.Fatalf("accumulated %q", chunk.Accumulated)
	}
	var final types.ChatResponse
	if err := json.Unmarshal([]byte(lines[3]), &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if !final.Done || final.Answer != "one two three" {
		t.Fatalf("unexpected final line %+v", final)
	}
}

// TestE2E_ToolRoundTrip drives a tool call through a loopback tool server.
func TestE2E_ToolRoundTrip(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	tools := startTools(t, listenToolServer(t))
	eng := &scriptEngine{reply: func(prompt string) string {
		if strings.Contains(prompt, "PONG-42") {
			return "The tool said PONG-42."
		}
		return `<tool_call>{"name":"calc.echo","arguments":{"text":"pong-42"}}</tool_call>`
	}}
	s := newStack(t, dir, manager.Config{Engine: eng}, tools)

	resp, body := httpGet(t, s.srv.URL+"/tools")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools status=%d", resp.StatusCode)
	}
	var tr types.ToolsResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(tr.Tools) != 1 || tr.Tools[0].QualifiedName != "calc.echo" {
		t.Fatalf("unexpected tools %+v", tr.Tools)
	}

	if resp, body := httpPostJSON(t, s.srv.URL+"/model/load", []byte(`{"path":"alpha.gguf"}`)); resp.StatusCode != http.StatusOK {
		t.Fatalf("load status=%d body=%s", resp.StatusCode, body)
	}
	resp, body = httpPostJSON(t, s.srv.URL+"/chat", []byte(`{"session_id":"tools","message":"ping the calc server"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", resp.StatusCode, body)
	}
	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if out.Answer != "The tool said PONG-42." || out.Iterations != 2 {
		t.Fatalf("unexpected chat response %+v", out)
	}

	_, body = httpGet(t, s.srv.URL+"/history?session_id=tools")
	var hist types.HistoryResponse
	if err := json.Unmarshal(body, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	var sawTool bool
	for _, turn := range hist.Turns {
		if turn.Role == "tool" && strings.Contains(turn.Content, "PONG-42") {
			sawTool = true
		}
	}
	if !sawTool {
		t.Fatalf("tool turn not recorded: %+v", hist.Turns)
	}
}

// TestE2E_Backpressure429 verifies we return 429 Too Many Requests when the
// generation slot stays busy past the wait timeout.
func TestE2E_Backpressure429(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	eng := &scriptEngine{
		reply:   constReply("done"),
		started: make(chan struct{}, 4),
		gate:    make(chan struct{}),
	}
	s := newStack(t, dir, manager.Config{Engine: eng, MaxQueueDepth: 1, MaxWait: 5 * time.Millisecond}, nil)
	if resp, body := httpPostJSON(t, s.srv.URL+"/model/load", []byte(`{"path":"alpha.gguf"}`)); resp.StatusCode != http.StatusOK {
		t.Fatalf("load status=%d body=%s", resp.StatusCode, body)
	}

	var wg sync.WaitGroup
	first := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := http.Post(s.srv.URL+"/chat", "application/json", strings.NewReader(`{"session_id":"a","message":"hold"}`))
		if err != nil {
			first <- 0
			return
		}
		_ = resp.Body.Close()
		first <- resp.StatusCode
	}()
	select {
	case <-eng.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the model")
	}

	resp, body := httpPostJSON(t, s.srv.URL+"/chat", []byte(`{"session_id":"b","message":"next"}`))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d body=%s", resp.StatusCode, body)
	}

	close(eng.gate)
	wg.Wait()
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request: want 200, got %d", code)
	}
}
