package types

import "time"

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ModelStatus is returned by GET /model and the load endpoints.
type ModelStatus struct {
	Loaded bool `json:"loaded"`
	// Lifecycle state: empty, loading, ready, unloading, error.
	// example: ready
	State        string    `json:"state" example:"ready"`
	Path         string    `json:"path,omitempty"`
	Name         string    `json:"name,omitempty"`
	Architecture string    `json:"architecture,omitempty" example:"llama"`
	ContextSize  int       `json:"context_size,omitempty" example:"8192"`
	GPULayers    int       `json:"gpu_layers"`
	Compat       bool      `json:"compat"`
	Engine       string    `json:"engine,omitempty" example:"llama-server"`
	LoadedAt     time.Time `json:"loaded_at,omitempty"`
	// Load time in milliseconds.
	LoadMillis int64  `json:"load_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// LoadRequest is the body of POST /model/load and POST /model/reload.
type LoadRequest struct {
	// Path of the model file, or a model id from GET /models.
	// example: llama-3.1-8b-instruct.Q4_K_M.gguf
	Path string `json:"path" example:"llama-3.1-8b-instruct.Q4_K_M.gguf"`
	// Force the compatibility loader.
	Compat bool `json:"compat,omitempty"`
}

// SettingsResponse is returned by GET and PUT /settings.
type SettingsResponse struct {
	Settings map[string]any     `json:"settings"`
	Max      map[string]float64 `json:"max"`
}

// ToolsResponse is returned by GET /tools.
type ToolsResponse struct {
	Servers []ToolServer `json:"servers"`
	Tools   []Tool       `json:"tools"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	// Session to continue; a new one is created when empty.
	SessionID string `json:"session_id,omitempty"`
	// example: What is 2+2?
	Message string `json:"message" example:"What is 2+2?"`
	// Optional custom prompt id.
	CustomPromptID string `json:"custom_prompt_id,omitempty"`
	// Stream NDJSON chunks instead of a single JSON response.
	Stream bool `json:"stream,omitempty"`
}

// ChatChunk is one streamed NDJSON line of POST /chat.
type ChatChunk struct {
	Chunk       string `json:"chunk"`
	Accumulated string `json:"accumulated"`
}

// ChatResponse is the non-streamed answer of POST /chat and, with Done set,
// the last NDJSON line of a streamed one.
type ChatResponse struct {
	Done       bool   `json:"done,omitempty"`
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id"`
	// Terminal run status: succeeded, failed or cancelled.
	// example: succeeded
	Status     string `json:"status" example:"succeeded"`
	Answer     string `json:"answer"`
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Turns []Turn `json:"turns"`
}

// ClearedResponse reports how many rows a delete removed.
type ClearedResponse struct {
	Deleted int64 `json:"deleted"`
}

// PromptsResponse is returned by GET /prompts.
type PromptsResponse struct {
	GlobalPrompt  string                  `json:"global_prompt"`
	ModelPrompts  map[string]string       `json:"model_prompts"`
	CustomPrompts map[string]CustomPrompt `json:"custom_prompts"`
}

// PromptUpdate is the body of the prompt write endpoints.
type PromptUpdate struct {
	// Model path for PUT /prompts/model.
	Model       string `json:"model,omitempty"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
}
