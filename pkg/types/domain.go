package types

import "time"

// Model represents a model file discovered on disk.
type Model struct {
	// Stable identifier for the model (file name).
	// example: llama-3.1-8b-instruct.Q4_K_M.gguf
	ID string `json:"id" example:"llama-3.1-8b-instruct.Q4_K_M.gguf"`
	// Human-friendly name.
	// example: llama-3.1-8b-instruct
	Name string `json:"name" example:"llama-3.1-8b-instruct"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/llama-3.1-8b-instruct.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/llama-3.1-8b-instruct.Q4_K_M.gguf"`
	// Quantization level parsed from the file name.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Architecture read from the file header, or guessed from the name.
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Whether the architecture is on the compatibility blocklist.
	Compat bool `json:"compat"`
}

// Tool is a tool exposed by a tool server.
type Tool struct {
	// example: filesystem.read_file
	QualifiedName string         `json:"qualified_name" example:"filesystem.read_file"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Server        string         `json:"server"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
}

// ToolServer summarizes a configured tool server.
type ToolServer struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
}

// Turn is one stored dialog message.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CustomPrompt is a named system prompt.
type CustomPrompt struct {
	Prompt      string    `json:"prompt"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
