// Package docs holds the OpenAPI document served by the Swagger UI.
// Regenerate with `swag init -g cmd/memoaid/docs.go -o docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "memoaid maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/chat": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json", "application/x-ndjson"],
                "tags": ["chat"],
                "summary": "Send a chat message",
                "parameters": [
                    {"description": "Message", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.ChatRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ChatResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/history": {
            "get": {
                "produces": ["application/json"],
                "tags": ["history"],
                "summary": "Dialog history",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "session_id", "in": "query", "required": true},
                    {"type": "integer", "description": "Most recent turns to return", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.HistoryResponse"}}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["history"],
                "summary": "Clear history",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "session_id", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ClearedResponse"}}
                }
            }
        },
        "/model": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Loaded model",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelStatus"}}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Unload the model",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelStatus"}}
                }
            }
        },
        "/model/load": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Load a model",
                "parameters": [
                    {"description": "Model to load", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.LoadRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelStatus"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/settings": {
            "get": {
                "produces": ["application/json"],
                "tags": ["settings"],
                "summary": "Generation settings",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SettingsResponse"}}
                }
            }
        },
        "/tools": {
            "get": {
                "produces": ["application/json"],
                "tags": ["tools"],
                "summary": "Tool servers and tools",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ToolsResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ChatRequest": {
            "type": "object",
            "properties": {
                "custom_prompt_id": {"type": "string"},
                "message": {"type": "string", "example": "What is 2+2?"},
                "session_id": {"type": "string"},
                "stream": {"type": "boolean"}
            }
        },
        "types.ChatResponse": {
            "type": "object",
            "properties": {
                "answer": {"type": "string"},
                "done": {"type": "boolean"},
                "error": {"type": "string"},
                "iterations": {"type": "integer"},
                "run_id": {"type": "string"},
                "session_id": {"type": "string"},
                "status": {"type": "string", "example": "succeeded"}
            }
        },
        "types.ClearedResponse": {
            "type": "object",
            "properties": {"deleted": {"type": "integer"}}
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "invalid JSON body"}
            }
        },
        "types.HistoryResponse": {
            "type": "object",
            "properties": {
                "turns": {"type": "array", "items": {"$ref": "#/definitions/types.Turn"}}
            }
        },
        "types.LoadRequest": {
            "type": "object",
            "properties": {
                "compat": {"type": "boolean"},
                "path": {"type": "string", "example": "llama-3.1-8b-instruct.Q4_K_M.gguf"}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "compat": {"type": "boolean"},
                "family": {"type": "string", "example": "llama"},
                "id": {"type": "string"},
                "name": {"type": "string"},
                "path": {"type": "string"},
                "quant": {"type": "string", "example": "Q4_K_M"},
                "size_bytes": {"type": "integer"}
            }
        },
        "types.ModelStatus": {
            "type": "object",
            "properties": {
                "architecture": {"type": "string"},
                "compat": {"type": "boolean"},
                "context_size": {"type": "integer"},
                "engine": {"type": "string"},
                "error": {"type": "string"},
                "gpu_layers": {"type": "integer"},
                "load_ms": {"type": "integer"},
                "loaded": {"type": "boolean"},
                "loaded_at": {"type": "string"},
                "name": {"type": "string"},
                "path": {"type": "string"},
                "state": {"type": "string", "example": "ready"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.SettingsResponse": {
            "type": "object",
            "properties": {
                "max": {"type": "object", "additionalProperties": {"type": "number"}},
                "settings": {"type": "object", "additionalProperties": true}
            }
        },
        "types.Tool": {
            "type": "object",
            "properties": {
                "description": {"type": "string"},
                "name": {"type": "string"},
                "qualified_name": {"type": "string", "example": "filesystem.read_file"},
                "server": {"type": "string"}
            }
        },
        "types.ToolServer": {
            "type": "object",
            "properties": {
                "enabled": {"type": "boolean"},
                "name": {"type": "string"},
                "running": {"type": "boolean"},
                "transport": {"type": "string"}
            }
        },
        "types.ToolsResponse": {
            "type": "object",
            "properties": {
                "servers": {"type": "array", "items": {"$ref": "#/definitions/types.ToolServer"}},
                "tools": {"type": "array", "items": {"$ref": "#/definitions/types.Tool"}}
            }
        },
        "types.Turn": {
            "type": "object",
            "properties": {
                "content": {"type": "string"},
                "id": {"type": "integer"},
                "role": {"type": "string"},
                "session_id": {"type": "string"},
                "timestamp": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "memoaid API",
	Description:      "HTTP API for the local assistant: model lifecycle, chat with tool use, prompts and history.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
