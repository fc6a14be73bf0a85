// Package docs holds the swagger document served by the HTTP API when built
// with -tags=swagger. Regenerate with
//
//	swag init -g cmd/modelkeeper/docs.go -d ./,./internal/httpapi -o internal/httpapi/docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "modelkeeper maintainers"
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
        "/models": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "parameters": [{"type": "string", "description": "backend kind", "name": "kind", "in": "query"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models/{id}": {
            "delete": {
                "tags": ["models"],
                "summary": "Delete an installed model",
                "parameters": [{"type": "string", "description": "model id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models/{id}/download": {
            "post": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Download and install a model",
                "parameters": [
                    {"type": "string", "description": "model id", "name": "id", "in": "path", "required": true},
                    {"type": "boolean", "description": "stream NDJSON progress", "name": "stream", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DownloadResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "507": {"description": "Insufficient Storage", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Cancel an active download",
                "parameters": [{"type": "string", "description": "model id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.CancelResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["backends"],
                "summary": "Backend and download status",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        },
        "/diagnostics": {
            "get": {
                "produces": ["application/json"],
                "tags": ["backends"],
                "summary": "Binary, tool and disk diagnostics",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DiagnosticsResponse"}}}
            }
        },
        "/backends/start": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["backends"],
                "summary": "Start the backend for a model",
                "parameters": [{"description": "model to serve", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.StartRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.BackendStatus"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/backends/{kind}/stop": {
            "post": {
                "tags": ["backends"],
                "summary": "Stop a backend",
                "parameters": [{"type": "string", "description": "llama or parakeet", "name": "kind", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/inference": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["gateway"],
                "summary": "Chat completion",
                "parameters": [{"description": "messages and sampling options", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.InferenceRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InferenceResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/transcribe": {
            "post": {
                "consumes": ["application/octet-stream"],
                "produces": ["application/json"],
                "tags": ["gateway"],
                "summary": "Transcribe audio",
                "parameters": [
                    {"type": "string", "description": "speech model id", "name": "model", "in": "query"},
                    {"type": "string", "description": "language hint", "name": "language", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TranscribeResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/events": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["events"],
                "summary": "Lifecycle and progress event stream",
                "parameters": [{"type": "integer", "description": "last sequence number seen", "name": "since", "in": "query"}],
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 404},
                "error": {"type": "string", "example": "unknown model \"x\""},
                "kind": {"type": "string", "example": "not_found"}
            }
        },
        "types.ModelInfo": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "example": "qwen2.5-0.5b-instruct-q4_k_m"},
                "kind": {"type": "string", "example": "llama"},
                "name": {"type": "string"},
                "size_bytes": {"type": "integer", "example": 491400032},
                "installed": {"type": "boolean"},
                "disk_bytes": {"type": "integer"},
                "downloading": {"type": "boolean"},
                "language": {"type": "string", "example": "multilingual"},
                "supported_languages": {"type": "array", "items": {"type": "string"}}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.ModelInfo"}}}
        },
        "types.BackendStatus": {
            "type": "object",
            "properties": {
                "backend": {"type": "string", "example": "llama"},
                "state": {"type": "string", "example": "ready"},
                "ready": {"type": "boolean"},
                "running": {"type": "boolean"},
                "pid": {"type": "integer", "example": 41235},
                "port": {"type": "integer", "example": 8200},
                "model_id": {"type": "string"},
                "model_path": {"type": "string"},
                "health_failures": {"type": "integer"},
                "binary_path": {"type": "string"},
                "started_at": {"type": "string"}
            }
        },
        "types.DownloadStatus": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "model_id": {"type": "string"},
                "phase": {"type": "string", "example": "progress"},
                "downloaded": {"type": "integer"},
                "total": {"type": "integer"},
                "percent": {"type": "number"},
                "started_at": {"type": "string"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "backends": {"type": "array", "items": {"$ref": "#/definitions/types.BackendStatus"}},
                "downloads": {"type": "array", "items": {"$ref": "#/definitions/types.DownloadStatus"}}
            }
        },
        "types.DownloadResponse": {
            "type": "object",
            "properties": {
                "model_id": {"type": "string"},
                "path": {"type": "string"},
                "bytes": {"type": "integer"},
                "attempts": {"type": "integer"},
                "resumed": {"type": "boolean"},
                "already_installed": {"type": "boolean"},
                "heuristic": {"type": "boolean"}
            }
        },
        "types.CancelResponse": {
            "type": "object",
            "properties": {"cancelled": {"type": "boolean"}}
        },
        "types.StartRequest": {
            "type": "object",
            "properties": {"model": {"type": "string", "example": "parakeet-tdt-0.6b-v3"}}
        },
        "types.ChatMessage": {
            "type": "object",
            "properties": {
                "role": {"type": "string", "example": "user"},
                "content": {"type": "string", "example": "Summarize this note in one sentence."}
            }
        },
        "types.InferenceRequest": {
            "type": "object",
            "properties": {
                "model": {"type": "string", "example": "qwen2.5-0.5b-instruct-q4_k_m"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/types.ChatMessage"}},
                "temperature": {"type": "number", "example": 0.7},
                "max_tokens": {"type": "integer", "example": 512}
            }
        },
        "types.InferenceResponse": {
            "type": "object",
            "properties": {
                "text": {"type": "string"},
                "finish_reason": {"type": "string"},
                "elapsed_ms": {"type": "integer"}
            }
        },
        "types.TranscribeResponse": {
            "type": "object",
            "properties": {
                "text": {"type": "string"},
                "language": {"type": "string", "example": "auto"},
                "elapsed_ms": {"type": "integer"},
                "segments": {"type": "integer"},
                "duration_seconds": {"type": "number"}
            }
        },
        "types.ToolStatus": {
            "type": "object",
            "properties": {
                "available": {"type": "boolean"},
                "path": {"type": "string"},
                "error": {"type": "string"}
            }
        },
        "types.BackendDiagnostics": {
            "type": "object",
            "properties": {
                "backend": {"type": "string"},
                "binary": {"$ref": "#/definitions/types.ToolStatus"},
                "candidates": {"type": "array", "items": {"type": "string"}},
                "models_dir": {"type": "string"}
            }
        },
        "types.DiagnosticsResponse": {
            "type": "object",
            "properties": {
                "cache_dir": {"type": "string"},
                "disk_free_bytes": {"type": "integer"},
                "backends": {"type": "array", "items": {"$ref": "#/definitions/types.BackendDiagnostics"}},
                "ffmpeg": {"$ref": "#/definitions/types.ToolStatus"},
                "tar": {"$ref": "#/definitions/types.ToolStatus"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "modelkeeper API",
	Description:      "Loopback API for on-device model downloads, backend supervision, inference and transcription.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
