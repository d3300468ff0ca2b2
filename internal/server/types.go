package server

import "github.com/hsn0918/edakb/internal/engine"

// ChatRequest is the body of every chat endpoint.
type ChatRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the non-streaming answer payload.
type ChatResponse struct {
	Answer         string              `json:"answer"`
	Sources        []engine.Source     `json:"sources"`
	ConversationID string              `json:"conversation_id"`
	Metadata       *engine.AgenticMeta `json:"metadata,omitempty"`
}

// UploadResponse is returned by the synchronous upload endpoint.
type UploadResponse struct {
	Filename      string `json:"filename"`
	Status        string `json:"status"`
	ChunksCreated int    `json:"chunks_created"`
}

// AsyncUploadResponse is returned by the asynchronous upload endpoint.
type AsyncUploadResponse struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	VectorDBStatus string `json:"vector_db_status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type statusResponse struct {
	Status   string `json:"status"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type discoverResponse struct {
	Status   string   `json:"status"`
	NewTools []string `json:"new_tools"`
	Count    int      `json:"count"`
}
