// Package server exposes the knowledge base over a REST surface with SSE
// streaming for chat answers.
package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/agentic"
	"github.com/hsn0918/edakb/internal/config"
	"github.com/hsn0918/edakb/internal/engine"
	"github.com/hsn0918/edakb/internal/history"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/storage"
	"github.com/hsn0918/edakb/internal/tasks"
)

const apiVersion = "1.0.0"

// uploadCopyChunk is the buffer size for streaming uploads to disk.
const uploadCopyChunk = 8 * 1024 * 1024

var allowedExtensions = map[string]struct{}{
	".pdf":      {},
	".md":       {},
	".markdown": {},
}

// Server holds the handler dependencies. Archive is nil when the MinIO
// document archive is disabled.
type Server struct {
	cfg     *config.Config
	engine  *engine.Engine
	agentic *agentic.Controller
	tasks   *tasks.Manager
	history *history.Store
	archive *storage.Archive
}

func NewServer(
	cfg *config.Config,
	eng *engine.Engine,
	controller *agentic.Controller,
	manager *tasks.Manager,
	hist *history.Store,
	archive *storage.Archive,
) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		agentic: controller,
		tasks:   manager,
		history: hist,
		archive: archive,
	}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /upload/sync", s.handleUploadSync)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskStatus)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /chat/agentic", s.handleChatAgentic)
	mux.HandleFunc("POST /chat/agentic/stream", s.handleChatAgenticStream)

	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /history/{id}", s.handleConversationMessages)
	mux.HandleFunc("DELETE /history/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /documents/{filename}", s.handleDeleteDocument)

	mux.HandleFunc("POST /tools/discover", s.handleDiscoverTools)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := sonic.Marshal(body)
	if err != nil {
		logger.GetLogger().Error("序列化响应失败", zap.Error(err))
		return
	}
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Detail: fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Version:        apiVersion,
		VectorDBStatus: "connected",
	})
}

// saveUpload validates the multipart file and streams it to a temp path.
// The caller owns the returned path.
func (s *Server) saveUpload(r *http.Request) (path, filename string, err error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", fmt.Errorf("缺少 file 字段: %w", err)
	}
	defer file.Close()

	filename = filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", "", fmt.Errorf("仅支持 PDF 和 Markdown 文件，收到: %s", ext)
	}

	tmp, err := os.CreateTemp("", "upload_*"+ext)
	if err != nil {
		return "", "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	if _, err := io.CopyBuffer(tmp, file, make([]byte, uploadCopyChunk)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("保存上传文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", err
	}

	// 原始文件归档是尽力而为，不阻塞入库
	if s.archive != nil {
		if f, aerr := os.Open(tmp.Name()); aerr == nil {
			info, _ := f.Stat()
			if aerr := s.archive.Put(r.Context(), filename, f, info.Size(),
				mimeForExt(ext)); aerr != nil {
				logger.GetLogger().Warn("归档原始文件失败",
					zap.String("file", filename),
					zap.Error(aerr))
			}
			f.Close()
		}
	}

	return tmp.Name(), filename, nil
}

func mimeForExt(ext string) string {
	if ext == ".pdf" {
		return "application/pdf"
	}
	return "text/markdown"
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	path, filename, err := s.saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	task := s.tasks.Enqueue(filename, path)
	writeJSON(w, http.StatusOK, AsyncUploadResponse{
		TaskID:   task.ID,
		Filename: filename,
		Status:   string(task.Status),
	})
}

func (s *Server) handleUploadSync(w http.ResponseWriter, r *http.Request) {
	path, filename, err := s.saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	defer os.Remove(path)

	chunks, err := s.engine.Ingest(r.Context(), path, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "文档处理失败: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Filename:      filename,
		Status:        "success",
		ChunksCreated: chunks,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.tasks.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.tasks.List()})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (*ChatRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "读取请求体失败: %v", err)
		return nil, false
	}
	var req ChatRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的 JSON 请求体: %v", err)
		return nil, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question 不能为空")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Query(r.Context(), req.Question, req.ConversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Answer:         result.Answer,
		Sources:        result.Sources,
		ConversationID: result.ConversationID,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	sse := newSSEWriter(w)
	err := s.engine.QueryStream(r.Context(), req.Question, req.ConversationID, sse.Send)
	if err != nil {
		logger.GetLogger().Error("流式问答失败", zap.Error(err))
		sse.Send(engine.Event{Type: "error", Content: err.Error()})
	}
}

func (s *Server) handleChatAgentic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	result, err := s.agentic.Query(r.Context(), req.Question, req.ConversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Agentic query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Answer:         result.Answer,
		Sources:        result.Sources,
		ConversationID: result.ConversationID,
		Metadata:       result.Metadata,
	})
}

func (s *Server) handleChatAgenticStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	sse := newSSEWriter(w)
	err := s.agentic.QueryStream(r.Context(), req.Question, req.ConversationID, sse.Send)
	if err != nil {
		logger.GetLogger().Error("Agentic 流式问答失败", zap.Error(err))
		sse.Send(engine.Event{Type: "error", Content: err.Error()})
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	conversations, err := s.history.Conversations(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch history: %v", err)
		return
	}
	if conversations == nil {
		conversations = []history.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.history.Messages(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages: %v", err)
		return
	}
	if messages == nil {
		messages = []history.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.history.DeleteConversation(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete conversation: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", ID: id})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")

	deleted, err := s.engine.DeleteDocument(r.Context(), filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Deletion failed: %v", err)
		return
	}
	if deleted == 0 {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}

	if s.archive != nil {
		if err := s.archive.Remove(r.Context(), filename); err != nil {
			logger.GetLogger().Warn("删除归档文件失败",
				zap.String("file", filename),
				zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted", Filename: filename})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	documents, err := s.engine.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list documents: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": documents})
}

func (s *Server) handleDiscoverTools(w http.ResponseWriter, r *http.Request) {
	newTools, err := s.engine.DiscoverTools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Tool discovery failed: %v", err)
		return
	}
	if newTools == nil {
		newTools = []string{}
	}
	writeJSON(w, http.StatusOK, discoverResponse{
		Status:   "success",
		NewTools: newTools,
		Count:    len(newTools),
	})
}
