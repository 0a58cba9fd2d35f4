package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"valet/internal/agent"
	"valet/internal/store"
	"valet/pkg/models"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Message    string         `json:"message"`
	UseRAG     bool           `json:"use_rag"`
	UseWeb     bool           `json:"use_web"`
	Stream     bool           `json:"stream"`
	ActiveFile *activeFileRef `json:"active_file,omitempty"`
}

type activeFileRef struct {
	Name    string `json:"name"`
	DocType string `json:"doc_type"`
}

type sendMessageResponse struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Reply          string `json:"reply"`
}

type toolStatusResponse struct {
	Name  string `json:"name,omitempty"`
	Stage string `json:"stage"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.Body != nil {
		// An empty body means a default title.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		existing, err := s.store.ListConversations()
		if err != nil {
			s.jsonError(w, "Failed to create conversation", http.StatusInternalServerError)
			return
		}
		title = fmt.Sprintf("Conversation %d", len(existing)+1)
	}
	id, err := s.store.CreateConversation(title)
	if err != nil {
		s.logger.Error("create conversation failed", "error", err)
		s.jsonError(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, conversationResponse{ID: id, Title: title})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations()
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.jsonError(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	s.jsonResponse(w, map[string]any{"conversations": conversations})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversationFromPath(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	messages, err := s.store.MessagesForBranch(conv.ID, conv.ActiveBranchID, limit)
	if err != nil {
		s.logger.Error("list messages failed", "conversation", conv.ID, "error", err)
		s.jsonError(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	s.jsonResponse(w, map[string]any{"messages": messages})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversationFromPath(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		s.jsonError(w, "Message required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(strconv.FormatInt(conv.ID, 10)) {
		s.jsonError(w, "Too many requests. Slow down.", http.StatusTooManyRequests)
		return
	}

	if !s.sessions.begin(conv.ID) {
		s.jsonError(w, "A response is already streaming.", http.StatusConflict)
		return
	}
	defer s.sessions.finish(conv.ID)

	branchID, err := s.store.ActiveBranch(conv.ID)
	if err != nil {
		s.jsonError(w, "Failed to resolve branch", http.StatusInternalServerError)
		return
	}
	if _, err := s.store.AddMessage(conv.ID, models.RoleUser, message, branchID); err != nil {
		s.jsonError(w, "Failed to store message", http.StatusInternalServerError)
		return
	}
	assistantID, err := s.store.AddMessage(conv.ID, models.RoleAssistant, "", branchID)
	if err != nil {
		s.jsonError(w, "Failed to store message", http.StatusInternalServerError)
		return
	}

	turn := agent.TurnRequest{
		ConversationID: conv.ID,
		BranchID:       branchID,
		UserMessage:    message,
		UseRAG:         req.UseRAG,
		UseWeb:         req.UseWeb,
		ShouldCancel:   func() bool { return s.sessions.cancelled(conv.ID) },
	}
	if req.ActiveFile != nil {
		turn.ActiveFile = &agent.ActiveFile{Name: req.ActiveFile.Name, DocType: req.ActiveFile.DocType}
	}

	if req.Stream {
		s.streamTurn(w, r, conv.ID, branchID, assistantID, turn)
		return
	}

	turn.OnToolEvent = func(name, stage string) {
		s.sessions.setToolStage(conv.ID, name, stage)
	}
	reply, err := s.orchestrator.Respond(r.Context(), turn)
	if err != nil {
		s.logger.Error("turn failed", "conversation", conv.ID, "error", err)
		_ = s.store.UpdateMessageContent(assistantID, agent.MsgNoResponse)
		s.jsonError(w, "Failed to generate a response", http.StatusInternalServerError)
		return
	}
	if err := s.store.UpdateMessageContent(assistantID, reply); err != nil {
		s.logger.Error("store reply failed", "conversation", conv.ID, "error", err)
	}
	if _, err := s.orchestrator.MaybeUpdateTitle(r.Context(), conv.ID, true, branchID); err != nil {
		s.logger.Warn("title update failed", "conversation", conv.ID, "error", err)
	}
	s.jsonResponse(w, sendMessageResponse{ConversationID: conv.ID, MessageID: assistantID, Reply: reply})
}

// streamTurn runs the turn with token delivery over SSE. Events: token,
// tool, done, error.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, conversationID, branchID, assistantID int64, turn agent.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.StreamStarted()
		defer s.metrics.StreamEnded()
	}

	// Token and tool callbacks both run on the turn's goroutine, so the
	// response writer is never shared.
	turn.OnToken = func(delta string) {
		if err := s.store.AppendMessageContent(assistantID, delta); err != nil {
			s.logger.Warn("append token failed", "message", assistantID, "error", err)
		}
		s.writeEvent(w, flusher, "token", map[string]string{"delta": delta})
	}
	turn.OnToolEvent = func(name, stage string) {
		s.sessions.setToolStage(conversationID, name, stage)
		s.writeEvent(w, flusher, "tool", map[string]string{"name": name, "stage": stage})
	}

	reply, err := s.orchestrator.RespondStreaming(r.Context(), turn)
	if err != nil {
		s.logger.Error("streaming turn failed", "conversation", conversationID, "error", err)
		_ = s.store.UpdateMessageContent(assistantID, agent.MsgNoResponse)
		s.writeEvent(w, flusher, "error", map[string]string{"error": "Failed to generate a response"})
		return
	}
	if err := s.store.UpdateMessageContent(assistantID, reply); err != nil {
		s.logger.Error("store reply failed", "conversation", conversationID, "error", err)
	}
	if _, err := s.orchestrator.MaybeUpdateTitle(r.Context(), conversationID, true, branchID); err != nil {
		s.logger.Warn("title update failed", "conversation", conversationID, "error", err)
	}
	s.writeEvent(w, flusher, "done", sendMessageResponse{
		ConversationID: conversationID,
		MessageID:      assistantID,
		Reply:          reply,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversationFromPath(w, r)
	if !ok {
		return
	}
	if !s.sessions.cancel(conv.ID) {
		s.jsonError(w, "No response is streaming.", http.StatusConflict)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "cancelling"})
}

func (s *Server) handleToolStatus(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversationFromPath(w, r)
	if !ok {
		return
	}
	name, stage, running := s.sessions.toolStatus(conv.ID)
	if !running {
		s.jsonResponse(w, toolStatusResponse{Stage: "idle"})
		return
	}
	s.jsonResponse(w, toolStatusResponse{Name: name, Stage: stage})
}

// conversationFromPath resolves the {id} path segment to a stored
// conversation, writing the error response itself on failure.
func (s *Server) conversationFromPath(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.jsonError(w, "Conversation ID required", http.StatusBadRequest)
		return nil, false
	}
	conv, err := s.store.GetConversation(id)
	if errors.Is(err, store.ErrNotFound) {
		s.jsonError(w, "Conversation not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("load conversation failed", "conversation", id, "error", err)
		s.jsonError(w, "Failed to load conversation", http.StatusInternalServerError)
		return nil, false
	}
	return conv, true
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
