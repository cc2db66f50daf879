package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
)

// HeaderContextID 携带实时镜像使用的 context id，响应中会回显。
const HeaderContextID = "X-Context-Id"

const maxBodyBytes = 1 << 20

type chatRequest struct {
	EntityID string `json:"entity_id"`
	ChatID   string `json:"chat_id"`
	Message  string `json:"message"`
}

// handleChat 以 SSE 方式流式返回一次对话轮次。请求校验与限流在写出任何
// 帧之前完成，一旦开始写帧，错误只能通过 error 帧告知客户端。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.responder == nil {
		writeError(w, http.StatusServiceUnavailable, "agent 未初始化")
		return
	}
	var body chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	contextID := strings.TrimSpace(r.Header.Get(HeaderContextID))
	if contextID == "" {
		contextID = uuid.NewString()
	}
	req := agent.ChatRequest{
		EntityID:  strings.TrimSpace(body.EntityID),
		ChatID:    strings.TrimSpace(body.ChatID),
		Message:   body.Message,
		ContextID: contextID,
	}
	if err := req.Validate(); err != nil {
		writeCodedError(w, err)
		return
	}
	if !s.limiter.Allow(req.EntityID) {
		s.observer.RateLimited("chat")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests", Code: string(xerrors.CodeRateLimited)})
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set(HeaderContextID, contextID)
	w.WriteHeader(http.StatusOK)

	result, err := s.responder.Respond(r.Context(), req, w)
	if err != nil {
		s.logger.Info("对话轮次以错误结束",
			slog.String("entity_id", req.EntityID),
			slog.String("context_id", contextID),
			slog.String("code", string(xerrors.CodeOf(err))))
		return
	}
	s.logger.Debug("对话轮次完成",
		slog.String("entity_id", req.EntityID),
		slog.String("context_id", contextID),
		slog.String("outcome", result.Outcome),
		slog.Int("steps", result.Steps))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusServiceUnavailable, "实时镜像未启用")
		return
	}
	contextID := strings.TrimSpace(r.PathValue("context_id"))
	if contextID == "" {
		writeError(w, http.StatusBadRequest, "缺少 context_id")
		return
	}
	rec, err := s.live.Get(r.Context(), contextID)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "对话历史未启用")
		return
	}
	entityID := strings.TrimSpace(r.PathValue("entity_id"))
	if entityID == "" {
		writeError(w, http.StatusBadRequest, "缺少 entity_id")
		return
	}
	limit, ok := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit 必须为正整数")
		return
	}
	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
	messages, err := s.history.List(r.Context(), entityID, chatID, limit)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"chat_id":   chatID,
		"messages":  messages,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未启用")
		return
	}
	var req task.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	req.Source = task.SourceAPI
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未启用")
		return
	}
	limit, ok := parseLimit(r, 20, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit 必须为正整数")
		return
	}
	tasks, err := s.tasks.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("entity_id")), limit)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未启用")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "缺少任务 ID")
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func parseLimit(r *http.Request, def, max int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, false
	}
	if limit > max {
		limit = max
	}
	return limit, true
}
