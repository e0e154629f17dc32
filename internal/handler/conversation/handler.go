package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/service/desk"
	"github.com/zhouzirui/deskline/pkg/utils"
)

// Desk is the part of desk.Service the inbox routes use.
type Desk interface {
	LoadConversations(ctx context.Context, page int, search string) (desk.ListResult, error)
	Conversations(ctx context.Context) ([]conversation.Conversation, error)
	LoadMessages(ctx context.Context, conversationID string, page int) ([]conversation.Message, error)
	Messages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	SendMessage(ctx context.Context, conversationID, text string) (string, error)
	Transfer(ctx context.Context, conversationID string, target conversation.TransferTarget) error
	CloseConversation(ctx context.Context, conversationID string) error
	Select(ctx context.Context, conversationID string) error
	Selected() string
	Agents(ctx context.Context) (map[string]string, error)
}

// Handler 会话列表与消息的HTTP处理器
type Handler struct {
	desk Desk
}

// New 创建会话处理器
func New(d Desk) *Handler {
	return &Handler{desk: d}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleList)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/messages", h.handleMessages)
		r.Post("/messages", h.handleSend)
		r.Post("/transfer", h.handleTransfer)
		r.Post("/close", h.handleClose)
	})
	r.Get("/selection", h.handleGetSelection)
	r.Put("/selection", h.handleSelect)
	r.Get("/agents", h.handleAgents)
}

// handleList 拉取一页会话；cached=1 时只读取本地状态
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if cached(q.Get("cached")) {
		convs, err := h.desk.Conversations(r.Context())
		if err != nil {
			utils.RespondServiceError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, desk.ListResult{Conversations: convs})
		return
	}

	page, ok := pageParam(w, q.Get("page"))
	if !ok {
		return
	}
	result, err := h.desk.LoadConversations(r.Context(), page, q.Get("search"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleMessages 拉取历史消息并返回合并后的有序日志
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	var (
		msgs []conversation.Message
		err  error
	)
	if cached(q.Get("cached")) {
		msgs, err = h.desk.Messages(r.Context(), id)
	} else {
		page, ok := pageParam(w, q.Get("page"))
		if !ok {
			return
		}
		msgs, err = h.desk.LoadMessages(r.Context(), id, page)
	}
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversationId": id, "messages": msgs})
}

// handleSend 发送人工回复；消息通过实时回显进入日志
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	clientMessageID, err := h.desk.SendMessage(r.Context(), chi.URLParam(r, "id"), payload.Text)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "clientMessageId": clientMessageID})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var target conversation.TransferTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !target.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "exactly one of targetAgentId or targetChannelId is required")
		return
	}

	if err := h.desk.Transfer(r.Context(), chi.URLParam(r, "id"), target); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.desk.CloseConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"conversationId": h.desk.Selected()})
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.desk.Select(r.Context(), payload.ConversationID); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"conversationId": h.desk.Selected()})
}

func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.desk.Agents(r.Context())
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, agents)
}

func cached(v string) bool {
	ok, _ := strconv.ParseBool(v)
	return ok
}

// pageParam 解析 page 参数，缺省为 1
func pageParam(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 1, true
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		utils.RespondError(w, http.StatusBadRequest, "page must be a positive integer")
		return 0, false
	}
	return page, true
}
