package session

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	sessionModel "github.com/zhouzirui/deskline/internal/model/session"
	"github.com/zhouzirui/deskline/internal/service/desk"
	"github.com/zhouzirui/deskline/pkg/utils"
)

// Desk is the part of desk.Service the session routes use.
type Desk interface {
	Login(ctx context.Context, email, password string) (sessionModel.Session, error)
	Restore(ctx context.Context) (sessionModel.Session, error)
	Logout(ctx context.Context) error
	Status() desk.Status
}

// Handler 登录会话的HTTP处理器
type Handler struct {
	desk Desk
}

// New 创建会话处理器
func New(d Desk) *Handler {
	return &Handler{desk: d}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session", h.handleStatus)
	r.Post("/session", h.handleLogin)
	r.Post("/session/restore", h.handleRestore)
	r.Delete("/session", h.handleLogout)
}

// handleLogin 登录并启动实时通道
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Email == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if _, err := h.desk.Login(r.Context(), payload.Email, payload.Password); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.desk.Status())
}

// handleRestore 用刷新凭证恢复会话
func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	if _, err := h.desk.Restore(r.Context()); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.desk.Status())
}

// handleLogout 退出登录；服务端失败时本地会话仍被清除
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.desk.Logout(r.Context()); err != nil {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "signed_out", "warning": err.Error()})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.desk.Status())
}
