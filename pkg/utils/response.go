package utils

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/deskline/internal/service/api"
	"github.com/zhouzirui/deskline/internal/service/desk"
	"github.com/zhouzirui/deskline/internal/service/inbox"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// ErrorStatus 将服务层错误映射为 HTTP 状态码
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, desk.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, desk.ErrTextRequired), errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, inbox.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, inbox.ErrStopped):
		return http.StatusServiceUnavailable
	}

	switch api.Classify(err) {
	case api.KindUnauthorized, api.KindSessionExpired:
		return http.StatusUnauthorized
	case api.KindConflict:
		return http.StatusConflict
	case api.KindTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// RespondServiceError 发送服务层错误，附带错误分类
func RespondServiceError(w http.ResponseWriter, err error) {
	status := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[http] upstream error: %v", err)
	}
	RespondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  api.Classify(err).String(),
	})
}
