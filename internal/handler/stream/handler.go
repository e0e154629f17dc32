package stream

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/deskline/internal/service/desk"
	"github.com/zhouzirui/deskline/internal/service/inbox"
	"github.com/zhouzirui/deskline/internal/service/realtime"
	"github.com/zhouzirui/deskline/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Source is what the change feed reads from.
type Source interface {
	Subscribe(buffer int) (<-chan inbox.Change, func())
	WatchConnectivity(buffer int) (<-chan realtime.State, func())
	Status() desk.Status
}

// Handler pushes store changes and connectivity updates over Server-Sent Events.
type Handler struct {
	source    Source
	heartbeat time.Duration
}

// New creates a new stream handler
func New(source Source) *Handler {
	return &Handler{source: source, heartbeat: defaultHeartbeat}
}

// RegisterRoutes 注册SSE路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

// handleStream 先发送当前状态，然后持续转发变更，直到客户端断开
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, unsubscribe := h.source.Subscribe(64)
	defer unsubscribe()
	states, unwatch := h.source.WatchConnectivity(8)
	defer unwatch()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] opening change stream remote=%s", r.RemoteAddr)
	defer log.Printf("[sse] closing change stream remote=%s", r.RemoteAddr)

	if err := utils.SendSSEEvent(w, flusher, "status", h.source.Status()); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			err = utils.SendSSEEvent(w, flusher, "change", change)
		case state, ok := <-states:
			if !ok {
				return
			}
			err = utils.SendSSEEvent(w, flusher, "connectivity", map[string]string{"state": state.String()})
		case t := <-ticker.C:
			err = utils.SendSSEComment(w, flusher, "heartbeat "+t.UTC().Format(time.RFC3339))
		}
		if err != nil {
			log.Printf("[sse] write failed: %v", err)
			return
		}
	}
}
