package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/garage-chat/backend/internal/service/chat"
	"github.com/zhouzirui/garage-chat/backend/pkg/utils"
)

// Session 是处理器依赖的聊天会话能力
type Session interface {
	Rooms() []chatModel.Room
	Selected(roomID string) bool
	SelectRoom(roomID string) error
	DeselectRoom(roomID string) error
	Send(roomID, text string) error
	Pending(roomID string) int
	MessagesOf(roomID string) *chatService.Stream[chatModel.Message]
	ObserveState() *chatService.Stream[chatModel.ConnectionState]
	State() chatModel.ConnectionState
	Identity() string
}

// Handler 聊天会话的HTTP处理器
type Handler struct {
	session   Session
	heartbeat time.Duration
}

// New 创建聊天处理器
func New(session Session) *Handler {
	return &Handler{session: session, heartbeat: 15 * time.Second}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/rooms", h.handleListRooms)
	r.Route("/rooms/{roomID}", func(room chi.Router) {
		room.Post("/select", h.handleSelectRoom)
		room.Delete("/select", h.handleDeselectRoom)
		room.Post("/messages", h.handleSendMessage)
		room.Get("/stream", h.handleRoomStream)
		room.Get("/ws", h.handleWebSocket)
	})
	r.Get("/state", h.handleState)
	r.Get("/state/stream", h.handleStateStream)
}

type roomView struct {
	RoomID      string `json:"roomId"`
	Counterpart string `json:"counterpart,omitempty"`
	Selected    bool   `json:"selected"`
	Pending     int    `json:"pending"`
}

// handleListRooms 返回当前已知房间
func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.session.Rooms()
	views := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, roomView{
			RoomID:      room.RoomID,
			Counterpart: room.Counterpart,
			Selected:    h.session.Selected(room.RoomID),
			Pending:     h.session.Pending(room.RoomID),
		})
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

// handleSelectRoom 订阅房间
func (h *Handler) handleSelectRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SelectRoom(chi.URLParam(r, "roomID")); err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.session.State())
}

// handleDeselectRoom 取消选择房间
func (h *Handler) handleDeselectRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.session.DeselectRoom(chi.URLParam(r, "roomID")); err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.session.State())
}

// handleSendMessage 发送消息：已发出时返回 sent，断线时进入待发队列并返回 queued
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	if err := h.session.Send(roomID, payload.Content); err != nil {
		respondSessionError(w, err)
		return
	}

	pending := h.session.Pending(roomID)
	status := "sent"
	if pending > 0 {
		status = "queued"
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]any{
		"status":  status,
		"pending": pending,
	})
}

// handleState 返回连接状态快照
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.session.State())
}

// handleRoomStream 以SSE推送房间的新消息
func (h *Handler) handleRoomStream(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		utils.RespondError(w, http.StatusBadRequest, "roomID is required")
		return
	}

	stream := h.session.MessagesOf(roomID)
	defer stream.Close()

	log.Printf("[sse] opening message stream for room=%s", roomID)
	serveSSE(w, r, h.heartbeat, "message", stream.Next)
	log.Printf("[sse] closing message stream for room=%s", roomID)
}

// handleStateStream 以SSE推送连接状态变化
func (h *Handler) handleStateStream(w http.ResponseWriter, r *http.Request) {
	stream := h.session.ObserveState()
	defer stream.Close()
	serveSSE(w, r, h.heartbeat, "state", stream.Next)
}

func serveSSE[T any](w http.ResponseWriter, r *http.Request, heartbeat time.Duration, event string, next func(context.Context) (T, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	utils.SendSSEEvent(w, flusher, "status", map[string]string{"message": "stream established"})

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, heartbeat)
		value, err := next(waitCtx)
		cancel()

		switch {
		case err == nil:
			utils.SendSSEEvent(w, flusher, event, value)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": time.Now().UTC().Format(time.RFC3339),
			})
		case errors.Is(err, chatService.ErrStreamClosed):
			utils.SendSSEEvent(w, flusher, "end", map[string]string{"message": "session closed"})
			return
		default:
			return
		}
	}
}

func respondSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatService.ErrRoomRequired), errors.Is(err, chatService.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, chatService.ErrOutboundQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, chatService.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	}
	utils.RespondError(w, status, err.Error())
}
