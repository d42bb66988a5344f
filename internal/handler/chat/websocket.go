package chat

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// socket 串行化对同一连接的写操作
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) send(msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *socket) sendError(roomID, message string) {
	if err := s.send(outgoingMessage{Type: "error", RoomID: roomID, Data: map[string]string{"message": message}}); err != nil {
		log.Printf("[websocket] write error failed: %v", err)
	}
}

func (s *socket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket 将房间消息桥接到浏览器WebSocket，并接受 {"type":"send","content":...}
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		http.Error(w, "roomID is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new connection for room: %s", roomID)

	sock := &socket{conn: conn}
	stream := h.session.MessagesOf(roomID)
	defer stream.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	go pingLoop(ctx, sock)
	go h.forwardMessages(ctx, cancel, sock, roomID, stream.Next)

	if err := sock.send(outgoingMessage{Type: "connected", RoomID: roomID, Data: map[string]string{
		"identity": h.session.Identity(),
	}}); err != nil {
		return
	}

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch msg.Type {
		case "send":
			if err := h.session.Send(roomID, msg.Content); err != nil {
				sock.sendError(roomID, err.Error())
				continue
			}
			pending := h.session.Pending(roomID)
			kind := "sent"
			if pending > 0 {
				kind = "queued"
			}
			if err := sock.send(outgoingMessage{Type: kind, RoomID: roomID, Data: map[string]int{
				"pending": pending,
			}}); err != nil {
				return
			}
		default:
			sock.sendError(roomID, "unsupported message type: "+msg.Type)
		}
	}
}

// forwardMessages 推送房间消息，会话关闭时断开连接
func (h *Handler) forwardMessages(ctx context.Context, cancel context.CancelFunc, sock *socket, roomID string, next func(context.Context) (chatModel.Message, error)) {
	for {
		msg, err := next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				_ = sock.send(outgoingMessage{Type: "closed", RoomID: roomID})
				cancel()
				_ = sock.conn.Close()
			}
			return
		}
		if err := sock.send(outgoingMessage{Type: "message", RoomID: roomID, Data: msg}); err != nil {
			log.Printf("[websocket] write message failed: %v", err)
			cancel()
			return
		}
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, sock *socket) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.ping(); err != nil {
				return
			}
		}
	}
}
