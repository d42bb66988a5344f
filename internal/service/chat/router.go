package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
)

// Router decodes inbound frames and appends each message to the streams of the room named by
// the frame's topic. Frames are dispatched in arrival order; consumers never block decoding.
// No deduplication is performed.
type Router struct {
	mu     sync.RWMutex
	rooms  map[string]*fanout[chatModel.Message]
	closed bool

	delivered atomic.Int64
	malformed atomic.Int64
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{rooms: make(map[string]*fanout[chatModel.Message])}
}

// Subscribe returns a stream of messages arriving for roomID from now on.
func (r *Router) Subscribe(roomID string) *Stream[chatModel.Message] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		s := newStream[chatModel.Message](nil)
		s.end()
		return s
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = newFanout[chatModel.Message]()
		room.idle = func() { r.forget(roomID, room) }
		r.rooms[roomID] = room
	}
	return room.subscribe()
}

// forget drops a room's fan-out once its last stream is gone, so room ids that only ever
// had short-lived readers do not accumulate.
func (r *Router) forget(roomID string, room *fanout[chatModel.Message]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == room && room.size() == 0 {
		delete(r.rooms, roomID)
	}
}

// size returns how many rooms currently have at least one reader.
func (r *Router) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// OnFrame handles one inbound frame. A frame that does not decode into a message for the
// topic's room is dropped and reported as ErrMalformedMessage.
func (r *Router) OnFrame(topic string, raw []byte) error {
	msg, err := DecodeMessage(topic, raw)
	if err != nil {
		r.malformed.Add(1)
		log.Printf("[router] dropping frame on %s: %v", topic, err)
		return err
	}

	r.mu.RLock()
	room := r.rooms[msg.RoomID]
	r.mu.RUnlock()

	r.delivered.Add(1)
	if room != nil {
		room.publish(msg)
	}
	return nil
}

// Stats reports how many frames were delivered and dropped.
func (r *Router) Stats() (delivered, malformed int64) {
	return r.delivered.Load(), r.malformed.Load()
}

// Close ends every stream.
func (r *Router) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*fanout[chatModel.Message])
	r.closed = true
	r.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
}

// DecodeMessage strictly decodes a frame body delivered on topic.
func DecodeMessage(topic string, raw []byte) (chatModel.Message, error) {
	roomID, ok := chatModel.RoomFromTopic(topic)
	if !ok {
		return chatModel.Message{}, fmt.Errorf("%w: unexpected topic %q", ErrMalformedMessage, topic)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return chatModel.Message{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedMessage)
	}

	var msg chatModel.Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return chatModel.Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg.Kind = chatModel.Kind(strings.ToUpper(string(msg.Kind)))
	switch {
	case !msg.Kind.Valid():
		return chatModel.Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Kind)
	case msg.Sender == "":
		return chatModel.Message{}, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	case msg.RoomID == "":
		msg.RoomID = roomID
	case msg.RoomID != roomID:
		return chatModel.Message{}, fmt.Errorf("%w: room %q delivered on %q", ErrMalformedMessage, msg.RoomID, topic)
	}
	return msg, nil
}
