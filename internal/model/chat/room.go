package chat

import "strings"

// TopicPrefix is the broker topic namespace rooms are published under.
const TopicPrefix = "/topic/room/"

// Room identifies a customer conversation. RoomID is assigned by the backend and never changes.
type Room struct {
	RoomID      string `json:"roomId"`
	Counterpart string `json:"counterpart"`
}

// Topic returns the broker topic that carries the room's messages.
func (r Room) Topic() string {
	return TopicFor(r.RoomID)
}

// TopicFor builds the topic name for a room identifier.
func TopicFor(roomID string) string {
	return TopicPrefix + roomID
}

// RoomFromTopic extracts the room identifier from a topic name.
func RoomFromTopic(topic string) (string, bool) {
	roomID, ok := strings.CutPrefix(topic, TopicPrefix)
	if !ok || roomID == "" || strings.Contains(roomID, "/") {
		return "", false
	}
	return roomID, true
}
