package chat

import "errors"

var (
	ErrSessionClosed     = errors.New("chat session closed")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrOutboundQueueFull = errors.New("outbound queue full")
	ErrStreamClosed      = errors.New("stream closed")
	ErrEmptyMessage      = errors.New("message content is required")
	ErrRoomRequired      = errors.New("room id is required")
)
