package chat

import (
	"fmt"
	"log"
	"time"
)

// Publisher is the part of the transport the outbound queue hands envelopes to.
type Publisher interface {
	Publish(destination string, body []byte) error
}

// Envelope is a message waiting to be handed to the transport.
type Envelope struct {
	TargetRoom string
	Payload    []byte
	EnqueuedAt time.Time
}

// OutboundQueue buffers sends per room while the room cannot be published to and flushes
// them in enqueue order once it can. Delivery is fire-and-forget once handed off.
// OutboundQueue is not safe for concurrent use; Session serializes every call under its lock.
type OutboundQueue struct {
	conn        Publisher
	destination string
	limit       int
	pending     map[string][]Envelope
}

// NewOutboundQueue creates a queue publishing to destination. limit caps each room's backlog;
// zero means unbounded.
func NewOutboundQueue(conn Publisher, destination string, limit int) *OutboundQueue {
	return &OutboundQueue{
		conn:        conn,
		destination: destination,
		limit:       limit,
		pending:     make(map[string][]Envelope),
	}
}

// Send publishes env immediately when ready is true and nothing is queued ahead of it for the
// same room; otherwise it enqueues env.
func (q *OutboundQueue) Send(env Envelope, ready bool) error {
	if ready && len(q.pending[env.TargetRoom]) == 0 {
		err := q.conn.Publish(q.destination, env.Payload)
		if err == nil {
			return nil
		}
		log.Printf("[outbound] publish to %s failed, queueing: %v", env.TargetRoom, err)
	}
	return q.enqueue(env)
}

func (q *OutboundQueue) enqueue(env Envelope) error {
	backlog := q.pending[env.TargetRoom]
	if q.limit > 0 && len(backlog) >= q.limit {
		return fmt.Errorf("%w: room %s has %d pending", ErrOutboundQueueFull, env.TargetRoom, len(backlog))
	}
	q.pending[env.TargetRoom] = append(backlog, env)
	return nil
}

// Flush publishes queued envelopes, oldest first, for every room ready reports true for.
// A failed publish stops that room's flush so later envelopes never overtake it.
func (q *OutboundQueue) Flush(ready func(roomID string) bool) int {
	flushed := 0
	for roomID, backlog := range q.pending {
		if !ready(roomID) {
			continue
		}

		sent := 0
		for _, env := range backlog {
			if err := q.conn.Publish(q.destination, env.Payload); err != nil {
				log.Printf("[outbound] flush to %s stopped after %d: %v", roomID, sent, err)
				break
			}
			sent++
		}
		flushed += sent

		if sent == len(backlog) {
			delete(q.pending, roomID)
		} else {
			q.pending[roomID] = backlog[sent:]
		}
	}
	return flushed
}

// Pending returns the number of envelopes queued for roomID.
func (q *OutboundQueue) Pending(roomID string) int {
	return len(q.pending[roomID])
}

// Len returns the number of queued envelopes across rooms.
func (q *OutboundQueue) Len() int {
	total := 0
	for _, backlog := range q.pending {
		total += len(backlog)
	}
	return total
}

// Drop discards everything queued and returns how many envelopes were lost.
func (q *OutboundQueue) Drop() int {
	dropped := q.Len()
	q.pending = make(map[string][]Envelope)
	return dropped
}
