package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func envelope(room string, n int) Envelope {
	return Envelope{TargetRoom: room, Payload: []byte(fmt.Sprintf("%s-%d", room, n)), EnqueuedAt: time.Now()}
}

func TestOutboundQueueFlushesPerRoomInOrder(t *testing.T) {
	conn := newFakeTransport()
	q := NewOutboundQueue(conn, "/app/chat.sendMessage", 0)

	for i := 1; i <= 3; i++ {
		if err := q.Send(envelope("a", i), false); err != nil {
			t.Fatalf("Send err: %v", err)
		}
		if err := q.Send(envelope("b", i), false); err != nil {
			t.Fatalf("Send err: %v", err)
		}
	}
	if q.Len() != 6 {
		t.Fatalf("expected 6 queued, got %d", q.Len())
	}

	conn.connected = true
	if flushed := q.Flush(func(string) bool { return true }); flushed != 6 {
		t.Fatalf("expected 6 flushed, got %d", flushed)
	}

	perRoom := map[string][]string{}
	for _, p := range conn.publishedFrames() {
		if p.Destination != "/app/chat.sendMessage" {
			t.Fatalf("unexpected destination %s", p.Destination)
		}
		perRoom[p.Body[:1]] = append(perRoom[p.Body[:1]], p.Body)
	}
	for _, room := range []string{"a", "b"} {
		want := []string{room + "-1", room + "-2", room + "-3"}
		got := perRoom[room]
		if len(got) != len(want) {
			t.Fatalf("room %s: got %v", room, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("room %s out of order: got %v want %v", room, got, want)
			}
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestOutboundQueueOnlyFlushesReadyRooms(t *testing.T) {
	conn := newFakeTransport()
	conn.connected = true
	q := NewOutboundQueue(conn, "/app/chat.sendMessage", 0)

	_ = q.Send(envelope("a", 1), false)
	_ = q.Send(envelope("b", 1), false)

	q.Flush(func(room string) bool { return room == "a" })

	if q.Pending("a") != 0 || q.Pending("b") != 1 {
		t.Fatalf("unexpected pending a=%d b=%d", q.Pending("a"), q.Pending("b"))
	}
}

func TestOutboundQueueSendDirectKeepsOrderBehindBacklog(t *testing.T) {
	conn := newFakeTransport()
	q := NewOutboundQueue(conn, "/app/chat.sendMessage", 0)

	_ = q.Send(envelope("a", 1), false)
	conn.connected = true

	// ready, but an older envelope is still queued for the room
	_ = q.Send(envelope("a", 2), true)
	if len(conn.publishedFrames()) != 0 {
		t.Fatal("newer envelope must not overtake the backlog")
	}

	q.Flush(func(string) bool { return true })
	frames := conn.publishedFrames()
	if len(frames) != 2 || frames[0].Body != "a-1" || frames[1].Body != "a-2" {
		t.Fatalf("unexpected publish order %v", frames)
	}

	_ = q.Send(envelope("a", 3), true)
	if frames := conn.publishedFrames(); len(frames) != 3 || frames[2].Body != "a-3" {
		t.Fatalf("expected direct publish, got %v", frames)
	}
}

func TestOutboundQueueFailedPublishRequeues(t *testing.T) {
	conn := newFakeTransport()
	conn.connected = true
	conn.failPublish = true
	q := NewOutboundQueue(conn, "/app/chat.sendMessage", 0)

	if err := q.Send(envelope("a", 1), true); err != nil {
		t.Fatalf("Send should queue on publish failure, got %v", err)
	}
	if q.Pending("a") != 1 {
		t.Fatalf("expected envelope to be queued, got %d", q.Pending("a"))
	}
	_ = q.Send(envelope("a", 2), false)

	if flushed := q.Flush(func(string) bool { return true }); flushed != 0 {
		t.Fatalf("expected nothing flushed while publishing fails, got %d", flushed)
	}
	if q.Pending("a") != 2 {
		t.Fatalf("expected backlog intact, got %d", q.Pending("a"))
	}
}

func TestOutboundQueueLimit(t *testing.T) {
	q := NewOutboundQueue(newFakeTransport(), "/app/chat.sendMessage", 2)

	_ = q.Send(envelope("a", 1), false)
	_ = q.Send(envelope("a", 2), false)
	if err := q.Send(envelope("a", 3), false); !errors.Is(err, ErrOutboundQueueFull) {
		t.Fatalf("expected ErrOutboundQueueFull, got %v", err)
	}
	if err := q.Send(envelope("b", 1), false); err != nil {
		t.Fatalf("limit is per room, got %v", err)
	}
	if dropped := q.Drop(); dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
}
