package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
	"github.com/zhouzirui/garage-chat/backend/internal/testutil/stompbroker"
)

func newConn(url string) *transport.Conn {
	opts := transport.DefaultOptions(url)
	opts.HandshakeTimeout = 2 * time.Second
	opts.PingInterval = 0
	return transport.New(opts)
}

func nextEvent(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
	return transport.Event{}
}

func TestConnectSubscribeAndReceive(t *testing.T) {
	broker := stompbroker.New()
	defer broker.Close()

	conn := newConn(broker.URL())
	defer conn.Close()

	events := conn.Connect(context.Background(), map[string]string{transport.HeaderRoomID: "r1"})
	if ev := nextEvent(t, events); ev.Kind != transport.EventConnected {
		t.Fatalf("expected connected event, got %s (%v)", ev.Kind, ev.Err)
	}

	headers := broker.ConnectHeaders()
	if len(headers) != 1 || headers[0][transport.HeaderRoomID] != "r1" {
		t.Fatalf("expected roomId header on CONNECT, got %v", headers)
	}

	if _, err := conn.Subscribe("/topic/room/r1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	if !stompbroker.WaitFor(2*time.Second, func() bool { return broker.LiveSubscriptions("/topic/room/r1") == 1 }) {
		t.Fatal("broker never saw the subscription")
	}

	broker.Publish("/topic/room/r1", []byte(`{"roomId":"r1","sender":"a@x.com","content":"hi","type":"CHAT"}`))

	ev := nextEvent(t, events)
	if ev.Kind != transport.EventFrame {
		t.Fatalf("expected frame event, got %s", ev.Kind)
	}
	if ev.Topic != "/topic/room/r1" {
		t.Fatalf("unexpected topic %q", ev.Topic)
	}
	if string(ev.Body) != `{"roomId":"r1","sender":"a@x.com","content":"hi","type":"CHAT"}` {
		t.Fatalf("unexpected body %s", ev.Body)
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	conn := newConn("ws://127.0.0.1:1/ws")
	defer conn.Close()

	if err := conn.Publish("/app/chat.sendMessage", []byte(`{}`)); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := conn.Subscribe("/topic/room/r1"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandshakeRejected(t *testing.T) {
	broker := stompbroker.New()
	defer broker.Close()
	broker.RejectConnects(1)

	conn := newConn(broker.URL())
	defer conn.Close()

	events := conn.Connect(context.Background(), nil)
	ev := nextEvent(t, events)
	if ev.Kind != transport.EventError {
		t.Fatalf("expected error event, got %s", ev.Kind)
	}
	if !errors.Is(ev.Err, transport.ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", ev.Err)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected stream to close after handshake failure")
	}

	// a fresh Connect performs a new handshake
	events = conn.Connect(context.Background(), nil)
	if ev := nextEvent(t, events); ev.Kind != transport.EventConnected {
		t.Fatalf("expected connected after retry, got %s (%v)", ev.Kind, ev.Err)
	}
}

func TestUnexpectedCloseIsReported(t *testing.T) {
	broker := stompbroker.New()
	defer broker.Close()

	conn := newConn(broker.URL())
	defer conn.Close()

	events := conn.Connect(context.Background(), nil)
	if ev := nextEvent(t, events); ev.Kind != transport.EventConnected {
		t.Fatalf("expected connected, got %s", ev.Kind)
	}

	broker.DropConnections()

	ev := nextEvent(t, events)
	if ev.Kind != transport.EventClosed {
		t.Fatalf("expected closed event, got %s", ev.Kind)
	}
	if !errors.Is(ev.Err, transport.ErrUnexpectedClose) {
		t.Fatalf("expected ErrUnexpectedClose, got %v", ev.Err)
	}
	if conn.Connected() {
		t.Fatal("connection should not report connected after a drop")
	}
}

func TestCloseIsIdempotentAndQuiet(t *testing.T) {
	broker := stompbroker.New()
	defer broker.Close()

	conn := newConn(broker.URL())
	events := conn.Connect(context.Background(), nil)
	if ev := nextEvent(t, events); ev.Kind != transport.EventConnected {
		t.Fatalf("expected connected, got %s", ev.Kind)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close err: %v", err)
	}

	ev := nextEvent(t, events)
	if ev.Kind != transport.EventClosed || ev.Err != nil {
		t.Fatalf("expected clean closed event, got %s (%v)", ev.Kind, ev.Err)
	}

	events = conn.Connect(context.Background(), nil)
	if ev := nextEvent(t, events); ev.Kind != transport.EventError || !errors.Is(ev.Err, transport.ErrConnectionClosed) {
		t.Fatalf("expected connect after close to fail, got %s (%v)", ev.Kind, ev.Err)
	}
}
