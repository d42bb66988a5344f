package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

type publishedFrame struct {
	Destination string
	Body        string
}

// fakeTransport records every call and lets tests drive the event stream.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	closed       bool
	events       chan transport.Event
	connects     int
	headers      []map[string]string
	failConnects int
	failPublish  bool
	nextID       int
	subscribes   []string
	unsubscribes []string
	published    []publishedFrame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Connect(_ context.Context, header map[string]string) <-chan transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan transport.Event, 64)
	f.connects++
	f.headers = append(f.headers, header)

	switch {
	case f.closed:
		ch <- transport.Event{Kind: transport.EventError, Err: transport.ErrConnectionClosed}
		close(ch)
	case f.failConnects > 0:
		f.failConnects--
		ch <- transport.Event{Kind: transport.EventError, Err: transport.ErrHandshakeFailed}
		close(ch)
	default:
		f.connected = true
		f.events = ch
		ch <- transport.Event{Kind: transport.EventConnected}
	}
	return ch
}

// drop simulates the broker closing the socket.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endLocked(fmt.Errorf("%w: EOF", transport.ErrUnexpectedClose))
}

func (f *fakeTransport) endLocked(err error) {
	f.connected = false
	if f.events == nil {
		return
	}
	f.events <- transport.Event{Kind: transport.EventClosed, Err: err}
	close(f.events)
	f.events = nil
}

func (f *fakeTransport) deliver(topic, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		f.events <- transport.Event{Kind: transport.EventFrame, Topic: topic, Body: []byte(body)}
	}
}

func (f *fakeTransport) Subscribe(topic string) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.Subscription{}, transport.ErrNotConnected
	}
	f.nextID++
	f.subscribes = append(f.subscribes, topic)
	return transport.Subscription{ID: fmt.Sprintf("sub-%d", f.nextID), Topic: topic}, nil
}

func (f *fakeTransport) Unsubscribe(sub transport.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.unsubscribes = append(f.unsubscribes, sub.Topic)
	return nil
}

func (f *fakeTransport) Publish(destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.failPublish {
		return transport.ErrNotConnected
	}
	f.published = append(f.published, publishedFrame{Destination: destination, Body: string(body)})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.endLocked(nil)
	return nil
}

func (f *fakeTransport) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...)
}

func (f *fakeTransport) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

func (f *fakeTransport) publishedFrames() []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedFrame(nil), f.published...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = nil
	f.unsubscribes = nil
	f.published = nil
}

// fakeDirectory serves a mutable active-room list.
type fakeDirectory struct {
	mu       sync.Mutex
	rooms    []chatModel.Room
	own      map[string]chatModel.Room
	failList bool
	lists    int
}

func (d *fakeDirectory) ResolveRoom(_ context.Context, counterpart string) (chatModel.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.own[counterpart]
	if !ok {
		return chatModel.Room{}, fmt.Errorf("room not found: %s", counterpart)
	}
	return room, nil
}

func (d *fakeDirectory) ListActiveRooms(context.Context) ([]chatModel.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists++
	if d.failList {
		return nil, fmt.Errorf("directory unavailable")
	}
	return append([]chatModel.Room(nil), d.rooms...), nil
}

func (d *fakeDirectory) setRooms(rooms ...chatModel.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = rooms
}

func (d *fakeDirectory) setFailing(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failList = fail
}

func (d *fakeDirectory) listCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lists
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	counts := make(map[string]int, len(want))
	for _, w := range want {
		counts[w]++
	}
	for _, g := range got {
		counts[g]--
		if counts[g] < 0 {
			return false
		}
	}
	return true
}

func (f *fakeTransport) connectHeaders() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.headers...)
}

func (f *fakeTransport) setFailConnects(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failConnects = n
}

func (d *fakeDirectory) setOwn(counterpart string, room chatModel.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.own == nil {
		d.own = make(map[string]chatModel.Room)
	}
	d.own[counterpart] = room
}
