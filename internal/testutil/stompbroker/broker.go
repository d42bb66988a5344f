// Package stompbroker runs an in-process STOMP-over-WebSocket broker for tests. It mimics the
// chat backend: SEND to /app/chat.sendMessage is stamped and rebroadcast to
// /topic/room/{roomId}; SEND to /app/chat.addUser is rebroadcast as a JOIN.
package stompbroker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

const (
	SendDestination    = "/app/chat.sendMessage"
	AddUserDestination = "/app/chat.addUser"
)

// Sent records a SEND frame received from a client.
type Sent struct {
	Destination string
	Body        []byte
}

// Broker is safe for concurrent use.
type Broker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	clients        map[*client]struct{}
	subscribeCalls map[string]int
	sent           []Sent
	connectHeaders []map[string]string
	rejectConnects int
	now            func() time.Time
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> topic
}

// New starts a broker listening on a loopback address.
func New() *Broker {
	b := &Broker{
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(*http.Request) bool { return true },
			Subprotocols: transport.Subprotocols,
		},
		clients:        make(map[*client]struct{}),
		subscribeCalls: make(map[string]int),
		now:            time.Now,
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serveWS))
	return b
}

// URL returns the ws:// endpoint clients dial.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/websocket"
}

// Close drops every client and stops the listener.
func (b *Broker) Close() {
	b.DropConnections()
	b.server.Close()
}

// RejectConnects makes the next n CONNECT frames fail with an ERROR frame.
func (b *Broker) RejectConnects(n int) {
	b.mu.Lock()
	b.rejectConnects = n
	b.mu.Unlock()
}

// DropConnections closes every client socket without a STOMP goodbye.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	for _, c := range clients {
		_ = c.ws.Close()
	}
}

// ClientCount returns the number of connected clients that completed CONNECT.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// SubscribeCalls returns how many SUBSCRIBE frames named topic since the broker started.
func (b *Broker) SubscribeCalls(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeCalls[topic]
}

// LiveSubscriptions returns the number of active subscriptions to topic across clients.
func (b *Broker) LiveSubscriptions(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for c := range b.clients {
		for _, t := range c.subs {
			if t == topic {
				count++
			}
		}
	}
	return count
}

// Sent returns a copy of every SEND frame received.
func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sent, len(b.sent))
	copy(out, b.sent)
	return out
}

// ConnectHeaders returns the headers of every CONNECT frame received.
func (b *Broker) ConnectHeaders() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]string, len(b.connectHeaders))
	copy(out, b.connectHeaders)
	return out
}

// Publish delivers body as a MESSAGE to every subscriber of topic.
func (b *Broker) Publish(topic string, body []byte) {
	type target struct {
		c     *client
		subID string
	}

	b.mu.Lock()
	var targets []target
	for c := range b.clients {
		for id, t := range c.subs {
			if t == topic {
				targets = append(targets, target{c: c, subID: id})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		f := frame.New(frame.MESSAGE,
			frame.Destination, topic,
			frame.Subscription, t.subID,
			frame.MessageId, uuid.NewString(),
			frame.ContentType, transport.ContentTypeJSON,
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		f.Body = body
		t.c.send(f)
	}
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (c *client) send(f *frame.Frame) {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: make(map[string]string)}
	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := transport.DecodeFrames(raw)
		if err != nil {
			return
		}
		for _, f := range frames {
			if !b.handle(c, f) {
				return
			}
		}
	}
}

func (b *Broker) handle(c *client, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		headers := make(map[string]string, f.Header.Len())
		for i := 0; i < f.Header.Len(); i++ {
			key, value := f.Header.GetAt(i)
			headers[key] = value
		}

		b.mu.Lock()
		b.connectHeaders = append(b.connectHeaders, headers)
		reject := b.rejectConnects > 0
		if reject {
			b.rejectConnects--
		} else {
			b.clients[c] = struct{}{}
		}
		b.mu.Unlock()

		if reject {
			c.send(frame.New(frame.ERROR, frame.Message, "connection rejected"))
			return false
		}
		c.send(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
	case frame.SUBSCRIBE:
		topic := f.Header.Get(frame.Destination)
		b.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = topic
		b.subscribeCalls[topic]++
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		b.mu.Unlock()
	case frame.SEND:
		destination := f.Header.Get(frame.Destination)
		b.mu.Lock()
		b.sent = append(b.sent, Sent{Destination: destination, Body: append([]byte(nil), f.Body...)})
		b.mu.Unlock()
		b.relay(destination, f.Body)
	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			c.send(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
		return false
	}
	return true
}

// relay mirrors the backend message mapping for the two application destinations.
func (b *Broker) relay(destination string, body []byte) {
	var kind chatModel.Kind
	switch destination {
	case SendDestination:
	case AddUserDestination:
		kind = chatModel.KindJoin
	default:
		return
	}

	var in chatModel.Outbound
	if err := json.Unmarshal(body, &in); err != nil || in.RoomID == "" {
		return
	}
	if kind != "" {
		in.Kind = kind
	}

	out, err := json.Marshal(chatModel.Message{
		RoomID:  in.RoomID,
		Sender:  in.Sender,
		Content: in.Content,
		Kind:    in.Kind,
		SentAt:  chatModel.Timestamp{Time: b.now().UTC()},
	})
	if err != nil {
		return
	}
	b.Publish(chatModel.TopicFor(in.RoomID), out)
}
