package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrHandshakeFailed  = errors.New("stomp handshake failed")
	ErrUnexpectedClose  = errors.New("connection closed unexpectedly")
	ErrConnectionClosed = errors.New("transport closed")
)

const eventBuffer = 64

// EventKind 连接事件类型
type EventKind int

const (
	// EventConnected 握手成功
	EventConnected EventKind = iota + 1
	// EventError 握手失败，Err 描述原因
	EventError
	// EventClosed 连接断开，主动 Close 时 Err 为 nil
	EventClosed
	// EventFrame 收到订阅主题上的 MESSAGE 帧
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventFrame:
		return "frame"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event 是 Connect 返回的事件流中的一个元素
type Event struct {
	Kind  EventKind
	Err   error
	Topic string
	Body  []byte
}

// Subscription 代表一个代理端订阅句柄
type Subscription struct {
	ID    string
	Topic string
}

// Options 连接配置选项
type Options struct {
	URL              string        // WebSocket 端点，例如 ws://localhost:8083/ws/websocket
	Host             string        // CONNECT 帧的 host 头
	Login            string        // 可选的代理登录名
	Passcode         string        // 可选的代理口令
	HandshakeTimeout time.Duration // 拨号加 CONNECT/CONNECTED 握手的总超时
	WriteTimeout     time.Duration // 单次写入超时
	PingInterval     time.Duration // WebSocket Ping 间隔，0 表示关闭
	ReadTimeout      time.Duration // 无任何入站数据时的读取超时，0 表示不限制
}

// DefaultOptions 默认连接选项
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      0,
	}
}

// Conn owns exactly one STOMP-over-WebSocket link to the broker. Connect may be called again
// after the previous link ended; every call performs a fresh handshake. Conn never queues:
// Subscribe and Publish fail with ErrNotConnected unless a handshake has completed.
type Conn struct {
	opts   Options
	dialer *websocket.Dialer

	mu     sync.Mutex
	link   *link
	closed bool
}

type link struct {
	cancel  context.CancelFunc
	ws      *websocket.Conn
	ready   bool
	writeMu sync.Mutex
}

// New 创建连接，不会立即拨号
func New(opts Options) *Conn {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Conn{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     Subprotocols,
		},
	}
}

// Connect starts a handshake in the background and returns its event stream. The stream
// yields EventConnected followed by EventFrame values and ends with EventClosed, or ends with
// a single EventError when the handshake fails. The channel is closed after the final event.
// header is added to the CONNECT frame.
func (c *Conn) Connect(ctx context.Context, header map[string]string) <-chan Event {
	events := make(chan Event, eventBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		events <- Event{Kind: EventError, Err: ErrConnectionClosed}
		close(events)
		return events
	}
	previous := c.link
	linkCtx, cancel := context.WithCancel(ctx)
	l := &link{cancel: cancel}
	c.link = l
	c.mu.Unlock()

	if previous != nil {
		c.teardown(previous)
	}

	go c.run(linkCtx, l, header, events)
	return events
}

func (c *Conn) run(ctx context.Context, l *link, header map[string]string, events chan<- Event) {
	defer close(events)
	defer l.cancel()

	ws, err := c.handshake(ctx, header)
	if err != nil {
		c.detach(l)
		events <- Event{Kind: EventError, Err: err}
		return
	}

	c.mu.Lock()
	if c.link != l || c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		events <- Event{Kind: EventError, Err: ErrConnectionClosed}
		return
	}
	l.ws = ws
	l.ready = true
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	log.Printf("[transport] connected to %s", c.opts.URL)
	events <- Event{Kind: EventConnected}

	if c.opts.PingInterval > 0 {
		go c.pingLoop(ctx, ws)
	}

	readErr := c.readLoop(ws, events)
	explicit := c.detach(l) || ctx.Err() != nil
	_ = ws.Close()

	if explicit {
		events <- Event{Kind: EventClosed}
		return
	}
	log.Printf("[transport] connection lost: %v", readErr)
	events <- Event{Kind: EventClosed, Err: fmt.Errorf("%w: %v", ErrUnexpectedClose, readErr)}
}

// handshake 建立 WebSocket 连接并完成 STOMP CONNECT/CONNECTED 交换
func (c *Conn) handshake(ctx context.Context, header map[string]string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrHandshakeFailed, c.opts.URL, err)
	}

	stop := context.AfterFunc(dialCtx, func() { _ = ws.Close() })
	defer stop()

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	data, err := EncodeFrame(connectFrame(c.opts, header))
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: write CONNECT: %v", ErrHandshakeFailed, err)
	}

	_ = ws.SetReadDeadline(deadline)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("%w: read CONNECTED: %v", ErrHandshakeFailed, err)
		}
		frames, err := DecodeFrames(raw)
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if len(frames) == 0 {
			continue
		}

		switch f := frames[0]; f.Command {
		case frame.CONNECTED:
			_ = ws.SetWriteDeadline(time.Time{})
			c.extendReadDeadline(ws)
			if c.opts.ReadTimeout > 0 {
				ws.SetPongHandler(func(string) error {
					c.extendReadDeadline(ws)
					return nil
				})
			}
			return ws, nil
		case frame.ERROR:
			_ = ws.Close()
			return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, errorReason(f))
		default:
			_ = ws.Close()
			return nil, fmt.Errorf("%w: unexpected %s frame", ErrHandshakeFailed, f.Command)
		}
	}
}

func (c *Conn) extendReadDeadline(ws *websocket.Conn) {
	if c.opts.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return
	}
	_ = ws.SetReadDeadline(time.Time{})
}

// readLoop 读取入站帧直到连接出错
func (c *Conn) readLoop(ws *websocket.Conn, events chan<- Event) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.extendReadDeadline(ws)

		frames, err := DecodeFrames(raw)
		if err != nil {
			// 单条消息损坏不影响连接，其余帧照常处理
			log.Printf("[transport] dropping undecodable frame: %v", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				events <- Event{Kind: EventFrame, Topic: f.Header.Get(frame.Destination), Body: f.Body}
			case frame.ERROR:
				return fmt.Errorf("broker error: %s", errorReason(f))
			case frame.RECEIPT:
			default:
				log.Printf("[transport] ignoring %s frame", f.Command)
			}
		}
	}
}

// pingLoop 定期发送 ping 消息
func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

// detach clears l as the current link and reports whether it ended because of Close.
func (c *Conn) detach(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.ready = false
	if c.link == l {
		c.link = nil
	}
	return c.closed
}

// current returns the link that may be written to.
func (c *Conn) current() (*link, *websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.link == nil || !c.link.ready {
		return nil, nil, ErrNotConnected
	}
	return c.link, c.link.ws, nil
}

// Connected reports whether a completed handshake is currently live.
func (c *Conn) Connected() bool {
	_, _, err := c.current()
	return err == nil
}

func (c *Conn) write(l *link, ws *websocket.Conn, f *frame.Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// 写失败说明连接已不可用，关闭后由读循环上报 EventClosed
		_ = ws.Close()
		return fmt.Errorf("%w: write %s: %v", ErrNotConnected, f.Command, err)
	}
	return nil
}

// Subscribe issues a SUBSCRIBE for topic on the live link.
func (c *Conn) Subscribe(topic string) (Subscription, error) {
	l, ws, err := c.current()
	if err != nil {
		return Subscription{}, err
	}

	sub := Subscription{ID: "sub-" + uuid.NewString(), Topic: topic}
	f := frame.New(frame.SUBSCRIBE,
		frame.Id, sub.ID,
		frame.Destination, topic,
		frame.Ack, "auto",
	)
	if err := c.write(l, ws, f); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Unsubscribe releases a subscription handle on the live link.
func (c *Conn) Unsubscribe(sub Subscription) error {
	l, ws, err := c.current()
	if err != nil {
		return err
	}
	return c.write(l, ws, frame.New(frame.UNSUBSCRIBE, frame.Id, sub.ID))
}

// Publish sends body to destination on the live link.
func (c *Conn) Publish(destination string, body []byte) error {
	l, ws, err := c.current()
	if err != nil {
		return err
	}
	return c.write(l, ws, sendFrame(destination, body))
}

// Close ends the current link, if any, and disables further Connect calls. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l != nil {
		c.teardown(l)
	}
	return nil
}

// teardown 尽力发送 DISCONNECT 后关闭底层连接
func (c *Conn) teardown(l *link) {
	c.mu.Lock()
	ws, ready := l.ws, l.ready
	l.ready = false
	c.mu.Unlock()

	if ready && ws != nil {
		if data, err := EncodeFrame(frame.New(frame.DISCONNECT, frame.Receipt, "disconnect-"+uuid.NewString())); err == nil {
			l.writeMu.Lock()
			_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			_ = ws.WriteMessage(websocket.TextMessage, data)
			l.writeMu.Unlock()
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(c.opts.WriteTimeout))
	}
	l.cancel()
	if ws != nil {
		_ = ws.Close()
	}
}
