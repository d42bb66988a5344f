package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/directory"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

// Role decides how a session discovers its rooms.
type Role string

const (
	// RoleCustomer resolves its own room before every connect and follows only that room.
	RoleCustomer Role = "customer"
	// RoleStaff polls the active-room list and follows every active room.
	RoleStaff Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleStaff
}

// Config holds the per-process settings of a session.
type Config struct {
	Identity          string
	Role              Role
	SendDestination   string
	JoinDestination   string
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	QueueLimit        int
	StaleAfter        time.Duration

	// RoomHeader sends a customer's room id as a CONNECT header. The backend marks a room
	// active when it sees the header, so it is off unless asked for.
	RoomHeader bool
	// AnnounceJoin publishes one JOIN per session once a customer's room is subscribed.
	AnnounceJoin bool
}

// DefaultConfig mirrors the backend's reference client: 5s polling and 5s initial reconnect delay.
// Nothing that changes room state on the backend is enabled.
func DefaultConfig(identity string, role Role) Config {
	return Config{
		Identity:          identity,
		Role:              role,
		SendDestination:   "/app/chat.sendMessage",
		JoinDestination:   "/app/chat.addUser",
		PollInterval:      5 * time.Second,
		ReconnectDelay:    5 * time.Second,
		MaxReconnectDelay: time.Minute,
		QueueLimit:        1000,
		StaleAfter:        30 * time.Second,
	}
}

// Directory resolves rooms; see the directory package.
type Directory interface {
	ResolveRoom(ctx context.Context, counterpart string) (chatModel.Room, error)
	ListActiveRooms(ctx context.Context) ([]chatModel.Room, error)
}

// Transport is the single broker connection a session drives.
type Transport interface {
	Subscriber
	Publisher
	Connect(ctx context.Context, header map[string]string) <-chan transport.Event
	Close() error
}

// Session is the chat façade: it owns the connection lifecycle, the room set and the
// per-room message streams. One mutex guards phase, desired/live sets and the outbound queue.
type Session struct {
	cfg    Config
	dir    Directory
	conn   Transport
	router *Router

	mu       sync.Mutex
	phase    chatModel.Phase
	started  bool
	closed   bool
	mux      *Multiplexer
	outbox   *OutboundQueue
	rooms    map[string]chatModel.Room
	active   map[string]chatModel.Room
	selected map[string]struct{}
	ownRoom  string
	joined   bool
	lastErr  string
	stale    bool
	lastOK   time.Time

	states   *fanout[chatModel.ConnectionState]
	roomFeed *fanout[[]chatModel.Room]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSession wires a session over dir and conn. Nothing runs until Start.
func NewSession(cfg Config, dir Directory, conn Transport) (*Session, error) {
	if strings.TrimSpace(cfg.Identity) == "" {
		return nil, errors.New("session identity is required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid session role %q", cfg.Role)
	}
	defaults := DefaultConfig(cfg.Identity, cfg.Role)
	if cfg.SendDestination == "" {
		cfg.SendDestination = defaults.SendDestination
	}
	if cfg.JoinDestination == "" {
		cfg.JoinDestination = defaults.JoinDestination
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}

	return &Session{
		cfg:      cfg,
		dir:      dir,
		conn:     conn,
		router:   NewRouter(),
		phase:    chatModel.PhaseDisconnected,
		mux:      NewMultiplexer(conn),
		outbox:   NewOutboundQueue(conn, cfg.SendDestination, cfg.QueueLimit),
		rooms:    make(map[string]chatModel.Room),
		active:   make(map[string]chatModel.Room),
		selected: make(map[string]struct{}),
		states:   newFanout[chatModel.ConnectionState](),
		roomFeed: newFanout[[]chatModel.Room](),
	}, nil
}

// Start moves the session from Disconnected to Connecting and launches the connection loop
// and, for staff, the directory poll loop. Start returns immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case s.started:
		return nil
	}
	s.started = true
	s.lastOK = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group

	s.setPhaseLocked(chatModel.PhaseConnecting)

	group.Go(func() error { return s.run(groupCtx) })
	if s.cfg.Role == RoleStaff {
		group.Go(func() error { return s.pollLoop(groupCtx) })
	}
	log.Printf("[session] started %s session for %s", s.cfg.Role, s.cfg.Identity)
	return nil
}

// Close stops polling, tears down the transport, releases every subscription and ends all
// streams. No goroutine started by the session outlives Close. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	// unsubscribe while the link may still be up; nothing re-adds rooms once closed is set
	s.mux.Release()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.conn.Close()
	if group != nil {
		_ = group.Wait()
	}

	s.mu.Lock()
	if dropped := s.outbox.Drop(); dropped > 0 {
		log.Printf("[session] discarded %d unsent messages on close", dropped)
	}
	s.setPhaseLocked(chatModel.PhaseDisconnected)
	s.mu.Unlock()

	s.states.close()
	s.roomFeed.close()
	s.router.Close()
	log.Printf("[session] closed %s session for %s", s.cfg.Role, s.cfg.Identity)
	return err
}

// run is the coordinating loop that owns the link. Every attempt starts from a fresh
// handshake; a failed attempt, including a failed room lookup, waits out the backoff.
func (s *Session) run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectDelay
	policy.MaxInterval = s.cfg.MaxReconnectDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.Reset()

	for {
		header, err := s.prepare(ctx)
		switch {
		case errors.Is(err, ErrSessionClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.onResolveFailed(err)
		default:
			s.connect(ctx, header, policy)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := policy.NextBackOff()
		log.Printf("[session] reconnecting in %s", delay.Round(time.Millisecond))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.mu.Lock()
		s.setPhaseLocked(chatModel.PhaseConnecting)
		s.mu.Unlock()
	}
}

// connect drives one link until it ends.
func (s *Session) connect(ctx context.Context, header map[string]string, policy *backoff.ExponentialBackOff) {
	for ev := range s.conn.Connect(ctx, header) {
		switch ev.Kind {
		case transport.EventConnected:
			policy.Reset()
			s.onConnected()
		case transport.EventFrame:
			if err := s.router.OnFrame(ev.Topic, ev.Body); err != nil {
				s.mu.Lock()
				s.publishStateLocked()
				s.mu.Unlock()
			}
		case transport.EventError, transport.EventClosed:
			s.onLinkDown(ev.Err)
		}
	}
}

// prepare resolves what the CONNECT frame needs. A customer looks its room up again before
// every attempt, since the backend may have replaced it while the link was down.
func (s *Session) prepare(ctx context.Context) (map[string]string, error) {
	if s.cfg.Role != RoleCustomer {
		return nil, nil
	}

	room, err := s.dir.ResolveRoom(ctx, s.cfg.Identity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.noteDirectoryOKLocked()
	if s.ownRoom != room.RoomID {
		if s.ownRoom != "" {
			log.Printf("[session] room for %s moved from %s to %s", s.cfg.Identity, s.ownRoom, room.RoomID)
			delete(s.selected, s.ownRoom)
			delete(s.rooms, s.ownRoom)
			s.mux.Remove(s.ownRoom)
		} else {
			log.Printf("[session] resolved room %s for %s", room.RoomID, s.cfg.Identity)
		}
		s.ownRoom = room.RoomID
		s.joined = false
	}
	s.selected[room.RoomID] = struct{}{}
	s.mux.Add(room.RoomID)
	if known, ok := s.rooms[room.RoomID]; !ok || known != room {
		s.rooms[room.RoomID] = room
		s.publishRoomsLocked()
	}

	if !s.cfg.RoomHeader {
		return nil, nil
	}
	return map[string]string{transport.HeaderRoomID: room.RoomID}, nil
}

func (s *Session) onResolveFailed(err error) {
	s.noteDirectoryFailure(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastErr = err.Error()
	s.setPhaseLocked(chatModel.PhaseReconnecting)
}

func (s *Session) onConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.lastErr = ""
	s.phase = chatModel.PhaseConnected
	s.mux.OnConnected()
	s.flushLocked()
	s.announceLocked()
	s.publishStateLocked()
	log.Printf("[session] connected, subscribed to %d rooms", len(s.mux.Live()))
}

func (s *Session) onLinkDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if err != nil {
		s.lastErr = err.Error()
		log.Printf("[session] link down: %v", err)
	}
	s.mux.OnDisconnected()
	s.setPhaseLocked(chatModel.PhaseReconnecting)
}

// readyLocked reports whether queued messages for roomID may be published now. A followed
// room waits for its subscription; a room nobody follows any more only needs a live link.
func (s *Session) readyLocked(roomID string) bool {
	if s.phase != chatModel.PhaseConnected {
		return false
	}
	return s.mux.IsLive(roomID) || !s.mux.Wants(roomID)
}

func (s *Session) flushLocked() {
	if flushed := s.outbox.Flush(s.readyLocked); flushed > 0 {
		log.Printf("[session] flushed %d queued messages", flushed)
	}
}

// announceLocked publishes the customer's JOIN, at most once per session and room.
func (s *Session) announceLocked() {
	if s.cfg.Role != RoleCustomer || !s.cfg.AnnounceJoin || s.joined || !s.mux.IsLive(s.ownRoom) {
		return
	}
	payload, err := json.Marshal(chatModel.Outbound{
		RoomID: s.ownRoom,
		Sender: s.cfg.Identity,
		Kind:   chatModel.KindJoin,
	})
	if err != nil {
		return
	}
	if err := s.conn.Publish(s.cfg.JoinDestination, payload); err != nil {
		log.Printf("[session] join announce for %s failed: %v", s.ownRoom, err)
		return
	}
	s.joined = true
}

// pollLoop refreshes the active-room list every poll interval.
func (s *Session) pollLoop(ctx context.Context) error {
	s.refreshRooms(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshRooms(ctx)
		}
	}
}

// refreshRooms applies one directory listing. A failed listing keeps every subscription.
func (s *Session) refreshRooms(ctx context.Context) {
	listed, err := s.dir.ListActiveRooms(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.noteDirectoryFailure(err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.noteDirectoryOKLocked()

	prev := make([]chatModel.Room, 0, len(s.active))
	for _, room := range s.active {
		prev = append(prev, room)
	}
	added, removed := directory.Diff(prev, listed)
	changed := len(added) > 0 || len(removed) > 0

	next := make(map[string]chatModel.Room, len(listed))
	for _, room := range listed {
		next[room.RoomID] = room
		if known, ok := s.rooms[room.RoomID]; !ok || known != room {
			s.rooms[room.RoomID] = room
			changed = true
		}
	}
	for _, room := range removed {
		if _, keep := s.selected[room.RoomID]; !keep {
			delete(s.rooms, room.RoomID)
		}
	}
	s.active = next

	if !changed {
		return
	}
	if len(added) > 0 || len(removed) > 0 {
		log.Printf("[session] active rooms: %d added, %d removed", len(added), len(removed))
	}
	s.mux.SetDesired(s.desiredLocked())
	s.flushLocked()
	s.publishRoomsLocked()
	s.publishStateLocked()
}

// desiredLocked is every active room plus every selected one.
func (s *Session) desiredLocked() []string {
	desired := make([]string, 0, len(s.active)+len(s.selected))
	for roomID := range s.active {
		desired = append(desired, roomID)
	}
	for roomID := range s.selected {
		if _, ok := s.active[roomID]; !ok {
			desired = append(desired, roomID)
		}
	}
	return desired
}

func (s *Session) noteDirectoryFailure(err error) {
	log.Printf("[directory] %v", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stale || s.cfg.StaleAfter <= 0 {
		return
	}
	if time.Since(s.lastOK) >= s.cfg.StaleAfter {
		s.stale = true
		log.Printf("[session] room list stale since %s", s.lastOK.Format(time.RFC3339))
		s.publishStateLocked()
	}
}

func (s *Session) noteDirectoryOKLocked() {
	s.lastOK = time.Now()
	if s.stale {
		s.stale = false
		s.publishStateLocked()
	}
}

// SelectRoom adds roomID to the desired set; the room is subscribed once connected.
func (s *Session) SelectRoom(roomID string) error {
	if roomID == "" {
		return ErrRoomRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.selectLocked(roomID)
	return nil
}

func (s *Session) selectLocked(roomID string) {
	s.selected[roomID] = struct{}{}
	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = chatModel.Room{RoomID: roomID}
		s.publishRoomsLocked()
	}
	if s.mux.Wants(roomID) {
		return
	}
	s.mux.Add(roomID)
	s.flushLocked()
	s.publishStateLocked()
}

// DeselectRoom removes an explicit selection. Rooms still listed as active, and a customer's
// own room, stay subscribed.
func (s *Session) DeselectRoom(roomID string) error {
	if roomID == "" {
		return ErrRoomRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.selected[roomID]; !ok || roomID == s.ownRoom {
		return nil
	}
	delete(s.selected, roomID)
	if _, ok := s.active[roomID]; ok {
		return nil
	}
	s.mux.Remove(roomID)
	delete(s.rooms, roomID)
	s.flushLocked()
	s.publishRoomsLocked()
	s.publishStateLocked()
	return nil
}

// Send hands text for roomID to the outbound queue. It never waits for the broker: while the
// room is not subscribed on a live link the message is queued and flushed later, in order.
// Sending to a room not yet followed selects it. A room that stops being followed while it
// still has queued messages is flushed on the next live link regardless.
func (s *Session) Send(roomID, text string) error {
	if roomID == "" {
		return ErrRoomRequired
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	payload, err := json.Marshal(chatModel.Outbound{
		RoomID:  roomID,
		Sender:  s.cfg.Identity,
		Content: text,
		Kind:    chatModel.KindChat,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.mux.Wants(roomID) {
		s.selectLocked(roomID)
	}

	env := Envelope{TargetRoom: roomID, Payload: payload, EnqueuedAt: time.Now()}
	return s.outbox.Send(env, s.readyLocked(roomID))
}

// MessagesOf returns the messages arriving for roomID from now on. No backlog is replayed.
func (s *Session) MessagesOf(roomID string) *Stream[chatModel.Message] {
	return s.router.Subscribe(roomID)
}

// ObserveRooms returns a stream of room lists, starting with the current one.
func (s *Session) ObserveRooms() *Stream[[]chatModel.Room] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomFeed.subscribe(s.roomsLocked())
}

// ObserveState returns a stream of connection states, starting with the current one.
func (s *Session) ObserveState() *Stream[chatModel.ConnectionState] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states.subscribe(s.stateLocked())
}

// State returns the current connection state.
func (s *Session) State() chatModel.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Rooms returns the known rooms ordered by room id.
func (s *Session) Rooms() []chatModel.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomsLocked()
}

// Selected reports whether roomID is explicitly selected.
func (s *Session) Selected(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.selected[roomID]
	return ok
}

// Pending returns the number of queued outbound messages for roomID.
func (s *Session) Pending(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox.Pending(roomID)
}

// Identity returns the sender identity used for outbound messages.
func (s *Session) Identity() string {
	return s.cfg.Identity
}

func (s *Session) setPhaseLocked(phase chatModel.Phase) {
	s.phase = phase
	s.publishStateLocked()
}

func (s *Session) stateLocked() chatModel.ConnectionState {
	delivered, malformed := s.router.Stats()
	return chatModel.ConnectionState{
		Phase:          s.phase,
		Subscribed:     s.mux.Live(),
		DirectoryStale: s.stale,
		LastError:      s.lastErr,
		Delivered:      delivered,
		Malformed:      malformed,
	}
}

func (s *Session) publishStateLocked() {
	s.states.publish(s.stateLocked())
}

func (s *Session) roomsLocked() []chatModel.Room {
	rooms := make([]chatModel.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms
}

func (s *Session) publishRoomsLocked() {
	s.roomFeed.publish(s.roomsLocked())
}
