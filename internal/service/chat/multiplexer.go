package chat

import (
	"log"
	"sort"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

// Subscriber is the part of the transport the multiplexer drives.
type Subscriber interface {
	Subscribe(topic string) (transport.Subscription, error)
	Unsubscribe(sub transport.Subscription) error
}

// Multiplexer keeps the broker subscriptions on the single transport equal to the desired room
// set. It is the only owner of subscription handles. Multiplexer is not safe for concurrent
// use; Session serializes every call under its lock.
type Multiplexer struct {
	conn      Subscriber
	desired   map[string]struct{}
	live      map[string]transport.Subscription
	connected bool
}

// NewMultiplexer creates a multiplexer with an empty desired set.
func NewMultiplexer(conn Subscriber) *Multiplexer {
	return &Multiplexer{
		conn:    conn,
		desired: make(map[string]struct{}),
		live:    make(map[string]transport.Subscription),
	}
}

// Add puts roomID in the desired set and subscribes it when connected. Adding a room twice is a no-op.
func (m *Multiplexer) Add(roomID string) {
	if _, ok := m.desired[roomID]; ok {
		return
	}
	m.desired[roomID] = struct{}{}
	m.reconcile()
}

// Remove drops roomID from the desired set and unsubscribes it when live.
func (m *Multiplexer) Remove(roomID string) {
	if _, ok := m.desired[roomID]; !ok {
		return
	}
	delete(m.desired, roomID)
	m.reconcile()
}

// SetDesired replaces the desired set. Rooms present before and after are left untouched.
func (m *Multiplexer) SetDesired(roomIDs []string) {
	next := make(map[string]struct{}, len(roomIDs))
	for _, id := range roomIDs {
		next[id] = struct{}{}
	}
	m.desired = next
	m.reconcile()
}

// OnConnected forgets every handle from the previous link, which the broker no longer
// remembers, and subscribes the whole desired set.
func (m *Multiplexer) OnConnected() {
	m.connected = true
	m.live = make(map[string]transport.Subscription, len(m.desired))
	m.reconcile()
}

// OnDisconnected invalidates all handles; only the desired set survives.
func (m *Multiplexer) OnDisconnected() {
	m.connected = false
	m.live = make(map[string]transport.Subscription)
}

// Release unsubscribes every live room on a best-effort basis and clears both sets.
func (m *Multiplexer) Release() {
	if m.connected {
		for _, sub := range m.live {
			_ = m.conn.Unsubscribe(sub)
		}
	}
	m.connected = false
	m.live = make(map[string]transport.Subscription)
	m.desired = make(map[string]struct{})
}

// reconcile subscribes additions and unsubscribes removals against the live set.
func (m *Multiplexer) reconcile() {
	if !m.connected {
		return
	}

	for roomID, sub := range m.live {
		if _, ok := m.desired[roomID]; ok {
			continue
		}
		if err := m.conn.Unsubscribe(sub); err != nil {
			log.Printf("[multiplexer] unsubscribe %s: %v", roomID, err)
		}
		delete(m.live, roomID)
	}

	for roomID := range m.desired {
		if _, ok := m.live[roomID]; ok {
			continue
		}
		sub, err := m.conn.Subscribe(chatModel.TopicFor(roomID))
		if err != nil {
			// the failed write tears the link down; the next OnConnected retries the room
			log.Printf("[multiplexer] subscribe %s: %v", roomID, err)
			continue
		}
		m.live[roomID] = sub
	}
}

// Wants reports whether roomID is in the desired set.
func (m *Multiplexer) Wants(roomID string) bool {
	_, ok := m.desired[roomID]
	return ok
}

// IsLive reports whether roomID holds a live subscription.
func (m *Multiplexer) IsLive(roomID string) bool {
	_, ok := m.live[roomID]
	return ok
}

// Live returns the rooms with a live subscription, sorted.
func (m *Multiplexer) Live() []string {
	return sortedKeys(m.live)
}

func sortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
