package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
)

var (
	ErrDirectoryUnavailable = errors.New("room directory unavailable")
	ErrRoomNotFound         = errors.New("room not found")
)

// Client resolves rooms through the backend's read-only discovery endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a directory client rooted at baseURL, e.g. http://localhost:8083/api/chat.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// roomPayload accepts both the backend's customerEmail field and the generic counterpartIdentity.
type roomPayload struct {
	RoomID              string `json:"roomId"`
	CustomerEmail       string `json:"customerEmail"`
	CounterpartIdentity string `json:"counterpartIdentity"`
}

func (p roomPayload) room() chatModel.Room {
	counterpart := p.CustomerEmail
	if counterpart == "" {
		counterpart = p.CounterpartIdentity
	}
	return chatModel.Room{RoomID: p.RoomID, Counterpart: counterpart}
}

// ResolveRoom looks up the room belonging to counterpart.
func (c *Client) ResolveRoom(ctx context.Context, counterpart string) (chatModel.Room, error) {
	if strings.TrimSpace(counterpart) == "" {
		return chatModel.Room{}, fmt.Errorf("%w: empty counterpart", ErrRoomNotFound)
	}

	var payload roomPayload
	if err := c.get(ctx, "/room/"+url.PathEscape(counterpart), &payload); err != nil {
		return chatModel.Room{}, err
	}
	if payload.RoomID == "" {
		return chatModel.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, counterpart)
	}

	room := payload.room()
	if room.Counterpart == "" {
		room.Counterpart = counterpart
	}
	return room, nil
}

// ListActiveRooms returns the rooms staff should currently follow, ordered by room id.
func (c *Client) ListActiveRooms(ctx context.Context) ([]chatModel.Room, error) {
	var payload []roomPayload
	if err := c.get(ctx, "/rooms/active", &payload); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(payload))
	rooms := make([]chatModel.Room, 0, len(payload))
	for _, p := range payload {
		if p.RoomID == "" {
			continue
		}
		if _, dup := seen[p.RoomID]; dup {
			continue
		}
		seen[p.RoomID] = struct{}{}
		rooms = append(rooms, p.room())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms, nil
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrRoomNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s returned %d: %s", ErrDirectoryUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrDirectoryUnavailable, path, err)
	}
	return nil
}

// Diff compares two room listings by room id.
func Diff(prev, next []chatModel.Room) (added, removed []chatModel.Room) {
	before := make(map[string]struct{}, len(prev))
	for _, room := range prev {
		before[room.RoomID] = struct{}{}
	}
	after := make(map[string]struct{}, len(next))
	for _, room := range next {
		after[room.RoomID] = struct{}{}
		if _, ok := before[room.RoomID]; !ok {
			added = append(added, room)
		}
	}
	for _, room := range prev {
		if _, ok := after[room.RoomID]; !ok {
			removed = append(removed, room)
		}
	}
	return added, removed
}
