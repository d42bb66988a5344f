package config

import (
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/garage-chat/backend/internal/service/chat"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CHAT_IDENTITY", "staff@garage.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Chat.Role != "staff" || cfg.Chat.PollInterval != 5*time.Second || cfg.Chat.ReconnectMaxDelay != time.Minute {
		t.Fatalf("unexpected chat defaults %+v", cfg.Chat)
	}
	if cfg.Chat.AnnounceJoin || cfg.Chat.RoomHeader || cfg.Chat.QueueLimit != 1000 {
		t.Fatalf("unexpected chat defaults %+v", cfg.Chat)
	}
	if cfg.Chat.ServerLocation() != time.UTC {
		t.Fatalf("expected UTC server location, got %v", cfg.Chat.ServerLocation())
	}

	session := cfg.Chat.SessionConfig()
	if session.Role != chat.RoleStaff || session.Identity != "staff@garage.com" || session.SendDestination != "/app/chat.sendMessage" {
		t.Fatalf("unexpected session config %+v", session)
	}
	opts := cfg.Chat.TransportOptions()
	if opts.URL != "ws://localhost:8083/ws/websocket" || opts.HandshakeTimeout != 10*time.Second {
		t.Fatalf("unexpected transport options %+v", opts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("CHAT_IDENTITY", " c@x.com ")
	t.Setenv("CHAT_ROLE", "Customer")
	t.Setenv("CHAT_BROKER_URL", "wss://chat.example.com/ws/websocket")
	t.Setenv("CHAT_POLL_INTERVAL", "250ms")
	t.Setenv("CHAT_QUEUE_LIMIT", "0")
	t.Setenv("CHAT_ANNOUNCE_JOIN", "true")
	t.Setenv("CHAT_CONNECT_ROOM_HEADER", "true")
	t.Setenv("CHAT_SERVER_TIMEZONE", "Local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	c := cfg.Chat
	if c.Identity != "c@x.com" || c.Role != "customer" || c.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected overrides %+v", c)
	}
	if c.QueueLimit != 0 || !c.AnnounceJoin || !c.RoomHeader {
		t.Fatalf("unexpected overrides %+v", c)
	}
	if c.ServerLocation() != time.Local {
		t.Fatalf("expected local server location, got %v", c.ServerLocation())
	}
	if session := c.SessionConfig(); !session.RoomHeader || !session.AnnounceJoin {
		t.Fatalf("flags not carried into the session config %+v", session)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"missing identity", "CHAT_IDENTITY", "", "CHAT_IDENTITY"},
		{"bad role", "CHAT_ROLE", "guest", "CHAT_ROLE"},
		{"http broker", "CHAT_BROKER_URL", "http://localhost:8083/ws", "CHAT_BROKER_URL"},
		{"ws directory", "CHAT_DIRECTORY_URL", "ws://localhost:8083/api/chat", "CHAT_DIRECTORY_URL"},
		{"zero poll", "CHAT_POLL_INTERVAL", "0s", "CHAT_POLL_INTERVAL"},
		{"max below initial", "CHAT_RECONNECT_MAX_DELAY", "1s", "CHAT_RECONNECT_MAX_DELAY"},
		{"negative queue", "CHAT_QUEUE_LIMIT", "-1", "CHAT_QUEUE_LIMIT"},
		{"unparsable duration", "CHAT_RECONNECT_DELAY", "soon", "ReconnectDelay"},
		{"spaced port", "PORT", "80 80", "PORT"},
		{"unknown timezone", "CHAT_SERVER_TIMEZONE", "Mars/Olympus_Mons", "CHAT_SERVER_TIMEZONE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CHAT_IDENTITY", "staff@garage.com")
			t.Setenv(tc.key, tc.val)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}

func TestParseChatSkipsValidation(t *testing.T) {
	t.Setenv("CHAT_IDENTITY", "")
	t.Setenv("CHAT_ROLE", "  Customer ")

	cfg, err := ParseChat()
	if err != nil {
		t.Fatalf("ParseChat err: %v", err)
	}
	if cfg.Role != "customer" {
		t.Fatalf("expected normalized role, got %q", cfg.Role)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to require an identity")
	}

	cfg.Identity = "a@x.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err: %v", err)
	}
}
