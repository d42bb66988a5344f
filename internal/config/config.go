package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/zhouzirui/garage-chat/backend/internal/service/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Chat   ChatConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	chatCfg, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Chat: chatCfg}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parse server env: %w", err)
	}

	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

// ChatConfig 描述聊天会话、消息代理与房间目录的配置。
type ChatConfig struct {
	Identity string `env:"CHAT_IDENTITY"`
	Role     string `env:"CHAT_ROLE" envDefault:"staff"`

	BrokerURL      string `env:"CHAT_BROKER_URL" envDefault:"ws://localhost:8083/ws/websocket"`
	BrokerHost     string `env:"CHAT_BROKER_HOST"`
	BrokerLogin    string `env:"CHAT_BROKER_LOGIN"`
	BrokerPasscode string `env:"CHAT_BROKER_PASSCODE"`
	DirectoryURL   string `env:"CHAT_DIRECTORY_URL" envDefault:"http://localhost:8083/api/chat"`

	PollInterval      time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"5s"`
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"5s"`
	ReconnectMaxDelay time.Duration `env:"CHAT_RECONNECT_MAX_DELAY" envDefault:"1m"`
	HandshakeTimeout  time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"10s"`
	PingInterval      time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`
	StaleAfter        time.Duration `env:"CHAT_DIRECTORY_STALE_AFTER" envDefault:"30s"`

	// QueueLimit 为单个房间离线待发消息的上限，0 表示不限制。
	QueueLimit int `env:"CHAT_QUEUE_LIMIT" envDefault:"1000"`

	// RoomHeader 与 AnnounceJoin 会让后端把客户房间标记为活跃，默认关闭。
	RoomHeader   bool `env:"CHAT_CONNECT_ROOM_HEADER" envDefault:"false"`
	AnnounceJoin bool `env:"CHAT_ANNOUNCE_JOIN" envDefault:"false"`

	// ServerTimezone 为后端写入无时区时间戳所用的时区。
	ServerTimezone string `env:"CHAT_SERVER_TIMEZONE" envDefault:"UTC"`
}

func loadChatConfig() (ChatConfig, error) {
	cfg, err := ParseChat()
	if err != nil {
		return ChatConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

// ParseChat 只解析聊天相关的环境变量，不做校验，便于命令行工具再用参数覆盖。
func ParseChat() (ChatConfig, error) {
	var cfg ChatConfig
	if err := env.Parse(&cfg); err != nil {
		return ChatConfig{}, fmt.Errorf("parse chat env: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize 去除首尾空白并统一角色大小写。
func (c *ChatConfig) Normalize() {
	c.Identity = strings.TrimSpace(c.Identity)
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	c.BrokerURL = strings.TrimSpace(c.BrokerURL)
	c.DirectoryURL = strings.TrimSpace(c.DirectoryURL)
	c.ServerTimezone = strings.TrimSpace(c.ServerTimezone)
}

// Validate 检查会话所需的最小配置。
func (c ChatConfig) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("CHAT_IDENTITY is required")
	}
	if !chat.Role(c.Role).Valid() {
		return fmt.Errorf("invalid CHAT_ROLE value %q: want customer or staff", c.Role)
	}
	if err := checkURL("CHAT_BROKER_URL", c.BrokerURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("CHAT_DIRECTORY_URL", c.DirectoryURL, "http", "https"); err != nil {
		return err
	}

	for key, value := range map[string]time.Duration{
		"CHAT_POLL_INTERVAL":     c.PollInterval,
		"CHAT_RECONNECT_DELAY":   c.ReconnectDelay,
		"CHAT_HANDSHAKE_TIMEOUT": c.HandshakeTimeout,
		"CHAT_WRITE_TIMEOUT":     c.WriteTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("invalid %s value %q: must be positive", key, value)
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("invalid CHAT_RECONNECT_MAX_DELAY value %q: below CHAT_RECONNECT_DELAY", c.ReconnectMaxDelay)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("invalid CHAT_QUEUE_LIMIT value %d: must not be negative", c.QueueLimit)
	}
	if _, err := time.LoadLocation(c.ServerTimezone); err != nil {
		return fmt.Errorf("invalid CHAT_SERVER_TIMEZONE value %q: %w", c.ServerTimezone, err)
	}
	return nil
}

// ServerLocation 返回后端时间戳所在时区，无法解析时退回 UTC。
func (c ChatConfig) ServerLocation() *time.Location {
	loc, err := time.LoadLocation(c.ServerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func checkURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s value %q: want %s URL", key, raw, strings.Join(schemes, "/"))
}

// SessionConfig 转换为聊天会话配置。
func (c ChatConfig) SessionConfig() chat.Config {
	cfg := chat.DefaultConfig(c.Identity, chat.Role(c.Role))
	cfg.PollInterval = c.PollInterval
	cfg.ReconnectDelay = c.ReconnectDelay
	cfg.MaxReconnectDelay = c.ReconnectMaxDelay
	cfg.QueueLimit = c.QueueLimit
	cfg.StaleAfter = c.StaleAfter
	cfg.RoomHeader = c.RoomHeader
	cfg.AnnounceJoin = c.AnnounceJoin
	return cfg
}

// TransportOptions 转换为 STOMP 连接参数。
func (c ChatConfig) TransportOptions() transport.Options {
	opts := transport.DefaultOptions(c.BrokerURL)
	opts.Host = c.BrokerHost
	opts.Login = c.BrokerLogin
	opts.Passcode = c.BrokerPasscode
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.WriteTimeout = c.WriteTimeout
	opts.PingInterval = c.PingInterval
	return opts
}
