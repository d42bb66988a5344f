// chatprobe 是一个命令行聊天客户端，用于手动验证消息代理与房间目录：
// 打印房间内的新消息，并把标准输入的每一行作为消息发送。
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/zhouzirui/garage-chat/backend/internal/config"
	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/directory"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseChat()
	if err != nil {
		return err
	}
	var roomID string
	var duration time.Duration

	flagSet := pflag.NewFlagSet("chatprobe", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Identity, "identity", "i", cfg.Identity, "sender identity (customer email or staff account)")
	flagSet.StringVar(&cfg.Role, "role", cfg.Role, "session role: customer or staff")
	flagSet.StringVar(&cfg.BrokerURL, "broker", cfg.BrokerURL, "STOMP websocket endpoint")
	flagSet.StringVar(&cfg.DirectoryURL, "directory", cfg.DirectoryURL, "chat REST base URL")
	flagSet.StringVarP(&roomID, "room", "r", "", "room to follow (customers default to their own room)")
	flagSet.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "active room poll interval")
	flagSet.DurationVar(&cfg.ReconnectDelay, "reconnect", cfg.ReconnectDelay, "initial reconnect delay")
	flagSet.BoolVar(&cfg.AnnounceJoin, "announce", cfg.AnnounceJoin, "send one JOIN once a customer room is subscribed")
	flagSet.BoolVar(&cfg.RoomHeader, "room-header", cfg.RoomHeader, "send the customer room id on CONNECT (the backend marks the room active)")
	flagSet.StringVar(&cfg.ServerTimezone, "timezone", cfg.ServerTimezone, "zone the backend writes zone-less timestamps in")
	flagSet.DurationVar(&duration, "duration", 0, "exit after this long (0 runs until interrupted)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg.Normalize()
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectDelay
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	chatModel.SetServerLocation(cfg.ServerLocation())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	session, err := chat.NewSession(cfg.SessionConfig(), directory.New(cfg.DirectoryURL, nil), transport.New(cfg.TransportOptions()))
	if err != nil {
		return err
	}
	defer session.Close()

	go printStates(ctx, session)
	if err := session.Start(ctx); err != nil {
		return err
	}

	if roomID == "" {
		roomID, err = pickRoom(ctx, session)
		if err != nil {
			return err
		}
	}
	if err := session.SelectRoom(roomID); err != nil {
		return err
	}
	log.Printf("[probe] following room %s as %s", roomID, cfg.Identity)

	messages := session.MessagesOf(roomID)
	go func() {
		for msg := range messages.All(ctx) {
			stamp := msg.SentAt.Local().Format(time.TimeOnly)
			if msg.SentAt.IsZero() {
				stamp = "--:--:--"
			}
			fmt.Printf("%s [%s] %s: %s\n", stamp, msg.Kind, msg.Sender, msg.Content)
		}
	}()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep listening until interrupted
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := session.Send(roomID, line); err != nil {
				log.Printf("[probe] send failed: %v", err)
			} else if pending := session.Pending(roomID); pending > 0 {
				log.Printf("[probe] queued, %d message(s) waiting for the broker", pending)
			}
		}
	}
}

// pickRoom 等待客户的专属房间解析完成；客服则取第一个活跃房间
func pickRoom(ctx context.Context, session *chat.Session) (string, error) {
	rooms := session.ObserveRooms()
	defer rooms.Close()

	for list := range rooms.All(ctx) {
		if len(list) > 0 {
			return list[0].RoomID, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", fmt.Errorf("no room available")
}

func printStates(ctx context.Context, session *chat.Session) {
	states := session.ObserveState()
	defer states.Close()

	last := chatModel.ConnectionState{}
	for st := range states.All(ctx) {
		if st.Phase == last.Phase && st.DirectoryStale == last.DirectoryStale && len(st.Subscribed) == len(last.Subscribed) {
			continue
		}
		line := fmt.Sprintf("[probe] %s, %d room(s)", st.Phase, len(st.Subscribed))
		if st.DirectoryStale {
			line += ", room list stale"
		}
		if st.LastError != "" {
			line += ", last error: " + st.LastError
		}
		log.Print(line)
		last = st
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
