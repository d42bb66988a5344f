package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/garage-chat/backend/internal/config"
	"github.com/zhouzirui/garage-chat/backend/internal/handler"
	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/chat"
	"github.com/zhouzirui/garage-chat/backend/internal/service/directory"
	"github.com/zhouzirui/garage-chat/backend/internal/service/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	chatModel.SetServerLocation(cfg.Chat.ServerLocation())

	dir := directory.New(cfg.Chat.DirectoryURL, nil)
	conn := transport.New(cfg.Chat.TransportOptions())

	session, err := chat.NewSession(cfg.Chat.SessionConfig(), dir, conn)
	if err != nil {
		log.Fatalf("failed to create chat session: %v", err)
	}
	if err := session.Start(ctx); err != nil {
		log.Fatalf("failed to start chat session: %v", err)
	}
	log.Printf("chat session for %s (%s) connecting to %s", cfg.Chat.Identity, cfg.Chat.Role, cfg.Chat.BrokerURL)

	router := handler.NewRouter(session)

	startServer(ctx, cfg.Server, router)

	if err := session.Close(); err != nil {
		log.Printf("warning: closing chat session: %v", err)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Garage chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
