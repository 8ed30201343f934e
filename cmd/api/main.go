package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/hub"
)

const echoDelay = 80 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Logging, false)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	chatService := chat.NewService()

	var streamer ai.Streamer = ai.Echo{Delay: echoDelay}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, falling back to echo - 请检查 Ark 模型相关环境变量")
		} else {
			streamer = aiService
			log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized successfully")
		}
	} else {
		log.Info().Msg("Ark 凭证未配置，AI 回复使用 echo 模式")
	}

	connections := hub.New()
	streamHandler := stream.New(streamer, chatService, connections)
	defer connections.CloseAll()
	defer streamHandler.Close()

	for _, u := range chat.SeedUsers() {
		log.Info().Int64("user_id", u.ID).Str("username", u.Username).Str("token", u.Token).Msg("seeded user")
	}

	router := handler.NewRouter(chatService, streamHandler, connections)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Error().Err(err).Msg("server error")
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
