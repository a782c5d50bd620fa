// Command server is the process entrypoint: it wires every internal package
// into a running HTTP+WebSocket server and drains it on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/koopa0/maidchat/internal/chat"
	"github.com/koopa0/maidchat/internal/config"
	"github.com/koopa0/maidchat/internal/connkey"
	"github.com/koopa0/maidchat/internal/db"
	"github.com/koopa0/maidchat/internal/httpapi"
	"github.com/koopa0/maidchat/internal/llm"
	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/memory"
	"github.com/koopa0/maidchat/internal/observability"
	"github.com/koopa0/maidchat/internal/queue"
	"github.com/koopa0/maidchat/internal/session"
	"github.com/koopa0/maidchat/internal/store"
	"github.com/koopa0/maidchat/internal/wsrt"
)

// maidID is the single maid this deployment serves chat turns for. The
// configuration surface names one chat model, not a roster, so one
// registration is all NewRegistry needs.
const maidID = "companion"

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 0 // streaming responses hold the connection open indefinitely
	idleTimeout       = 2 * time.Minute
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	logger := log.New(log.Config{Level: parseSlogLevel(cfg.LogLevel), JSON: cfg.LogFormat == "json"})
	logger.Info("configuration loaded", "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		zlog.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	st := store.New(pool, logger)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	shutdownTracing, err := observability.Setup(ctx, "maidchat", cfg.TracingEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return errors.New("initializing genkit with googleai provider")
	}
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	gw := llm.New(g, embedder, cfg.ChatModel, logger)

	sessions := session.New(st, logger)

	extractionQueue := queue.New(redisClient, queue.Config{
		DebounceDelay: cfg.MemoryQueueDebounceDelay,
		Attempts:      cfg.MemoryQueueAttempts,
		PollInterval:  queue.DefaultConfig().PollInterval,
	}, logger)

	memories := memory.NewService(st, gw, extractionQueue, logger)

	pipelineCfg := memory.PipelineConfig{
		Threshold:     cfg.MemoryExtractionThreshold,
		TopK:          cfg.MemoryExtractionTopK,
		MaxRetries:    cfg.MemoryExtractionRetries,
		DecayHalfLife: cfg.MemoryDecayHalfLife,
		MaxPerUser:    cfg.MemoryMaxPerUser,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go extractionQueue.Worker(workerCtx, func(ctx context.Context, userID string) error {
		stats, err := memory.RunExtraction(ctx, st, gw, userID, pipelineCfg, logger)
		if err != nil {
			return err
		}
		logger.Debug("extraction run completed", "userId", userID, "added", stats.Added, "updated", stats.Updated, "deleted", stats.Deleted)
		return nil
	})

	connKeys := connkey.New(cfg.WSConnectionKeyTTL)

	registry := wsrt.NewRegistry()
	registry.Register(maidID, chat.New(gw, logger))

	httpapiServer := httpapi.NewServer(httpapi.Deps{
		Store:       st,
		Redis:       redisClient,
		Logger:      logger,
		Auth:        httpapi.NewBetterAuthService(cfg.BetterAuthURL),
		ConnKeys:    connKeys,
		Sessions:    sessions,
		Memories:    memories,
		Registry:    registry,
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapiServer,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.AppShutdownTimeout)
		defer shutdownCancel()

		httpapiServer.Shutdown() // force-close open WS connections with 1001 first

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
