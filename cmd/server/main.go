package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tannerdsouza/briefcall/internal/approval"
	"github.com/tannerdsouza/briefcall/internal/briefing"
	"github.com/tannerdsouza/briefcall/internal/channel"
	"github.com/tannerdsouza/briefcall/internal/config"
	"github.com/tannerdsouza/briefcall/internal/crypto"
	"github.com/tannerdsouza/briefcall/internal/database"
	"github.com/tannerdsouza/briefcall/internal/gateway"
	"github.com/tannerdsouza/briefcall/internal/generate"
	"github.com/tannerdsouza/briefcall/internal/health"
	"github.com/tannerdsouza/briefcall/internal/ledger"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/notify"
	"github.com/tannerdsouza/briefcall/internal/registry"
	"github.com/tannerdsouza/briefcall/internal/rooms"
	"github.com/tannerdsouza/briefcall/internal/router"
	"github.com/tannerdsouza/briefcall/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := worker.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.RunMigrations(db); err != nil {
		return err
	}

	if err := models.InitEncryption(cfg.EncryptionKey); err != nil {
		return err
	}
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	notifier, err := notify.NewPublisher(cfg.RedisURL)
	if err != nil {
		// Notifications are best-effort; a nil publisher drops them.
		logger.Warn("Notify publisher unavailable, events will be dropped", "error", err)
		notifier = nil
	} else {
		defer notifier.Close()
	}

	if err := worker.InitClient(cfg.RedisURL); err != nil {
		return err
	}
	defer worker.CloseClient()

	channelClient := channel.NewClient(cfg.ChannelAPIURL, cfg.ChannelAPISecret, cfg.ChannelStubMode)
	generator := generate.NewClient(cfg.GenerationURL, cfg.GenerationSecret, cfg.GenerationStubMode)

	reg := registry.New()
	led := ledger.New(db)

	broker := rooms.NewBroker(rooms.NewStore(db), rooms.NewProvider(cfg.ChannelAPIURL, cfg.ChannelAPISecret, cfg.ChannelStubMode), encryptor, reg, logger)

	sessionStore := briefing.NewStore(db)
	sessions := briefing.NewManager(sessionStore, led, channelClient, broker, worker.TaskScheduler{}, reg, notifier, briefing.Config{
		PublicBaseURL:   cfg.PublicBaseURL,
		RoomIdleTimeout: cfg.RoomIdleTimeout,
		CallRingTimeout: cfg.CallRingTimeout,
	}, logger)

	// A room reclaimed while its session is still live takes the session
	// down with it.
	broker.SetIdleFailureHandler(func(ctx context.Context, sessionID, reason string) {
		if err := sessions.FailSession(ctx, sessionID, reason); err != nil {
			logger.Error("Failed to fail session after room reclaim", "session_id", sessionID, "error", err)
		}
	})

	approvals := approval.NewManager(approval.NewStore(db), channelClient, generator, reg, notifier, cfg.ApprovalTTL, logger)

	if err := reg.Recover(context.Background(), db); err != nil {
		return err
	}

	inbound := router.New(reg, sessions, approvals, channelClient, cfg.ApprovalPreemptsScheduling, logger)

	gw, err := gateway.New(gateway.Routes{
		Router:    inbound,
		Sessions:  sessions,
		Approvals: approvals,
		Lookup:    sessionStore,
		Rooms:     broker,
		Registry:  reg,
	}, cfg.CallbackSecret, logger)
	if err != nil {
		return err
	}

	stopWorker, err := worker.Start(cfg, worker.Deps{
		Sessions:  sessions,
		Store:     sessionStore,
		Approvals: approvals,
		Broker:    broker,
		Generator: generator,
	})
	if err != nil {
		return err
	}
	defer stopWorker()

	stopScheduler, err := worker.StartScheduler(cfg)
	if err != nil {
		return err
	}
	defer stopScheduler()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", gin.WrapF(health.Handler))
	gw.Register(engine)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
