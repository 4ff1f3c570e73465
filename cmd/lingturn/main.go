package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/agent"
	"github.com/code-100-precent/LingTurn/pkg/asr"
	"github.com/code-100-precent/LingTurn/pkg/config"
	"github.com/code-100-precent/LingTurn/pkg/events"
	"github.com/code-100-precent/LingTurn/pkg/logger"
	"github.com/code-100-precent/LingTurn/pkg/middleware"
	"github.com/code-100-precent/LingTurn/pkg/pipeline"
	"github.com/code-100-precent/LingTurn/pkg/response"
	"github.com/code-100-precent/LingTurn/pkg/session"
	"github.com/code-100-precent/LingTurn/pkg/transport"
	"github.com/code-100-precent/LingTurn/pkg/tts"
	"github.com/code-100-precent/LingTurn/pkg/turn"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger.Lg)
	registry := session.NewRegistry(cfg.Session.MaxConcurrentSessions, bus, logger.Lg)

	coord := pipeline.NewCoordinator(
		asr.NewClient(cfg.Asr, logger.Lg),
		agent.NewOpenAIService(cfg.Agent, logger.Lg),
		tts.NewClient(cfg.Tts, logger.Lg),
		cfg.Pipeline,
		logger.Lg,
	)

	sessionCfg := session.Config{
		HistoryLimit: cfg.Session.HistoryLimit,
		Vad:          cfg.Vad,
		Turn: turn.Config{
			MinTurnDuration: cfg.Turn.MinTurnDuration,
			PreRollFrames:   cfg.Turn.PreRollFrames,
			MaxTurnBytes:    cfg.Turn.MaxTurnBytes,
			SampleRate:      cfg.Vad.SampleRate,
		},
	}
	newSession := func(ctx context.Context, sink session.Sink) *session.Session {
		return session.New(ctx, sink, coord, sessionCfg, bus, logger.Lg)
	}

	writerCfg := transport.WriterConfig{
		QueueDepth:      cfg.Session.OutputQueueDepth,
		FrameDuration:   cfg.Session.FrameDuration,
		PreBufferFrames: cfg.Session.PreBufferFrames,
	}
	streamHandler := transport.NewHandler(registry, newSession, writerCfg, cfg.Vad.SampleRate, cfg.Session.IdleTimeout, logger.Lg)

	if cfg.Server.Mode != "dev" && cfg.Server.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(logger.Lg))
	engine.Use(middleware.LoggerMiddleware(logger.Lg))

	engine.GET("/voice/stream", streamHandler.HandleStream)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	startedAt := time.Now()
	engine.GET("/stats", func(c *gin.Context) {
		response.Success(c, "ok", gin.H{
			"active_sessions": registry.Count(),
			"uptime":          time.Since(startedAt).String(),
			"sessions":        registry.Snapshot(),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	registry.CloseAll()
	logger.Info("shutdown complete")
}
