package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"

	"imgflow"
	"imgflow/internal/api/handler/endpoints"
	"imgflow/internal/api/models"
	"imgflow/internal/api/service"
	"imgflow/internal/api/websocket"
	"imgflow/internal/blob"
	"imgflow/internal/processor"
	"imgflow/internal/realtime"
)

func main() {
	imgflow.InitConfig(".env")
	gin.SetMode(gin.ReleaseMode)
	cfg := imgflow.GetConfig()

	if cfg.Mode == "dev" {
		if err := imgflow.DB.AutoMigrate(&models.Flow{}); err != nil {
			imgflow.Logger.Fatal().Err(err).Msg("Failed to migrate database")
		}
		imgflow.Logger.Info().Msg("Database migrated successfully")
		gin.SetMode(gin.DebugMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	router, err := graceful.Default(graceful.WithAddr(cfg.ApiPort))
	if err != nil {
		panic(err)
	}
	defer stop()
	defer router.Close()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "If-None-Match"},
		ExposeHeaders:    []string{"Content-Length", "ETag"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	flows := service.NewFlowService(service.DefaultFlowServiceOptions(newProcessor(cfg), newBlobStore(cfg)))
	defer func() {
		if err := flows.Shutdown(); err != nil {
			imgflow.Logger.Error().Err(err).Msg("Flow service stopped with error")
		}
	}()

	hub := websocket.NewHub(imgflow.Logger)
	go hub.Run(ctx)
	flows.AddListener(hub)
	imgflow.Logger.Info().Msg("WebSocket hub started")

	if imgflow.Nats != nil {
		flows.AddListener(realtime.NewPublisher(imgflow.Nats, cfg.NatsConfig.SubjectPrefix, imgflow.Logger))
		imgflow.Logger.Info().Str("prefix", cfg.NatsConfig.SubjectPrefix).Msg("Publishing result events to NATS")
	}

	messages := websocket.NewMessageProcessor(flows, imgflow.Logger)
	initAPI(router, flows, hub, messages)

	imgflow.Logger.Debug().Msgf("Starting imgflow API on port %s", cfg.ApiPort)
	if err = router.RunWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		imgflow.Logger.Fatal().Msg(err.Error())
	}
}

func initAPI(router *graceful.Graceful, flows *service.FlowService, hub *websocket.Hub, messages *websocket.MessageProcessor) {
	endpoints.FlowHandler(router, flows)
	endpoints.WebSocketHandler(router, hub, messages, flows)
}

// newProcessor picks the processing transport. NATS falls back to the
// in-process processor when no connection could be made.
func newProcessor(cfg imgflow.AppConfig) processor.Processor {
	pc := cfg.ProcessorConfig
	switch pc.Transport {
	case imgflow.ProcessorTransportHTTP:
		imgflow.Logger.Info().Str("url", pc.URL).Msg("Using HTTP image processor")
		return processor.NewHTTPProcessor(pc.URL, pc.Timeout, imgflow.Logger)
	case imgflow.ProcessorTransportNATS:
		if imgflow.Nats != nil {
			imgflow.Logger.Info().Str("prefix", cfg.NatsConfig.SubjectPrefix).Msg("Using NATS image processor")
			return processor.NewNATSProcessor(imgflow.Nats, cfg.NatsConfig.SubjectPrefix, pc.Timeout, imgflow.Logger)
		}
		imgflow.Logger.Warn().Msg("NATS processor requested without a NATS connection, using local processor")
	}
	return processor.NewLocalProcessor(imgflow.Logger)
}

func newBlobStore(cfg imgflow.AppConfig) blob.Store {
	if imgflow.Redis != nil {
		return blob.NewRedisStore(imgflow.Redis, "imgflow", cfg.RedisConfig.ResultTTL)
	}
	return blob.NewMemoryStore()
}
