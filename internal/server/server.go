package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reportdeck/report-engine/internal/client"
	"github.com/reportdeck/report-engine/internal/config"
	"github.com/reportdeck/report-engine/internal/handlers"
	"github.com/reportdeck/report-engine/internal/pubsub"
	"github.com/reportdeck/report-engine/internal/realtime"
	"github.com/reportdeck/report-engine/internal/report"
	"github.com/reportdeck/report-engine/internal/store"
)

// Server wires the engine together and owns the HTTP lifecycle.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	bus    *pubsub.Bus
	store  *store.InstanceStore
	hub    *realtime.Hub
	http   *http.Server
	cancel context.CancelFunc
}

// NewServer assembles the engine from configuration. adapter translates
// Elasticsearch payloads and may be nil when no such definitions exist.
func NewServer(cfg *config.Config, adapter report.ElasticAdapter, logger *zap.Logger) (*Server, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL not configured")
	}

	bus := pubsub.NewBus(logger)

	backend := client.New(cfg.Backend.BaseURL, time.Duration(cfg.Backend.Timeout)*time.Second, logger)
	instanceStore := store.New(backend, adapter, logger)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
	}
	hub := realtime.NewHub(redisClient, logger)
	bus.Subscribe(hub)

	handler := handlers.NewHandler(
		instanceStore,
		bus,
		hub,
		report.ColorMode(cfg.Dashboard.DefaultColorMode),
		report.Breakpoint(cfg.Dashboard.DefaultBreakpoint),
		cfg.Dashboard.DefaultTablePageSize,
		logger,
	)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		store:  instanceStore,
		hub:    hub,
		http: &http.Server{
			Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:        router,
			ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
			MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		},
	}
	return srv, nil
}

// Start runs the hub and serves HTTP until the process ends.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.hub.RunRelay(ctx)

	s.logger.Info("report engine listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}
