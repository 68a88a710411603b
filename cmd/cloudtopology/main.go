// Command cloudtopology runs the NetsBlox network topology server: the
// WebSocket session hub, the REST command surface, and health/metrics
// endpoints.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsblox/cloud-topology/internal/auth"
	"github.com/netsblox/cloud-topology/internal/bus"
	"github.com/netsblox/cloud-topology/internal/config"
	"github.com/netsblox/cloud-topology/internal/health"
	"github.com/netsblox/cloud-topology/internal/logging"
	"github.com/netsblox/cloud-topology/internal/middleware"
	"github.com/netsblox/cloud-topology/internal/ratelimit"
	"github.com/netsblox/cloud-topology/internal/rest"
	"github.com/netsblox/cloud-topology/internal/store"
	"github.com/netsblox/cloud-topology/internal/topology"
	"github.com/netsblox/cloud-topology/internal/transport"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	var validator transport.TokenValidator
	if cfg.SkipAuth {
		slog.Warn("authentication disabled, using GuestValidator (do not use in production)")
		validator = &auth.GuestValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("failed to initialize auth validator", "error", err)
			os.Exit(1)
		}
		validator = v
	}

	var relay *bus.Service
	if cfg.RedisEnabled {
		relay, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer relay.Close()
	}

	var projectStore topology.ProjectStore
	var messageStore topology.MessageStore
	var healthStore health.StoreChecker
	if cfg.DatabaseURL != "" {
		pg, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		projectStore, messageStore, healthStore = pg, pg, pg
	} else {
		slog.Warn("DATABASE_URL not set, falling back to in-memory project/message stores")
		mem := store.NewMemory()
		projectStore, messageStore, healthStore = mem, mem, mem
	}

	topo := topology.New(topology.Config{
		Store:            projectStore,
		Messages:         messageStore,
		Bus:              relay,
		ProjectCacheSize: cfg.ProjectCacheSize,
		RoleDataTimeout:  cfg.RoleDataTimeout,
		TraceMaxOpen:     cfg.NetworkTraceMaxOpen,
	})

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, relay.Client())
	if err != nil {
		slog.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:8080"})
	hub := transport.NewHub(topo, validator, rateLimiter, allowedOrigins, cfg.PingInterval)

	restHandler := rest.NewHandler(topo, projectStore)
	healthHandler := health.NewHandler(relay, healthStore)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/ws", hub.ServeWs)

	networkGroup := router.Group("/network")
	networkGroup.Use(rateLimiter.NetworkMiddleware())
	restHandler.RegisterRoutes(networkGroup)

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("cloud topology server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server exited")
}
