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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/gifts"
	"github.com/flylive/msab/internal/v1/handlers"
	"github.com/flylive/msab/internal/v1/health"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/middleware"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/relay"
	"github.com/flylive/msab/internal/v1/rooms"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/tracing"
	"github.com/flylive/msab/internal/v1/transport"
)

const serviceName = "msab"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if development {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	var tracerShutdown func(context.Context) error
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector unreachable", zap.Error(err))
		} else {
			tracerShutdown = tp.Shutdown
			logging.Info(ctx, "Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// --- Redis ---
	// Seat state, the user→socket map and the gift buffer all live in
	// Redis; there is no single-instance fallback.
	busService, err := bus.NewService(bus.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	})
	if err != nil {
		logging.Fatal(ctx, "Redis connection failed", zap.String("addr", cfg.RedisAddr()), zap.Error(err))
	}
	rdb := busService.Client()
	logging.Info(ctx, "Redis connected", zap.String("addr", cfg.RedisAddr()))

	// --- Auth ---
	var validator transport.TokenValidator
	if development && os.Getenv("SKIP_AUTH") == "true" {
		logging.Warn(ctx, "Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(cfg.JWTSecret, cfg.JWTMaxAge, rdb)
		if err != nil {
			logging.Fatal(ctx, "Auth validator init failed", zap.Error(err))
		}
		validator = v
	}

	// --- Media Workers ---
	engine := media.NewProcEngine(cfg.MediasoupWorkerBin)
	pool, err := media.NewPool(ctx, engine, cfg.MediasoupNumWorkers, media.WorkerSettings{
		RTCMinPort:  cfg.MediasoupRTCMinPort,
		RTCMaxPort:  cfg.MediasoupRTCMaxPort,
		ListenIP:    cfg.MediasoupListenIP,
		AnnouncedIP: cfg.MediasoupAnnouncedIP,
	})
	if err != nil {
		logging.Fatal(ctx, "Media worker pool failed to start", zap.Error(err))
	}
	logging.Info(ctx, "Media workers ready", zap.Int("count", pool.WorkerCount()))

	// --- Core Services ---
	seatRepo := seats.NewRepository(rdb)
	clients := registry.NewClientRegistry()
	userSockets := registry.NewUserSocketRegistry(rdb)
	backend := laravel.New(laravel.Options{
		BaseURL:     cfg.LaravelAPIURL,
		InternalKey: cfg.LaravelInternalKey,
		Timeout:     cfg.LaravelTimeout,
	})

	limiter, err := ratelimit.NewRateLimiter(cfg, rdb)
	if err != nil {
		logging.Fatal(ctx, "Rate limiter init failed", zap.Error(err))
	}

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := transport.NewHub(validator, limiter, allowedOrigins)

	giftBuffer := gifts.NewBuffer(gifts.Options{
		Redis:         rdb,
		Backend:       backend,
		Notifier:      hub,
		FlushInterval: cfg.GiftFlushInterval,
		MaxRetries:    cfg.GiftMaxRetries,
	})

	roomRegistry := rooms.NewRegistry(rooms.Config{
		Pool:                  pool,
		Redis:                 rdb,
		Seats:                 seatRepo,
		Backend:               backend,
		Notifier:              hub,
		MaxListenersPerRouter: cfg.MaxListenersPerRouter,
		TopSpeakers:           cfg.MaxActiveSpeakers,
		DefaultSeatCount:      cfg.DefaultSeatCount,
		SweepInterval:         cfg.RoomSweepInterval,
		IdleThreshold:         cfg.RoomInactivity,
	})

	mux := handlers.New(handlers.Options{
		Rooms:       roomRegistry,
		Seats:       seatRepo,
		Clients:     clients,
		Sockets:     userSockets,
		Emitter:     hub,
		Gifts:       giftBuffer,
		GiftLimiter: limiter,
		Backend:     backend,
		InviteTTL:   cfg.InviteExpiry,
	})
	hub.SetHandler(mux)
	roomRegistry.SetOnActiveSpeakers(mux.BroadcastActiveSpeakers)

	// --- Background Services ---
	appCtx, appCancel := context.WithCancel(ctx)
	defer appCancel()

	giftBuffer.Start()
	go roomRegistry.Run(appCtx)

	var eventRelay *relay.Service
	if cfg.EventsEnabled {
		eventRelay = relay.New(relay.Options{
			Bus:              busService,
			Channel:          cfg.EventsChannel,
			Sockets:          userSockets,
			Emitter:          hub,
			BackpressureWarn: cfg.RelayBackpressureMax,
		})
		eventRelay.Start(appCtx)
		logging.Info(ctx, "Backend event relay started", zap.String("channel", cfg.EventsChannel))
	}

	// --- Set up Server ---
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, pool)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	// The context gives the shutdown sequence 30 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop HTTP intake, then unwind room state while the sockets are
	// still connected to hear the room:closed broadcasts.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}
	appCancel()

	roomRegistry.CloseAll(shutdownCtx, rooms.ReasonShutdown)
	hub.Shutdown(shutdownCtx)

	// Flush buffered gifts before the Redis connection goes away.
	giftBuffer.Stop(shutdownCtx)
	if eventRelay != nil {
		eventRelay.Wait()
	}
	pool.Close()

	if err := busService.Close(); err != nil {
		logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
	}
	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "Tracer shutdown failed", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}
