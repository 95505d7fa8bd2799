package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "teamcall-backend/internal/database"
	participantHandler "teamcall-backend/internal/handler/http/participant"
	wsHandler "teamcall-backend/internal/handler/ws"
	"teamcall-backend/internal/middleware"
	"teamcall-backend/internal/repository/cockroach"
	redisRepo "teamcall-backend/internal/repository/redis"
	participantService "teamcall-backend/internal/service/participant"
	"teamcall-backend/internal/service/storage"
	"teamcall-backend/pkg/config"
	"teamcall-backend/pkg/constants"
	pkgDatabase "teamcall-backend/pkg/database"
	"teamcall-backend/pkg/jwt"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Setup JWT Manager
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpiry)

	// 2. Initialize Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	deps := map[string]func() error{}

	// 3. Initialize Redis with degraded mode support
	var redisDB *intDatabase.RedisClient
	var presenceRepo *redisRepo.PresenceRepository
	if cfg.Redis.Enabled {
		redisDB, err = intDatabase.NewRedisDB(&intDatabase.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to configure Redis", zap.Error(err))
		}
		defer redisDB.Close()

		if err := redisDB.RegisterMetrics(appMetrics.GetRegistry()); err != nil {
			logger.Warn("Failed to register Redis metrics", zap.Error(err))
		}
		redisDB.StartHealthCheck(ctx, 10*time.Second)
		presenceRepo = redisRepo.NewPresenceRepository(redisDB)
		deps["redis"] = func() error {
			if redisDB.IsDegraded() {
				return intDatabase.ErrDegraded
			}
			return nil
		}
		logger.Info("Redis configured", zap.String("addr", cfg.RedisAddr()))
	} else {
		logger.Info("Redis disabled, relay runs as a single instance")
	}

	// 4. Connect to CockroachDB for participant profiles
	var directory participantService.Directory
	if cfg.Database.Enabled {
		db, err := pkgDatabase.ConnectCockroachWithRetry(ctx, &pkgDatabase.CockroachConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, 5)
		if err != nil {
			logger.Warn("Running without participant profiles", zap.Error(err))
		} else {
			defer db.Close()
			if err := appMetrics.RegisterPoolStats(db.Pool); err != nil {
				logger.Warn("Failed to register pool metrics", zap.Error(err))
			}
			directory = cockroach.NewUserRepository(db.Pool)
			deps["cockroach"] = func() error {
				pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return db.Ping(pingCtx)
			}
		}
	}

	// 5. Initialize MinIO for avatar links
	var avatars participantService.AvatarSigner
	if cfg.MinIO.Enabled {
		minioClient, err := storage.NewMinioClient(
			cfg.MinIO.Endpoint,
			cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket,
			cfg.MinIO.Region,
			cfg.MinIO.UseSSL,
		)
		if err != nil {
			logger.Warn("Running without avatar links", zap.Error(err))
		} else {
			avatars = minioClient
			deps["avatars"] = minioClient.Check
		}
	}

	// 6. Initialize Signaling Hub
	hubCfg := wsHandler.HubConfig{
		Redis:          redisDB,
		MaxConnections: cfg.Server.MaxConnections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        appMetrics,
	}
	if presenceRepo != nil {
		hubCfg.Presence = presenceRepo
	}
	hub := wsHandler.NewSignalingHub(hubCfg)
	go hub.Run(ctx)

	// 7. Initialize Handlers
	participants := participantService.NewService(directory, avatars, hub)
	var online participantHandler.OnlineLister
	if presenceRepo != nil {
		online = presenceRepo
	}
	participantHdlr := participantHandler.NewHandler(participants, online, hub.ConnectedUsers)

	// 8. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, deps))

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	limit := func(scope string) gin.HandlerFunc {
		if cfg.Server.RateLimit <= 0 {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.NewRateLimiter(redisDB, scope, cfg.Server.RateLimit, time.Minute).Middleware()
	}

	// The relay checks origins itself during the upgrade
	router.GET("/v1/signaling/ws", limit("connect"), middleware.AuthMiddleware(jwtManager), hub.ServeWS)

	v1 := router.Group("/v1")
	v1.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	v1.Use(middleware.SecurityHeaders())
	v1.Use(middleware.AuthMiddleware(jwtManager))
	v1.Use(limit("api"))
	{
		v1.GET("/participants", participantHdlr.ResolveParticipants)
		v1.GET("/presence", participantHdlr.ListOnline)
	}

	// 9. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("relay", "/v1/signaling/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
