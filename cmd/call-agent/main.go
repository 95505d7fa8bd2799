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
	"teamcall-backend/internal/media"
	"teamcall-backend/internal/middleware"
	"teamcall-backend/internal/peer"
	"teamcall-backend/internal/presence"
	"teamcall-backend/internal/repository/cassandra"
	"teamcall-backend/internal/repository/cockroach"
	redisRepo "teamcall-backend/internal/repository/redis"
	callService "teamcall-backend/internal/service/call"
	notificationService "teamcall-backend/internal/service/notification"
	participantService "teamcall-backend/internal/service/participant"
	"teamcall-backend/internal/service/storage"
	"teamcall-backend/internal/signaling"
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

	if cfg.Call.UserID == "" {
		logger.Fatal("CALL_USER_ID environment variable is required")
	}
	name := cfg.Call.DisplayName
	if name == "" {
		name = cfg.Call.UserID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics("call-agent")

	// 1. Redis backs missed-call dedup and, optionally, the signal transport
	var redisDB *intDatabase.RedisClient
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
	}

	// 2. Signal transport
	transport, channel, err := openTransport(ctx, cfg, redisDB, appMetrics)
	if err != nil {
		logger.Fatal("Failed to open signal transport", zap.Error(err))
	}
	defer transport.Close()

	// 3. Media capture and peer connections
	capturer := newCapturer(cfg)
	factory, err := peer.NewPionFactory(peer.PionConfig{
		ICEServers:          cfg.Call.ICEServers,
		DisconnectedTimeout: cfg.Call.ICEDisconnectedTimeout,
		FailedTimeout:       cfg.Call.ICEFailedTimeout,
		KeepaliveInterval:   cfg.Call.ICEKeepalive,
		ConfigureMedia:      capturer.ConfigureMediaEngine,
		DrainRemote:         true,
	})
	if err != nil {
		logger.Fatal("Failed to create WebRTC API", zap.Error(err))
	}
	registry := peer.NewRegistry(transport, factory, appMetrics)
	controller := media.NewController(capturer, registry, media.DefaultDisplayHints(cfg.Call.ScreenBitrate), appMetrics)
	defer controller.Release()

	tracker := presence.NewTracker(channel, presence.Entry{UserID: cfg.Call.UserID, Name: name}, appMetrics)

	// 4. Stores
	persist := openStores(ctx, cfg, redisDB, appMetrics)
	defer persist.close()

	var missed callService.MissedCallRecorder
	if persist.messages != nil && persist.notifications != nil {
		var names notificationService.NameResolver
		if persist.users != nil {
			names = persist.users
		}
		missed = notificationService.NewService(persist.messages, persist.notifications, persist.dedup, names, appMetrics)
	} else {
		logger.Warn("Missed calls will not be recorded: message or notification store unavailable")
	}

	var directory participantService.Directory
	if persist.users != nil {
		directory = persist.users
	}
	var avatars participantService.AvatarSigner
	if persist.avatars != nil {
		avatars = persist.avatars
	}
	participants := participantService.NewService(directory, avatars, tracker)

	// 5. Call state machine
	svc := callService.NewService(transport, registry, controller, missed, tracker, callService.Config{
		RingTimeout: cfg.Call.RingTimeout,
	}, appMetrics)

	persist.registerSelf(ctx, cfg.Call.UserID, name)
	persist.reportMissed(ctx, cfg.Call.UserID)

	if cfg.Call.MetricsPort > 0 {
		go serveMetrics(ctx, cfg.Call.MetricsPort, appMetrics, transport)
	}

	a := &agent{
		svc:          svc,
		participants: participants,
		autoAnswer:   cfg.Call.AutoAnswer,
	}
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()
	go a.watch(ctx, events)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	if channel != nil {
		go tracker.Run(ctx)
		if err := tracker.SetVisible(ctx, true); err != nil {
			logger.Warn("Failed to announce presence", zap.Error(err))
		}
	}
	if err := svc.Announce(ctx, name); err != nil {
		logger.Warn("Failed to broadcast online hint", zap.Error(err))
	}

	logger.Info("Call agent ready",
		zap.String("user_id", cfg.Call.UserID),
		zap.String("transport", cfg.Call.Transport),
		zap.String("capture", cfg.Call.CaptureMode),
		zap.Bool("auto_answer", cfg.Call.AutoAnswer))

	if len(cfg.Call.DialTargets) > 0 {
		if err := a.dial(ctx, cfg.Call.DialTargets); err != nil {
			logger.Error("Failed to start call", zap.Strings("targets", cfg.Call.DialTargets), zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down call agent...")
		<-runErr
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Signal loop stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if !svc.Session().IsIdle() {
		if err := svc.EndCall(shutdownCtx); err != nil {
			logger.Warn("Failed to end call on shutdown", zap.Error(err))
		}
	}
	if channel != nil {
		if err := tracker.SetVisible(shutdownCtx, false); err != nil {
			logger.Debug("Failed to withdraw presence", zap.Error(err))
		}
	}
	svc.Close()
	registry.CloseAll()

	logger.Info("Call agent exited")
}

// openTransport connects the configured signal transport. The presence
// channel is nil when the transport carries no presence.
func openTransport(ctx context.Context, cfg *config.Config, redisDB *intDatabase.RedisClient, m *metrics.Metrics) (signaling.Transport, presence.Channel, error) {
	switch cfg.Call.Transport {
	case "redis":
		if redisDB == nil {
			return nil, nil, errors.New("CALL_TRANSPORT=redis requires REDIS_ENABLED")
		}
		t, err := signaling.NewRedisTransport(ctx, redisDB, cfg.Call.UserID, m)
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil

	default:
		token := cfg.Call.Token
		if token == "" && cfg.JWT.Secret != "" {
			minted, err := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpiry).GenerateToken(cfg.Call.UserID, cfg.Call.DisplayName)
			if err != nil {
				return nil, nil, err
			}
			token = minted
		}
		if token == "" {
			return nil, nil, errors.New("CALL_TOKEN or JWT_SECRET is required for the ws transport")
		}

		dialCtx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
		defer cancel()
		c, err := signaling.DialWS(dialCtx, signaling.WSConfig{
			URL:     cfg.Call.RelayURL,
			Token:   token,
			LocalID: cfg.Call.UserID,
			Metrics: m,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
}

func newCapturer(cfg *config.Config) media.Capturer {
	switch cfg.Call.CaptureMode {
	case "device":
		return media.NewDeviceCapturer(cfg.Call.CameraBitrate)
	case "synthetic":
		return media.NewSynthetic(cfg.Call.UserID)
	default:
		return media.Unavailable{}
	}
}

// serveMetrics exposes health and Prometheus metrics until ctx is done
func serveMetrics(ctx context.Context, port int, m *metrics.Metrics, transport signaling.Transport) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery())

	deps := map[string]func() error{}
	if ws, ok := transport.(*signaling.WSClient); ok {
		deps["relay"] = func() error {
			select {
			case <-ws.Done():
				return errors.New("relay connection lost")
			default:
				return nil
			}
		}
	}
	router.Use(middleware.HealthCheck("call-agent", deps))
	router.GET("/metrics", middleware.MetricsHandler(m))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Agent metrics listening", zap.Int("port", port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Agent metrics server failed", zap.Error(err))
	}
}

// stores holds the optional persistence collaborators of the agent
type stores struct {
	messages      *cassandra.MessageRepository
	notifications *cockroach.NotificationRepository
	users         *cockroach.UserRepository
	dedup         *redisRepo.DedupRepository
	avatars       *storage.MinioClient

	closers []func()
}

func openStores(ctx context.Context, cfg *config.Config, redisDB *intDatabase.RedisClient, m *metrics.Metrics) *stores {
	s := &stores{dedup: redisRepo.NewDedupRepository(redisDB, nil)}

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
		}, 3)
		if err != nil {
			logger.Warn("CockroachDB unavailable", zap.Error(err))
		} else {
			s.closers = append(s.closers, db.Close)
			if err := m.RegisterPoolStats(db.Pool); err != nil {
				logger.Warn("Failed to register pool metrics", zap.Error(err))
			}
			s.notifications = cockroach.NewNotificationRepository(db.Pool)
			s.users = cockroach.NewUserRepository(db.Pool)
		}
	}

	if cfg.Cassandra.Enabled {
		db, err := pkgDatabase.NewCassandraDB(&pkgDatabase.CassandraConfig{
			Hosts:    cfg.Cassandra.Hosts,
			Keyspace: cfg.Cassandra.Keyspace,
			Username: cfg.Cassandra.Username,
			Password: cfg.Cassandra.Password,
			Timeout:  cfg.Cassandra.Timeout,
			Observer: metrics.NewCassandraObserver(m),
		})
		if err != nil {
			logger.Warn("Cassandra unavailable", zap.Error(err))
		} else {
			s.closers = append(s.closers, db.Close)
			s.messages = cassandra.NewMessageRepository(db.Session)
		}
	}

	if cfg.MinIO.Enabled {
		client, err := storage.NewMinioClient(
			cfg.MinIO.Endpoint,
			cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket,
			cfg.MinIO.Region,
			cfg.MinIO.UseSSL,
		)
		if err != nil {
			logger.Warn("MinIO unavailable", zap.Error(err))
		} else {
			s.avatars = client
		}
	}

	stopCleanup := s.dedup.StartCleanup(time.Minute)
	s.closers = append(s.closers, stopCleanup)
	return s
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
