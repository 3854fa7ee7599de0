package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"codepad/api/internal/app"
	"codepad/api/internal/config"
	"codepad/api/internal/events"
	"codepad/api/internal/export"
	"codepad/api/internal/gate"
	"codepad/api/internal/gitrepo"
	"codepad/api/internal/logging"
	"codepad/api/internal/search"
	"codepad/api/internal/session"
	"codepad/api/internal/store"
	"codepad/api/internal/tree"
)

// primaryStore is what both store backends provide.
type primaryStore interface {
	tree.Store
	gate.WorkspaceStore
	gate.SessionStore
	Ping(ctx context.Context) error
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

const sessionPurgeInterval = 15 * time.Minute

func main() {
	cfg := config.Load()
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic(err)
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.L()
	ctx := context.Background()

	var (
		dataStore primaryStore
		fallback  search.Searcher
		loader    search.RecordLoader
	)
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		mem := store.NewMemoryStore()
		dataStore = mem
		fallback = search.NewScan(mem)
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
			MaxOpen:     cfg.DBMaxConns,
			MaxIdle:     cfg.DBMaxConns / 2,
			ConnectWait: cfg.DBConnectWait,
		})
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		dataStore = store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		fallback = pgfts
		loader = pgfts
	default:
		logger.Fatal("unknown store backend", zap.String("backend", cfg.StoreBackend))
	}

	probes := map[string]app.Pinger{}
	var sessions gate.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		sessions = redisStore
		probes["redis"] = redisStore
		logger.Info("access sessions stored in redis")
	} else {
		go purgeSessions(ctx, dataStore)
	}

	bus := events.NewBus(cfg.EventBuffer)
	coordinator := tree.NewCoordinator(dataStore, bus)

	gateService := gate.NewService(dataStore, sessions, gate.Config{
		TokenSecret:       cfg.JWTSecret,
		TokenTTL:          cfg.TokenTTL,
		AttemptsPerMinute: cfg.UnlockAttemptsPerMinute,
	})
	defer gateService.Close()

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, fallback, dataStore)

	var sink export.Sink
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioSink, err := export.NewMinioSink(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("object storage setup failed", zap.Error(err))
		}
		sink = minioSink
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		logger.Fatal("failed to create snapshots dir", zap.Error(err))
	}

	service := app.New(app.Deps{
		Store:     dataStore,
		Tree:      coordinator,
		Gate:      gateService,
		Search:    searchService,
		Export:    export.NewService(coordinator, sink),
		Snapshots: gitrepo.New(cfg.SnapshotsDir),
		Probes:    probes,
	})
	go service.Bootstrap(ctx, loader)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("codepad api listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreBackend),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	searchService.Flush()
	logger.Info("codepad api stopped")
}

// purgeSessions drops expired access sessions from the primary store.
func purgeSessions(ctx context.Context, s primaryStore) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.PurgeExpiredSessions(ctx)
			if err != nil {
				logging.L().Warn("purge expired sessions", zap.Error(err))
				continue
			}
			if purged > 0 {
				logging.L().Debug("purged expired sessions", zap.Int64("count", purged))
			}
		}
	}
}
