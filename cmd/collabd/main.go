package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/app"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/archive"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/config"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/logging"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/persist"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/presence"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/room"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/search"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/transport"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/util"
)

type snapshotStore interface {
	persist.Store
	search.TextSearcher
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.NodeID == "" {
		cfg.NodeID = util.NewID("node")
	}
	log = log.With(zap.String("node", cfg.NodeID))

	var snapshots snapshotStore
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory snapshot store; documents do not survive a restart")
		snapshots = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}
		snapshots = store.NewPostgresStore(db)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(snapshots), log)

	observers := []persist.Observer{searchService}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshotArchive, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log)
		if err != nil {
			log.Fatal("snapshot archive unavailable", zap.Error(err))
		}
		observers = append(observers, snapshotArchive)
	}
	bridge := persist.NewBridge(snapshots, persist.Options{}, log, observers...)

	// Without Redis this node assumes it is the only one: no lease, and
	// presence listings only cover local connections.
	var (
		lease  room.Lease
		mirror presence.Mirror
		lister *presence.RedisMirror
	)
	checks := []app.Check{{Name: "database", Ping: snapshots.Ping}}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		lease = room.NewRedisLease(client, cfg.NodeID, cfg.LeaseTTL)
		lister = presence.NewRedisMirror(client, cfg.PresenceTimeout)
		mirror = lister
		checks = append(checks, app.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		log.Info("using redis for room leases and presence")
	}

	manager := room.NewManager(bridge, lease, room.Options{
		LoadTimeout:   cfg.LoadTimeout,
		FlushDebounce: cfg.FlushDebounce,
		FlushInterval: cfg.FlushInterval,
		FlushTimeout:  cfg.FlushTimeout,
		DrainGrace:    cfg.DrainGrace,
		DrainTimeout:  cfg.DrainTimeout,
		ResumeWindow:  cfg.ResumeWindow,
	}, log)

	broadcaster := presence.NewBroadcaster(cfg.PresenceTimeout, mirror, log)
	presenceDone := make(chan struct{})
	go func() {
		defer close(presenceDone)
		broadcaster.Run(ctx)
	}()

	service := app.New(cfg, manager, broadcaster, searchService, log)
	if lister != nil {
		service.WithPresenceMirror(lister)
	}
	for _, check := range checks {
		service.AddCheck(check.Name, check.Ping)
	}

	sockets := transport.NewServer(manager, broadcaster, service.Authenticate, transport.Options{
		JoinTimeout:       cfg.JoinTimeout,
		OpQueueSize:       cfg.OpQueueSize,
		PresenceQueueSize: cfg.PresenceQueueSize,
		MaxMessageBytes:   int64(cfg.MaxMessageBytes),
		AllowedOrigin:     cfg.CORSOrigin,
	}, log)

	httpServer := app.NewHTTPServer(service, sockets, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("collaboration server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	// Rooms go first so every member is told and every document is flushed
	// while the listener still answers readiness probes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("room shutdown incomplete", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	sockets.Wait()
	stop()
	<-presenceDone
}
