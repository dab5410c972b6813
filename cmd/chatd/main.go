// chatd is one chat backend instance: HTTP API plus realtime websocket
// surface over a Redis hot tier, a MongoDB durable tier and a Redis
// pub/sub bus for peer coordination. Instances are symmetric; scale-out
// is starting more of them behind a balancer.
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

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/bus"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/httpapi"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hub"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/objectstore"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/replication"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/roomcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/status"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncworker"
)

func main() {
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
	if err := run(boot); err != nil {
		boot.Fatal().Err(err).Msg("Server stopped")
	}
}

func run(boot zerolog.Logger) error {
	cfg, err := config.Load(&boot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Hot tier. Construction never fails; an unreachable Redis starts the
	// instance degraded on the in-process fallback.
	store := hottier.New(bgCtx, hottier.Config{
		ClusterEnabled:  cfg.RedisClusterEnabled,
		MasterAddr:      cfg.MasterAddr(),
		ReplicaAddr:     cfg.SlaveAddr(),
		ConnectTimeout:  cfg.RedisConnectTimeout,
		MaxRetries:      cfg.RedisMaxRetries,
		RetryDelay:      cfg.RedisRetryDelay,
		FailoverTimeout: cfg.RedisFailoverTimeout,
	}, logger)
	defer func() { _ = store.Close() }()

	queue := syncqueue.New(store, logger)

	locks := lock.NewService(store, logger, cfg.InstanceID)
	go locks.RunCleanup(bgCtx, cfg.LockCleanupInterval)

	// Durable tier. Unlike the hot tier this one is load-bearing: no Mongo,
	// no server.
	connectCtx, connectCancel := context.WithTimeout(bgCtx, 15*time.Second)
	mongo, err := durable.Connect(connectCtx, cfg.MongoURI, logger)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect durable tier: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongo.Close(closeCtx)
	}()
	if err := mongo.EnsureIndexes(bgCtx); err != nil {
		logger.Warn().Err(err).Msg("Durable index build failed")
	}

	// Cache services over both tiers.
	roomSvc := roomcache.New(store, mongo, logger, cfg.InstanceID)
	msgSvc := msgcache.New(store, mongo, locks, queue, logger, cfg.InstanceID)
	if err := roomSvc.EnsureIndex(bgCtx); err != nil {
		logger.Warn().Err(err).Msg("Room search index setup failed")
	}
	if err := msgSvc.EnsureIndex(bgCtx); err != nil {
		logger.Warn().Err(err).Msg("Message search index setup failed")
	}

	warmCtx, warmCancel := context.WithTimeout(bgCtx, 30*time.Second)
	if n, err := roomSvc.WarmCache(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("Room cache warm failed")
	} else {
		logger.Info().Int("rooms", n).Msg("Room cache warmed")
	}
	warmCancel()
	go func() {
		defer monitoring.RecoverPanic(logger, "warm-messages", nil)
		ctx, cancel := context.WithTimeout(bgCtx, 2*time.Minute)
		defer cancel()
		if _, _, err := msgSvc.WarmAllActiveRooms(ctx); err != nil {
			logger.Warn().Err(err).Msg("Message cache warm failed")
		}
	}()

	// Cross-instance coordination.
	instanceBus := bus.New(store, msgSvc, cfg, logger)
	msgSvc.SetBroadcaster(instanceBus)
	if err := instanceBus.Start(bgCtx); err != nil {
		logger.Warn().Err(err).Msg("Cross-instance bus unavailable")
	}

	worker := syncworker.New(queue, mongo, logger)
	if err := worker.Start(bgCtx); err != nil {
		logger.Warn().Err(err).Msg("Sync worker not started")
	}

	repl := replication.New(mongo, cfg, logger)
	if err := repl.Start(bgCtx); err != nil {
		logger.Warn().Err(err).Msg("Durable replication not started")
	}

	// Auth and the realtime hub.
	tokens := auth.NewTokenManager(cfg.JWTSecret)
	sessions := auth.NewHotTierSessions(store, logger)
	authn := auth.NewAuthenticator(tokens, sessions, mongo, logger)
	h := hub.New(authn, sessions, roomSvc, msgSvc, ai.NewProvider(cfg, logger), cfg, logger)
	instanceBus.OnCacheInvalidation(h.OnRoomCacheInvalidated)

	sampler := monitoring.NewSystemSampler(logger)
	go sampler.Run(bgCtx, cfg.MetricsInterval)

	st := status.New(cfg, status.Deps{
		Store:       store,
		Mongo:       mongo,
		Sampler:     sampler,
		Sessions:    h,
		Locks:       locks,
		Bus:         instanceBus,
		Worker:      worker.Stats,
		Replication: repl.Stats,
	}, logger)

	var files objectstore.Store
	if s3, err := objectstore.NewS3(cfg, logger); err != nil {
		logger.Warn().Err(err).Msg("Object store disabled; file endpoints answer 503")
	} else {
		files = s3
	}

	api := httpapi.New(cfg, authn, roomSvc, msgSvc, mongo, files, h, st, h.ServeWS, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	// Stop taking new sockets first, then drain in dependency order.
	st.Drain()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Hub drain incomplete")
	}
	worker.Stop()
	repl.Stop()
	instanceBus.Close()
	locks.Shutdown(shutdownCtx)
	bgCancel()

	logger.Info().Msg("Server stopped cleanly")
	return nil
}
