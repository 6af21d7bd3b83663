package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/auth"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/collab"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/config"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/database"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/kv"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/logging"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/members"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/server"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Config{
		Driver:  appConfig.DatabaseDriver,
		Path:    appConfig.DatabasePath,
		DSN:     appConfig.DatabaseDSN,
		LockTTL: appConfig.LockTTL,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

// coordination holds the ephemeral key-value store and the broadcaster, backed
// by Redis when configured and by process memory otherwise.
type coordination struct {
	store       kv.Store
	broadcaster collab.Broadcaster
	close       func()
}

func openCoordination(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (coordination, error) {
	local := collab.NewLocalBroadcaster(time.Now)
	if !appConfig.RedisEnabled() {
		logger.Warn("redis not configured; presence, locks, and broadcast are local to this process")
		return coordination{store: kv.NewMemoryStore(time.Now), broadcaster: local, close: func() {}}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{appConfig.RedisAddress},
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	store, err := kv.NewRedisStore(client)
	if err != nil {
		_ = client.Close()
		return coordination{}, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = client.Close()
		return coordination{}, fmt.Errorf("redis ping: %w", err)
	}
	broadcaster, err := collab.NewRedisBroadcaster(client, local, time.Now, logger)
	if err != nil {
		_ = client.Close()
		return coordination{}, err
	}
	if err := broadcaster.Start(ctx); err != nil {
		_ = client.Close()
		return coordination{}, err
	}
	logger.Info("redis coordination enabled", zap.String("address", appConfig.RedisAddress))
	return coordination{store: store, broadcaster: broadcaster, close: func() { _ = client.Close() }}, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	coord, err := openCoordination(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer coord.close()

	pages, err := wiki.NewPageService(wiki.PageServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: wiki.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	history, err := wiki.NewHistoryManager(wiki.HistoryConfig{
		Database:    db,
		Clock:       time.Now,
		Logger:      logger,
		RecentLimit: appConfig.RecentLimit,
	})
	if err != nil {
		return err
	}
	membership, err := members.NewService(members.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	presence := collab.NewPresenceStore(coord.store, appConfig.PresenceTTL, time.Now)
	cursors := collab.NewCursorStore(coord.store, presence, appConfig.CursorTTL, time.Now)
	locks, err := collab.NewLockManager(collab.LockManagerConfig{
		Store:      coord.store,
		TTL:        appConfig.LockTTL,
		Clock:      time.Now,
		Projection: pages,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	hub := server.NewConnectionHub(time.Now)
	sessions, err := collab.NewService(collab.ServiceConfig{
		Presence:    presence,
		Cursors:     cursors,
		Locks:       locks,
		Broadcaster: coord.broadcaster,
		Pages:       pages,
		Access:      membership,
		History:     history,
		Transport:   hub,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	archiver, err := wiki.NewArchiver(wiki.ArchiverConfig{
		Pages:     pages,
		History:   history,
		Locker:    locks,
		Interval:  appConfig.ArchiveInterval,
		BatchSize: appConfig.ArchiveBatchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	go archiver.Run(signalCtx)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Sessions:         sessions,
		History:          history,
		Archiver:         archiver,
		Hub:              hub,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
