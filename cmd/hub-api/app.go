package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/api"
	"github.com/MarcoPoloResearchLab/hub/internal/auth"
	"github.com/MarcoPoloResearchLab/hub/internal/blobs"
	"github.com/MarcoPoloResearchLab/hub/internal/collaborators"
	"github.com/MarcoPoloResearchLab/hub/internal/config"
	"github.com/MarcoPoloResearchLab/hub/internal/content"
	"github.com/MarcoPoloResearchLab/hub/internal/database"
	"github.com/MarcoPoloResearchLab/hub/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"github.com/MarcoPoloResearchLab/hub/internal/hubstore"
	"github.com/MarcoPoloResearchLab/hub/internal/publications"
	"github.com/MarcoPoloResearchLab/hub/internal/realtime"
	"github.com/MarcoPoloResearchLab/hub/internal/search"
	"github.com/MarcoPoloResearchLab/hub/internal/server"
	"github.com/MarcoPoloResearchLab/hub/internal/users"
	"github.com/MarcoPoloResearchLab/hub/internal/versions"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type application struct {
	handler http.Handler
	closers []func() error
	logger  *zap.Logger
}

// Close releases resources in reverse acquisition order.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{logger: logger}
	fail := func(err error) (*application, error) {
		app.Close()
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return fail(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, sqlDB.Close)

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return fail(err)
	}
	index, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return fail(err)
	}
	blobStore, err := blobs.NewStore(blobs.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return fail(err)
	}
	members, err := collaborators.NewRegistry(collaborators.RegistryConfig{Database: db, Users: userService, Logger: logger})
	if err != nil {
		return fail(err)
	}
	versionService, err := versions.NewService(versions.ServiceConfig{Database: db, Index: index, Blobs: blobStore, Logger: logger})
	if err != nil {
		return fail(err)
	}
	publicationService, err := publications.NewService(publications.ServiceConfig{Database: db, Index: index, Logger: logger})
	if err != nil {
		return fail(err)
	}

	searchIndex, err := search.Open(appConfig.SearchPath)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, searchIndex.Close)

	dispatcher := realtime.NewDispatcher()
	var notifier hubstore.Notifier = dispatcher
	var contentFactory content.Factory

	switch appConfig.ContentBackend {
	case config.ContentBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		app.closers = append(app.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(err)
		}
		contentFactory, err = content.NewRedisFactory(content.RedisFactoryConfig{
			Client:    client,
			Blobs:     blobStore,
			KeyPrefix: appConfig.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return fail(err)
		}
		bridge, err := realtime.NewRedisBridge(realtime.RedisBridgeConfig{
			Client: client,
			Local:  dispatcher,
			Logger: logger,
		})
		if err != nil {
			return fail(err)
		}
		notifier = bridge
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("realtime bridge stopped", zap.Error(err))
			}
		}()
	default:
		contentFactory, err = content.NewSQLFactory(content.SQLFactoryConfig{
			Database: db,
			Blobs:    blobStore,
			Logger:   logger,
		})
		if err != nil {
			return fail(err)
		}
	}

	engine, err := hubstore.NewEngine(hubstore.EngineConfig{
		Index:         index,
		Content:       contentFactory,
		Collaborators: members,
		Versions:      versionService,
		Publications:  publicationService,
		Blobs:         blobStore,
		Search:        searchIndex,
		Notifier:      notifier,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}
	if err := engine.Reindex(ctx); err != nil {
		logger.Warn("search reindex failed", zap.Error(err))
	}

	registry := dispatch.NewRegistry(logger)
	if err := api.Register(registry, api.Services{
		Engine:        engine,
		Index:         index,
		Collaborators: members,
		Versions:      versionService,
		Publications:  publicationService,
	}); err != nil {
		return fail(err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return fail(err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       registry,
		Sessions:       validator,
		Users:          userService,
		Realtime:       dispatcher,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return fail(err)
	}
	app.handler = handler
	return app, nil
}
