package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chatdispatch/dispatcher/internal/admin"
	"github.com/chatdispatch/dispatcher/internal/assignment"
	"github.com/chatdispatch/dispatcher/internal/auth"
	"github.com/chatdispatch/dispatcher/internal/cache"
	"github.com/chatdispatch/dispatcher/internal/config"
	"github.com/chatdispatch/dispatcher/internal/gateway"
	"github.com/chatdispatch/dispatcher/internal/lifecycle"
	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/reconcile"
	"github.com/chatdispatch/dispatcher/internal/registry"
	"github.com/chatdispatch/dispatcher/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("info", false)
		logger.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Initialize(cfg.LogLevel, cfg.Pretty)
	log := logger.Log

	log.Info().Msg("connecting to database")
	st, err := store.New(store.Config{DSN: cfg.DatabaseURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	cancelMigrate()

	log.Info().Msg("connecting to redis")
	redisCache, err := cache.NewCache(cache.Config{
		Host:    cfg.RedisHost,
		Port:    strconv.Itoa(cfg.RedisPort),
		DB:      cfg.RedisDB,
		Enabled: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, continuing without the KV mirror")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	reg := registry.New(cfg.HeartbeatTTL)
	reg.SetMirror(redisCache)
	engine := assignment.New(reg, st)

	verifier := auth.New(cfg.TokenSigningSecret, cfg.TokenTTL, func(ctx context.Context, agentID int64) (bool, bool, error) {
		agent, err := st.GetAgent(ctx, agentID)
		if err != nil {
			return false, false, err
		}
		if agent == nil {
			return false, false, nil
		}
		return agent.Enabled, true, nil
	})

	// Gateway and LifecycleManager need each other (Gateway dispatches inbound
	// frames to LifecycleManager; LifecycleManager pushes outbound frames via
	// Gateway). Build Gateway first as a Pusher, then bind it in.
	gw := gateway.New(reg, verifier, nil, st)
	lifecycleMgr := lifecycle.New(st, reg, engine, gw)
	gw.SetLifecycle(lifecycleMgr)

	runner := reconcile.New(reg, st, lifecycleMgr, engine, cfg)
	runner.Start()
	defer runner.Stop()

	adminServer := admin.New(st, verifier, lifecycleMgr, admin.Options{
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPM: cfg.RateLimitRPM,
		RateLimitOn:  cfg.RateLimitOn,
	})
	adminServer.Engine().GET("/ws", gw.HandleConnection)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           adminServer.Engine(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("dispatcher listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
	}
}
