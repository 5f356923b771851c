package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"callrelay/internal/api"
	"callrelay/internal/api/handlers"
	"callrelay/internal/api/middleware"
	"callrelay/internal/engine/dedup"
	"callrelay/internal/engine/directory"
	"callrelay/internal/engine/relay"
	"callrelay/internal/engine/webhooks"
	"callrelay/internal/pkg/logger"
	"callrelay/internal/platform/auth"
	"callrelay/internal/platform/config"
	"callrelay/internal/platform/database"
	platformredis "callrelay/internal/platform/redis"
	"callrelay/internal/platform/repositories"
	"callrelay/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	issueToken := flag.String("issue-token", "", "Print a control-surface token for this subject and exit")
	notifyChange := flag.String("notify-change", "", "Publish a webhook change notification for this tenant id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Logging)

	tokenSvc := auth.NewTokenService(cfg.JWT)
	if *issueToken != "" {
		token, err := tokenSvc.GenerateControlToken(*issueToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}
	if *notifyChange != "" {
		if err := publishChange(cfg.Redis, *notifyChange); err != nil {
			log.Fatal().Err(err).Msg("failed to publish change notification")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to connect to database")
	}
	defer db.Close()

	// Repositories
	tenantRepo := repositories.NewTenantRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	executionRepo := repositories.NewExecutionRepository(db)

	// Engine
	clock := clockwork.NewRealClock()
	dir := directory.New(webhookRepo, cfg.Directory.TTL, clock)
	dedupCache := dedup.NewCache(dedup.Options{
		Window:        cfg.Dedup.Window,
		MaxEntries:    cfg.Dedup.MaxEntries,
		PayloadPrefix: cfg.Dedup.PayloadPrefix,
		Clock:         clock,
	})
	pruner := workers.NewPruner(executionRepo, cfg.Retention.KeepPerTenant, cfg.Retention.Debounce, clock)
	recorder := webhooks.NewRecorder(executionRepo, pruner, cfg.Delivery.SuccessSampleRate)
	dispatcher := webhooks.NewDispatcher(dir, dedupCache, recorder, webhooks.Options{
		Timeout:          cfg.Delivery.Timeout,
		UserAgent:        cfg.Delivery.UserAgent,
		MaxResponseChars: cfg.Delivery.MaxResponseChars,
		SigningSecret:    cfg.Delivery.SigningSecret,
		RecheckCooldown:  cfg.Delivery.RecheckCooldown,
		Clock:            clock,
	})

	relayOpts := relay.OptionsFromConfig(cfg.Upstream, cfg.Queue)
	relayOpts.Clock = clock
	upstream := relay.NewWebsocketUpstream(cfg.Upstream.Clusters, cfg.Upstream.DefaultCluster)
	manager := relay.NewManager(tenantRepo, dir, dispatcher, upstream, relayOpts)

	recheck := func(ctx context.Context, tenantID string) {
		if _, err := manager.CheckTenant(ctx, tenantID); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("tenant re-check failed")
		}
	}
	dispatcher.OnNoWebhooks(recheck)

	supervisorOpts := workers.OptionsFromConfig(cfg.Supervisor, cfg.Queue)
	supervisorOpts.Clock = clock
	supervisor := workers.NewSupervisor(manager, dir, dedupCache, supervisorOpts)

	// Change notifications
	if cfg.Redis.URL != "" {
		rdb, err := platformredis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, webhook changes arrive only through the control surface")
		} else {
			defer rdb.Close()
			go directory.NewSubscriber(rdb, cfg.Redis.InvalidationChannel, dir, recheck).Run(ctx)
		}
	}

	supervisor.Start(ctx)

	go func() {
		summary, err := manager.ReconnectAll(ctx, false)
		if err != nil {
			log.Error().Err(err).Msg("initial connect failed")
			return
		}
		log.Info().Int("tenants", summary.Attempted).Int("connected", summary.Connected).
			Int("failed", summary.Failed).Msg("initial connect finished")
	}()

	// HTTP control surface
	deps := &api.Dependencies{
		HealthHandler:    handlers.NewHealthHandler(supervisor, manager),
		RelayHandler:     handlers.NewRelayHandler(manager),
		CacheHandler:     handlers.NewCacheHandler(dir, dedupCache),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokenSvc),
		TenantMiddleware: middleware.NewTenantMiddleware(tenantRepo),
		RequestTimeout:   cfg.Server.RequestTimeout,
		OnPanic:          supervisor.EmergencyCleanup,
	}
	if !tokenSvc.Enabled() {
		log.Warn().Msg("jwt.secret not set, control surface is unauthenticated")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay control surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	supervisor.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relay shutdown did not finish in time")
	}
	pruner.Stop()

	log.Info().Msg("relay stopped")
}

func publishChange(cfg config.RedisConfig, tenantID string) error {
	if cfg.URL == "" {
		return errors.New("redis.url is not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := platformredis.Connect(ctx, cfg.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	return directory.Publish(ctx, rdb, cfg.InvalidationChannel, tenantID)
}
