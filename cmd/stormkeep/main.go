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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormkeep/internal/admission"
	"github.com/skywalker-88/stormkeep/internal/bans"
	"github.com/skywalker-88/stormkeep/internal/counter"
	"github.com/skywalker-88/stormkeep/internal/geo"
	"github.com/skywalker-88/stormkeep/internal/httpserver"
	"github.com/skywalker-88/stormkeep/internal/janitor"
	"github.com/skywalker-88/stormkeep/internal/keys"
	"github.com/skywalker-88/stormkeep/internal/reputation"
	"github.com/skywalker-88/stormkeep/internal/reputation/providers"
	"github.com/skywalker-88/stormkeep/internal/requestlog"
	"github.com/skywalker-88/stormkeep/internal/store"
	"github.com/skywalker-88/stormkeep/internal/torlist"
	"github.com/skywalker-88/stormkeep/pkg/config"
)

func main() {
	// ------- Logging setup -------
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(config.MustEnv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// ---- Load config ----
	cfgPath := config.MustEnv("STORMKEEP_CONFIG", "configs/stormkeep.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Warn().Err(err).Str("config", cfgPath).Msg("config not loaded; using defaults")
		cfg = config.Defaults()
	}

	// ---- Open store, bootstrap schema, seed ----
	db, err := store.Open(config.MustEnv("STORMKEEP_DB", cfg.Database.Path))
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Bootstrap(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap")
	}

	repStore := reputation.NewStore(db)
	if err := repStore.SeedASNs(ctx); err != nil {
		log.Fatal().Err(err).Msg("seed ASN table")
	}

	geoReg := geo.NewRegistry(db)
	if err := geoReg.Seed(ctx, cfg.Geo.Enabled, cfg.Geo.BlockedCountries); err != nil {
		log.Fatal().Err(err).Msg("seed geo settings")
	}
	cancel()

	// ---- Counter backend: SQL by default, Redis when configured ----
	var counters counter.Store
	sqlCounters := counter.NewSQLStore(db)
	counters = sqlCounters
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis not reachable yet")
		}
		pingCancel()
		counters = counter.NewRedisStore(rdb)
	}

	// ---- Registries, engine, pipeline ----
	banReg := bans.NewRegistry(db, time.Duration(cfg.Abuse.AutobanSeconds)*time.Second)
	keyReg := keys.NewRegistry(db, cfg.Default.Limit, cfg.Default.WindowSeconds)
	logs := requestlog.NewLog(db).WithActiveCounts(banReg.CountActive, keyReg.CountActive)

	provClient := providers.NewClient(time.Duration(cfg.Reputation.Providers.TimeoutMs) * time.Millisecond)
	freeASN := providers.NewFreeASN(provClient)
	chain := providers.Registry(
		providers.NewIPInfo(provClient, cfg.Reputation.Providers.IPInfoToken),
		providers.NewAbuseIPDB(provClient, cfg.Reputation.Providers.AbuseIPDBKey),
	)
	engine := reputation.NewEngine(repStore, freeASN, chain, reputation.EngineConfig{
		TorEnabled: cfg.Reputation.Tor.Enabled,
		IPTTL:      time.Duration(cfg.Reputation.IPTTLSeconds) * time.Second,
	})

	pipeline := admission.NewPipeline(counters, banReg, keyReg, logs, geoReg, cfg)

	// ---- Background workers ----
	updater := torlist.NewUpdater(repStore,
		cfg.Reputation.Tor.URL,
		time.Duration(cfg.Reputation.Tor.IntervalSeconds)*time.Second,
		time.Duration(cfg.Reputation.Tor.FetchTimeoutSeconds)*time.Second)
	if cfg.Reputation.Tor.Enabled {
		updater.Start(cfg.Reputation.Tor.FetchOnStart)
	}

	sweeper := janitor.New(time.Duration(cfg.JanitorSeconds)*time.Second,
		janitor.Task{Name: "counters", Run: sqlCounters.Cleanup},
		janitor.Task{Name: "bans", Run: banReg.Cleanup},
		janitor.Task{Name: "request_log", Run: func(ctx context.Context) (int64, error) {
			return logs.Cleanup(ctx, cfg.LogRetentionDays)
		}},
		janitor.Task{Name: "reputation", Run: repStore.Cleanup},
	)
	sweeper.Start()

	// ---- Router + server ----
	router := httpserver.NewRouter(httpserver.Deps{
		DB:         db,
		Pipeline:   pipeline,
		Engine:     engine,
		Reputation: repStore,
		Bans:       banReg,
		Keys:       keyReg,
		Geo:        geoReg,
		Logs:       logs,
		AdminToken: config.MustEnv("STORMKEEP_ADMIN_TOKEN", cfg.Server.AdminToken),
	})

	addr := config.MustEnv("STORMKEEP_HTTP_ADDR", cfg.Server.Addr)
	log.Info().
		Str("addr", addr).
		Str("db", cfg.Database.Path).
		Bool("redis_counters", rdb != nil).
		Bool("tor_updater", cfg.Reputation.Tor.Enabled).
		Str("log_level", zerolog.GlobalLevel().String()).
		Msg("stormkeep starting")

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	// ---- Graceful shutdown: drain, stop HTTP, stop workers, close store ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	httpserver.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	}

	if cfg.Reputation.Tor.Enabled {
		updater.Stop() // in-flight fetch runs to completion
	}
	sweeper.Stop()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	log.Info().Msg("stormkeep exited")
}
