package main

import (
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pagescribe/internal/app"
	"pagescribe/internal/config"
	"pagescribe/internal/identity"
	"pagescribe/internal/ratelimit"
	"pagescribe/internal/server"
	"pagescribe/internal/util"
	"pagescribe/pkg/docstore"
	"pagescribe/pkg/events"
	"pagescribe/pkg/ledger"
	"pagescribe/pkg/stats"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to init document store: %v", err)
	}

	tokenVerifier, err := identity.NewVerifier(identity.Config{
		Secret:   cfg.AuthTokenSecret,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	pages := ledger.NewPages(store, nil)
	users := ledger.NewUsers(store, nil)
	statsCache := stats.NewCache(pages, users, time.Duration(cfg.StatsTTLSeconds)*time.Second, cfg.StatsConcurrency, nil)

	var publisher events.Publisher = events.NopPublisher{}
	var redisEvents *events.RedisPublisher
	if cfg.EventsStream != "" {
		redisEvents, err = events.NewRedisPublisher(events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventsStream,
			MaxLen:   cfg.EventsMaxLen,
		})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = redisEvents
	}

	var claimLimiter *ratelimit.FixedWindowLimiter
	if cfg.ClaimRateLimitPerMinute > 0 {
		claimLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr,
			cfg.RedisPassword,
			"pagescribe:claims",
			cfg.ClaimRateLimitPerMinute,
			time.Minute,
		)
		if err != nil {
			log.Fatalf("failed to init claim rate limiter: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Pages:        pages,
		Users:        users,
		Stats:        statsCache,
		Events:       publisher,
		ClaimLimiter: claimLimiter,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Events:        redisEvents,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("pagescribe server listening", "addr", addr, "backend", cfg.StorageBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func buildStore(cfg config.FileConfig) (docstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case config.BackendMinio:
		return docstore.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	case config.BackendPostgres:
		return docstore.NewGormStore(cfg.DatabaseURL)
	default:
		return docstore.NewMemoryStore(), nil
	}
}
