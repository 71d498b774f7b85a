package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/crystalline/internal/api"
	"github.com/nidhogg/crystalline/internal/collective"
	"github.com/nidhogg/crystalline/internal/config"
	"github.com/nidhogg/crystalline/internal/embedding"
	"github.com/nidhogg/crystalline/internal/engine"
	"github.com/nidhogg/crystalline/internal/gateway"
	"github.com/nidhogg/crystalline/internal/graph"
	"github.com/nidhogg/crystalline/internal/store"
	"github.com/nidhogg/crystalline/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/crystalline.json"
	}
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting crystald...", zap.String("config", cfgPath))

	ctx := context.Background()
	var closers []func()
	checks := make(map[string]api.HealthCheck)

	// Essence storage
	var essences engine.Store
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := store.NewPG(ctx, cfg.Storage.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		essences = pg
		checks["postgres"] = pg.Ping
		closers = append(closers, pg.Close)
	default:
		fs, err := store.NewFileStore(cfg.Storage.Dir, logger)
		if err != nil {
			logger.Fatal("file store unavailable", zap.Error(err))
		}
		essences = fs
	}

	registry := engine.NewRegistry(essences, cfg.EngineOptions(), logger)
	handler := api.NewHandler(registry, logger)

	// Collective link and announcements
	gw := gateway.NewGateway(logger)
	if cfg.Collective.Enabled {
		link, err := newLink(ctx, cfg, logger, checks)
		if err != nil {
			logger.Fatal("collective link unavailable", zap.Error(err))
		}
		closers = append(closers, func() { link.Close() })

		if cfg.Gateway.Slack.Enabled {
			gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.Channel, logger))
		}
		if cfg.Gateway.Discord.Enabled {
			gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger))
		}
		if err := gw.ConnectAll(ctx); err != nil {
			logger.Warn("some gateway adapters failed to connect", zap.Error(err))
		}
		if len(gw.Adapters()) > 0 {
			broadcaster := gateway.NewBroadcaster(gw, logger)
			link.AddAnnouncer(broadcaster)
			handler.SetBroadcaster(broadcaster)
		}
		registry.SetLink(link)
	}

	// Graph projection
	if cfg.Graph.Neo4j.URI != "" {
		projector, err := graph.NewProjector(cfg.Graph.Neo4j.URI, cfg.Graph.Neo4j.User, cfg.Graph.Neo4j.Password, logger)
		if err == nil {
			err = projector.Ping(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without graph projection", zap.Error(err))
		} else {
			registry.AddProjector(projector)
			handler.SetGraph(projector)
			checks["neo4j"] = projector.Ping
			closers = append(closers, func() { projector.Close(context.Background()) })
		}
	}

	// Semantic index
	if cfg.Index.Qdrant.Host != "" {
		if index, client, err := newIndex(ctx, cfg, logger); err != nil {
			logger.Warn("Qdrant unavailable, running without semantic search", zap.Error(err))
		} else {
			registry.AddProjector(index)
			handler.SetIndex(index)
			checks["qdrant"] = client.Ping
			closers = append(closers, func() { client.Close() })
		}
	}

	for name, check := range checks {
		handler.AddHealthCheck(name, check)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("crystald listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down crystald...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := registry.Close(); err != nil {
		logger.Error("final essence flush failed", zap.Error(err))
	}
	gw.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func newLink(ctx context.Context, cfg *config.Config, logger *zap.Logger, checks map[string]api.HealthCheck) (*collective.Link, error) {
	hasher, err := newHasher(cfg, logger)
	if err != nil {
		return nil, err
	}

	var bank collective.Bank
	switch cfg.Collective.Backend {
	case "redis":
		rb, err := collective.NewRedisBank(ctx, cfg.Collective.Redis.URL, time.Duration(cfg.Collective.PartitionTTL), logger)
		if err != nil {
			return nil, err
		}
		checks["redis"] = rb.Ping
		bank = rb
	default:
		fb, err := collective.NewFileBank(cfg.Collective.Dir, logger)
		if err != nil {
			return nil, err
		}
		bank = fb
	}
	return collective.NewLink(bank, hasher, cfg.LinkConfig(), logger), nil
}

// newHasher prefers the configured secret. Without one the key is kept in
// the collective dir so an owner still recognizes its own entries after a
// restart.
func newHasher(cfg *config.Config, logger *zap.Logger) (*collective.Hasher, error) {
	if secret := cfg.Collective.ContributorSecret; secret != "" {
		h, _, err := collective.NewHasher(secret)
		return h, err
	}
	if cfg.Collective.Dir == "" {
		h, _, err := collective.NewHasher("")
		if err == nil {
			logger.Warn("collective.contributor_secret and collective.dir not set, contributor hashes will change on restart")
		}
		return h, err
	}
	path := filepath.Join(cfg.Collective.Dir, "contributor.key")
	h, created, err := collective.NewHasherFromFile(path)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("contributor key generated", zap.String("path", path))
	}
	if cfg.Collective.Backend == "redis" {
		logger.Warn("collective.contributor_secret not set, contributor key is local to this node", zap.String("path", path))
	}
	return h, nil
}

func newIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*vectorstore.Index, *vectorstore.Client, error) {
	embedder, err := embedding.New(cfg.Index.Embedding)
	if err != nil {
		return nil, nil, err
	}
	client, err := vectorstore.NewClient(cfg.Index.Qdrant)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return vectorstore.NewIndex(client, embedder, logger), client, nil
}
