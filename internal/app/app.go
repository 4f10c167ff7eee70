// Package app builds the service graph from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvcoi/ytdl-web/internal/catalog"
	"github.com/lvcoi/ytdl-web/internal/config"
	"github.com/lvcoi/ytdl-web/internal/gateway"
	"github.com/lvcoi/ytdl-web/internal/jobs"
	"github.com/lvcoi/ytdl-web/internal/transcode"
	"github.com/lvcoi/ytdl-web/internal/web"
	"github.com/lvcoi/ytdl-web/internal/ws"
)

const redisPingTimeout = 3 * time.Second

// App holds the wired components.
type App struct {
	Config  *config.Config
	Gateway gateway.Gateway
	Manager *jobs.Manager
	Hub     *ws.Hub

	logger *zap.Logger
	redis  *redis.Client
}

// New resolves the downloads folder and wires the gateway, the job manager
// and the websocket hub.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, err := cfg.ResolveDownloadsDir()
	if err != nil {
		return nil, err
	}
	logger.Info("downloads folder", zap.String("path", dir))

	a := &App{Config: cfg, logger: logger}
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.CacheEnabled() {
		gw = a.withCache(ctx, gw)
	}
	a.Gateway = gw
	a.Hub = ws.NewHub(logger.Named("ws"))
	a.Manager = jobs.New(jobs.Config{
		Gateway:    gw,
		Transcoder: transcode.New(logger.Named("transcode")),
		Notifier:   a.Hub,
		OutputDir:  dir,
		Logger:     logger.Named("jobs"),
	})
	return a, nil
}

func buildGateway(cfg *config.Config, logger *zap.Logger) (gateway.Gateway, error) {
	switch cfg.Gateway.Backend {
	case config.BackendYTDLP:
		return gateway.NewYTDLP(cfg.Gateway.BinaryPath, cfg.Gateway.Timeout(), logger.Named("ytdlp")), nil
	case config.BackendYouTube:
		return gateway.NewYouTube(cfg.Gateway.Timeout(), logger.Named("youtube")), nil
	}
	return nil, fmt.Errorf("unknown gateway backend %q", cfg.Gateway.Backend)
}

// withCache wraps gw with the Redis probe cache. An unreachable Redis is
// only a warning; the cache degrades to direct probes per call.
func (a *App) withCache(ctx context.Context, gw gateway.Gateway) gateway.Gateway {
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("redis unreachable, probes will not be cached until it recovers",
			zap.String("addr", a.Config.Redis.Addr), zap.Error(err))
	} else {
		a.logger.Info("connected to redis", zap.String("addr", a.Config.Redis.Addr))
	}
	store := gateway.NewRedisStore(a.redis, a.Config.Cache.Duration())
	return gateway.NewCached(gw, store, a.logger.Named("cache"))
}

// Serve runs the HTTP server and the websocket hub until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	server := web.NewServer(web.Config{
		Gateway:    a.Gateway,
		Manager:    a.Manager,
		Reconciler: catalog.Reconciler{},
		Live:       a.Hub,
		Logger:     a.logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, a.Config.Server.Addr)
	})
	return g.Wait()
}

// Close releases external connections.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
