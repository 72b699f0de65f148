package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/internal/repository"
	"github.com/matrix-org/sygnal/internal/routes"
	"github.com/matrix-org/sygnal/internal/services"
	"github.com/matrix-org/sygnal/pkg/logger"
	"github.com/matrix-org/sygnal/pkg/metrics"
)

const shutdownGrace = 30 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "config `filename` (defaults to $SYGNAL_CONF, then sygnal.yaml)")
	flag.Parse()

	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logr := logger.New(cfg.Log.Level, cfg.Log.Format)
	logr.Info("starting push gateway")
	cfg.WarnUnknownKeys(logr)

	metricsCollector := metrics.New()

	var cache *repository.RejectedPushkeyCache
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			logr.Error("invalid cache redis_url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		cache = repository.NewRejectedPushkeyCache(rdb, cfg.Cache.TTL())
		defer cache.Close()
	}

	registry, err := services.BuildRegistry(cfg, logr, metricsCollector)
	if err != nil {
		logr.Error("cannot set up pushkins", slog.Any("error", err))
		os.Exit(1)
	}

	dispatcher := services.NewDispatcher(registry, cache, logr, metricsCollector)
	apiHandler := routes.NewRouter(dispatcher, logr, metricsCollector, cfg.HTTP.MaxBodySize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []*http.Server
	for _, address := range cfg.HTTP.BindAddresses {
		servers = append(servers, serve(net.JoinHostPort(address, fmt.Sprint(cfg.HTTP.Port)), apiHandler, logr))
	}
	if cfg.Metrics.Address != "" {
		servers = append(servers, serve(cfg.Metrics.Address, metricsCollector.Handler(), logr))
	}

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logr.Error("failed to shut down http server", slog.Any("error", err))
			}
		}(srv)
	}
	wg.Wait()
	registry.Shutdown(shutdownCtx)
	logr.Info("push gateway stopped")
}

// serve starts one HTTP listener. A bind failure is fatal: a gateway that
// cannot accept notifications has no reason to stay up.
func serve(address string, handler http.Handler, logr *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:        address,
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logr.Error("cannot bind", slog.String("address", address), slog.Any("error", err))
		os.Exit(1)
	}
	logr.Info("listening", slog.String("address", address))
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("http server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()
	return srv
}
