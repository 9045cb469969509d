package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/admin"
	"github.com/tdworkflow/fixsession/internal/config"
	"github.com/tdworkflow/fixsession/internal/runner"
	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/pkg/bridge"
	"github.com/tdworkflow/fixsession/pkg/middleware"
)

var (
	configPath = flag.String("config", getEnv("FIXSESSION_CONFIG", "fixsession.yaml"), "configuration file")
	echoMode   = flag.Bool("echo", false, "answer every inbound order with an execution report")
	devMode    = flag.Bool("dev", false, "human-readable log output")
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() *zap.Logger {
	if *devMode {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func newStoreFactory(cfg *config.Config, log *zap.Logger) (store.Factory, error) {
	if cfg.Store.Backend == "badger" {
		return store.OpenBadger(cfg.Store.Dir, log)
	}
	return store.NewMemoryFactory(), nil
}

func main() {
	flag.Parse()
	godotenv.Load()

	log := newLogger()
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading configuration failed", zap.Error(err))
	}

	stores, err := newStoreFactory(cfg, log)
	if err != nil {
		log.Fatal("opening message store failed", zap.Error(err))
	}
	defer stores.Close()

	registry := session.NewRegistry(log)

	var app session.Application = newLoggingApp(log)
	if *echoMode {
		app = newEchoApp(registry, log)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaApp, err := bridge.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, app, log)
		if err != nil {
			log.Fatal("connecting to kafka failed", zap.Error(err))
		}
		defer kafkaApp.Close()
		app = kafkaApp
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := runner.New(cfg.ListenAddr, cfg.Sessions, stores, registry, app, nil, log)
	if err := run.Start(); err != nil {
		log.Fatal("binding acceptor failed", zap.Error(err))
	}

	errCh := make(chan error, 3)
	go func() { errCh <- run.Run(ctx) }()

	servers := make([]*http.Server, 0, 2)
	if cfg.AdminAddr != "" {
		var middlewares []gin.HandlerFunc
		if cfg.AdminUser != "" && cfg.AdminPass != "" {
			middlewares = append(middlewares, middleware.BasicAuth(cfg.AdminUser, cfg.AdminPass))
		}
		srv := &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: admin.NewRouter(registry, stores, log, middlewares...),
		}
		servers = append(servers, srv)
		go func() {
			log.Info("admin api listening", zap.String("address", cfg.AdminAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		servers = append(servers, srv)
		go func() {
			log.Info("metrics listening", zap.String("address", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("component failed", zap.Error(err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown failed", zap.Error(err))
		}
	}
	log.Info("goodbye")
}
