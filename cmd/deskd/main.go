package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/api"
	"github.com/deskforge/deskd/internal/controller"
	"github.com/deskforge/deskd/internal/driver"
	natsclient "github.com/deskforge/deskd/internal/nats"
	"github.com/deskforge/deskd/internal/router"
	"github.com/deskforge/deskd/internal/storage"
)

func main() {
	httpAddr := flag.String("http-addr", ":8080", "lifecycle API listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	dbPath := flag.String("db", "./data/badger", "Badger DB path")
	natsURL := flag.String("nats", "", "NATS URL for lifecycle events (empty disables)")
	lanes := flag.Int("lanes", 8, "reconciliation worker lanes")
	sweep := flag.Duration("sweep-interval", 30*time.Second, "expiry sweep interval")
	retention := flag.Duration("retention", time.Hour, "terminal record retention before reaping")
	defaultImage := flag.String("default-image", "deskforge/desktop:latest", "desktop image when a create omits one")
	traceOut := flag.Bool("trace", false, "emit otel spans to stdout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *traceOut {
		exp, err := stdouttrace.New()
		if err != nil {
			logger.Fatal("trace exporter", zap.Error(err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	store, err := storage.NewBadgerStore(*dbPath, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	drv, err := driver.NewDockerDriver(logger)
	if err != nil {
		logger.Fatal("init docker driver", zap.Error(err))
	}

	var pub *natsclient.Publisher
	if *natsURL != "" {
		pub, err = natsclient.NewPublisher(*natsURL, logger)
		if err != nil {
			logger.Fatal("connect nats", zap.Error(err))
		}
		defer pub.Close()
	}

	cfg := controller.DefaultConfig()
	cfg.Lanes = *lanes
	cfg.SweepInterval = *sweep
	cfg.Retention = *retention

	var ctrlPub controller.Publisher
	var apiPub api.Publisher
	if pub != nil {
		ctrlPub = pub
		apiPub = pub
	}

	ctrl := controller.New(store, drv, ctrlPub, cfg, logger)
	rt := router.New(store, logger)

	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("controller stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("router stopped", zap.Error(err))
		}
	}()

	opts := api.DefaultOptions()
	opts.DefaultImage = *defaultImage
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHandler(store, rt, ctrl, apiPub, opts, logger),
	}
	go func() {
		logger.Info("lifecycle API listening", zap.String("addr", *httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{Addr: *metricsAddr}
	go func() {
		mux := http.NewServeMux()
		api.RegisterMetrics(mux)
		metricsServer.Handler = mux
		logger.Info("metrics listening", zap.String("addr", *metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
