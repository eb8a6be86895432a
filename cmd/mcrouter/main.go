// Command mcrouter runs the routing broker: processes connect to it so their
// public services can reach each other.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"mini-broker/codec"
	"mini-broker/config"
	"mini-broker/discovery"
	"mini-broker/logging"
	"mini-broker/metrics"
	"mini-broker/middleware"
	"mini-broker/router"
)

const shutdownTimeout = 5 * time.Second

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("").String()
	routerAddress = kingpin.Flag("listen-address", "Address the broker listens on for processes.").Default("").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for telemetry.").Default("").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("").String()
)

func main() {
	kingpin.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// flags win over the file
	if *routerAddress != "" {
		cfg.Router.Address = *routerAddress
		cfg.Router.AdvertiseAddress = *routerAddress
	}
	if *listenAddress != "" {
		cfg.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Metrics.Path = *telemetryPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("broker exited", zap.Error(err))
	}
	logger.Info("broker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	name := cfg.Router.Name
	if name == "" {
		name = "mcrouter-" + uuid.NewString()[:8]
	}
	codecType, err := codec.ParseCodecType(cfg.Router.Codec)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rm, err := metrics.NewRouterMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []router.Option{
		router.WithLogger(logger),
		router.WithMetrics(rm),
		router.WithName(name),
		router.WithCodec(codecType),
		router.WithIdleTimeout(cfg.GetIdleTimeout()),
		router.WithWriteTimeout(cfg.GetWriteTimeout()),
		router.WithBacklog(cfg.Limits.Backlog),
	}
	var disc discovery.Registry
	if len(cfg.Discovery.Endpoints) > 0 {
		etcd, err := discovery.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.GetDialTimeout(), logger)
		if err != nil {
			return err
		}
		disc = etcd
		opts = append(opts, router.WithDiscovery(disc, cfg.Discovery.Service, cfg.Router.AdvertiseAddress, cfg.Discovery.TTLSeconds))
	}

	srv := router.NewServer(opts...)
	srv.Use(middleware.MetricsMiddleware(rm))
	srv.Use(middleware.LoggingMiddleware(logger))
	srv.Use(middleware.RateLimitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst))
	srv.Use(middleware.TimeOutMiddleware(cfg.GetHandlerTimeout()))

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	web := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("starting broker",
		zap.String("name", name),
		zap.String("address", cfg.Router.Address),
		zap.Stringer("codec", codecType),
		zap.String("metrics", cfg.Metrics.ListenAddress+cfg.Metrics.Path))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe("tcp", cfg.Router.Address)
	})
	g.Go(func() error {
		if err := web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var err error
		err = multierr.Append(err, srv.Shutdown(shutdownTimeout))
		err = multierr.Append(err, web.Shutdown(sctx))
		if disc != nil {
			err = multierr.Append(err, disc.Close())
		}
		return err
	})
	return g.Wait()
}
