package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"venue/api/grpcserver"
	"venue/config"
	"venue/infra/kafka"
	"venue/infra/metrics"
	"venue/infra/sequence"
	"venue/infra/store"
	"venue/infra/store/pebblestore"
	"venue/infra/store/postgres"
	entrywal "venue/infra/wal/entry"
	"venue/jobs/broadcaster"
	"venue/service"
)

func main() {
	cfg, err := config.FromOS()
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---------------- Store ----------------

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	// ---------------- Journal ----------------

	journal, err := entrywal.Open(entrywal.Config{
		Dir:             cfg.JournalDir,
		SegmentSize:     cfg.SegmentSize,
		SegmentDuration: cfg.SegmentDuration,
		Sync:            cfg.JournalSync,
	}, sequence.New(0))
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warn("journal close failed", zap.Error(err))
		}
	}()

	// ---------------- Services + recovery ----------------

	orders := service.NewOrderService(st, journal, logger.Named("orders"), m)
	composites := service.NewCompositeService(orders, st, journal, logger.Named("composites"))
	if _, err := service.Recover(ctx, cfg.JournalDir, orders, composites); err != nil {
		return err
	}

	// ---------------- Background jobs ----------------

	jobs, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	orders.StartCheckpointJob(jobs, cfg.CheckpointInterval)

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	var bc *broadcaster.Broadcaster
	if publisher != nil {
		bc = broadcaster.New(st, publisher, broadcaster.Config{
			Interval:  cfg.FlushInterval,
			BatchSize: cfg.FlushBatchSize,
		}, logger.Named("broadcaster"), m)
		bc.Start(jobs)
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.UnaryLogger(logger.Named("grpc"))))
	hs := grpcserver.Register(grpcSrv, grpcserver.NewServer(orders, composites, logger.Named("grpc")))

	errc := make(chan error, 2)
	go func() { errc <- grpcSrv.Serve(lis) }()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	logger.Info("venue running",
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("store", cfg.Store),
		zap.String("publisher", cfg.Publisher))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		logger.Error("listener failed", zap.Error(err))
	}

	// ---------------- Shutdown ----------------

	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdown(grpcSrv, cfg.ShutdownTimeout)
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}

	cancelJobs()
	if bc != nil {
		// one last round for what the final commands produced
		fctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if _, err := bc.Flush(fctx); err != nil {
			logger.Warn("final flush failed", zap.Error(err))
		}
		cancel()
		if err := bc.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if err := orders.Checkpoint(context.Background()); err != nil {
		logger.Warn("final checkpoint failed", zap.Error(err))
	}
	return nil
}

// shutdown drains in-flight calls, forcing a stop after timeout.
func shutdown(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Store == "postgres" {
		return postgres.Open(ctx, cfg.PostgresURL)
	}
	return pebblestore.Open(cfg.DataDir)
}

func newPublisher(cfg config.Config) (broadcaster.Publisher, error) {
	switch cfg.Publisher {
	case "sarama":
		return kafka.NewSaramaProducer(cfg.Brokers, cfg.Topic)
	case "kafka-go":
		return kafka.NewProducer(cfg.Brokers, cfg.Topic), nil
	}
	return nil, nil
}
