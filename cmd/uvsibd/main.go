// Command uvsibd runs the materials-discovery pipeline coordinator: it loads
// configuration, opens the record and artifact stores, starts the intake
// controller, optionally consumes a JSON file of submission requests, and
// serves Prometheus metrics until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hmhoseini/uvsib/internal/config"
	"github.com/hmhoseini/uvsib/internal/core"
	"github.com/hmhoseini/uvsib/internal/infra/blob"
	blobcore "github.com/hmhoseini/uvsib/internal/infra/blob/core"
	"github.com/hmhoseini/uvsib/internal/intake"
	"github.com/hmhoseini/uvsib/internal/logging"
	"github.com/hmhoseini/uvsib/internal/pipeline"
	"github.com/hmhoseini/uvsib/internal/pipeline/localexec"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	requestFile := flag.String("requests", "", "JSON file of submission requests to enqueue at startup")
	flag.Parse()

	if err := run(*configPath, *requestFile); err != nil {
		fmt.Fprintf(os.Stderr, "uvsibd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, requestFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := core.NewRulesEngine()
	store, closeStore, err := openStore(cfg, engine)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := blob.Open(ctx, blob.Options{
		Driver:          blobcore.Driver(cfg.Blob.Driver),
		Root:            cfg.Blob.Root,
		Region:          cfg.Blob.S3.Region,
		Bucket:          cfg.Blob.S3.Bucket,
		Endpoint:        cfg.Blob.S3.Endpoint,
		AccessKeyID:     cfg.Blob.S3.AccessKeyID,
		SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
		SessionToken:    cfg.Blob.S3.SessionToken,
		PathStyle:       cfg.Blob.S3.PathStyle,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	var (
		storeMetrics    core.MetricsRecorder
		pipelineMetrics *pipeline.Metrics
	)
	if cfg.Metrics.Enabled {
		rec, err := core.NewPrometheusMetricsRecorder(nil)
		if err != nil {
			return fmt.Errorf("register store metrics: %w", err)
		}
		storeMetrics = rec
		pipelineMetrics, err = pipeline.NewMetrics(nil)
		if err != nil {
			return fmt.Errorf("register pipeline metrics: %w", err)
		}
	}

	opts := []core.ServiceOption{core.WithLogger(logger)}
	if storeMetrics != nil {
		opts = append(opts, core.WithMetricsRecorder(storeMetrics))
	}
	service := core.NewService(store, opts...)

	executor := localexec.New()
	registerPlaceholderRunners(executor)

	controller := pipeline.NewController(executor, logger, pipelineMetrics, cfg.Pipeline.FailureRatio, cfg.Pipeline.PollInterval())
	env := &pipeline.Env{
		Service:    service,
		Controller: controller,
		Blobs:      blobs,
		Logger:     logger,
		Config:     cfg.Pipeline,
	}
	orchestrator := pipeline.NewOrchestrator(env, pipelineMetrics)

	intakeController := intake.NewController(service, orchestrator, logger, cfg.Intake.MaxConcurrent)
	intakeController.Start()

	if requestFile == "" {
		requestFile = cfg.Intake.RequestFile
	}
	if requestFile != "" {
		if err := enqueueRequestFile(ctx, intakeController, requestFile); err != nil {
			logger.Error("failed to enqueue request file", "path", requestFile, "error", err)
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := intakeController.Stop(shutdownCtx); err != nil {
		logger.Warn("intake shutdown timed out", "error", err)
	}
	return nil
}

func openStore(cfg *config.Config, engine *core.RulesEngine) (core.PersistentStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return core.NewInMemoryService(engine).Store(), func() {}, nil
	case "sqlite":
		store, err := core.NewSQLiteStore(cfg.Store.Path, engine)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := core.NewPostgresStore(cfg.Store.DSN, engine)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// enqueueRequestFile reads a JSON array of submission requests and hands it
// to the intake controller, fire-and-forget.
func enqueueRequestFile(ctx context.Context, controller *intake.Controller, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var requests []domain.SubmissionRequest
	if err := json.Unmarshal(raw, &requests); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return controller.Submit(ctx, requests)
}

// registerPlaceholderRunners installs job runners that reject execution with
// a clear error. Embedders replace these with hooks into their solver
// infrastructure; the daemon itself does not compute physical quantities.
func registerPlaceholderRunners(executor *localexec.Executor) {
	kinds := []pipeline.JobKind{
		pipeline.JobCSPSampling,
		pipeline.JobSubsystemGeneration,
		pipeline.JobMLRelaxation,
		pipeline.JobMinimaHopping,
		pipeline.JobVerification,
		pipeline.JobBandAlignment,
		pipeline.JobSurfaceBuild,
		pipeline.JobAdsorbateScreen,
	}
	for _, kind := range kinds {
		k := kind
		executor.Register(k, func(context.Context, pipeline.JobSpec) (pipeline.Artifacts, error) {
			return pipeline.Artifacts{}, fmt.Errorf("no solver hook registered for %s", k)
		})
	}
}
