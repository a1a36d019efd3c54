package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/jamie-anson/project-beacon-runner/internal/api"
	"github.com/jamie-anson/project-beacon-runner/internal/config"
	"github.com/jamie-anson/project-beacon-runner/internal/db"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/internal/queue"
	"github.com/jamie-anson/project-beacon-runner/internal/worker"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
)

func main() {
	logger := logging.Init()
	logger.Info().Msg("logger initialized")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	tp, tpClose := initOpenTelemetry(context.Background(), "project-beacon-prover")
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
			if tpClose != nil {
				tpClose()
			}
		}()
		logger.Info().Msg("OpenTelemetry initialized")
	}

	database, err := db.Initialize(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = database.Close() }()

	queueClient := queue.New(database.DB, cfg.QueueName, cfg.JobTable, cfg.VisibilityTimeout, cfg.VisibilityExtension)

	hasher := ivc.PoseidonHash{}
	circuits := make(map[string]worker.CircuitEngine, len(cfg.EnabledCircuits))
	enabledCircuits := make(map[string]bool, len(cfg.EnabledCircuits))
	for _, circuit := range cfg.EnabledCircuits {
		circuits[circuit] = worker.CircuitEngine{
			Folding: ivc.FakeFoldingScheme{Hasher: hasher},
			Decider: ivc.FakeDeciderScheme{},
		}
		enabledCircuits[circuit] = true
	}

	pool := &worker.Pool{
		Queue:    queueClient,
		Circuits: circuits,
		JobTTL:   cfg.JobTTL,
		Count:    cfg.WorkerCount,
	}

	proverAPI := api.NewProverAPI(queueClient, enabledCircuits, cfg.JobTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go pool.Run(workerCtx)

	r := proverAPI.Router(30 * time.Second)
	r.Use(otelgin.Middleware("prover-http"))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("decider prover API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("decider prover API server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down prover...")

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("decider prover API forced to shutdown")
	}
	logger.Info().Msg("prover exited")
}

func initOpenTelemetry(ctx context.Context, serviceName string) (*trace.TracerProvider, func()) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		return nil, nil
	}

	insecure := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, nil
	}

	resEnv, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	res, _ := resource.Merge(resource.Default(), resEnv)

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, func() {}
}
