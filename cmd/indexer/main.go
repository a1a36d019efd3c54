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
	"github.com/jamie-anson/project-beacon-runner/internal/cache"
	"github.com/jamie-anson/project-beacon-runner/internal/config"
	"github.com/jamie-anson/project-beacon-runner/internal/db"
	"github.com/jamie-anson/project-beacon-runner/internal/ingest"
	internalledger "github.com/jamie-anson/project-beacon-runner/internal/ledger"
	"github.com/jamie-anson/project-beacon-runner/internal/ledgersim"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/metrics"
	"github.com/jamie-anson/project-beacon-runner/internal/rootprover"
	"github.com/jamie-anson/project-beacon-runner/internal/store"
	"github.com/jamie-anson/project-beacon-runner/internal/treebuilder"
	"github.com/jamie-anson/project-beacon-runner/pkg/ivc"
	"github.com/jamie-anson/project-beacon-runner/pkg/merkle"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
)

// rootProverCircuit is the circuit tag the root prover compiles and submits
// under; distinct from the decider worker pool's per-job circuit set.
const rootProverCircuit = "root"

func main() {
	logger := logging.Init()
	logger.Info().Msg("logger initialized")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	tp, tpClose := initOpenTelemetry(context.Background(), "project-beacon-indexer")
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

	specs, err := config.LoadTokens(cfg.TokensFilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load tokens file")
	}

	tokensRepo := store.NewTokensRepo(database.DB)
	eventsRepo := store.NewEventsRepo(database.DB)
	rootRepo := store.NewRootProverRepo(database.DB)

	hasher := ivc.PoseidonHash{}
	ledgerClient := internalledger.New(ledgersim.New())

	var ingestTokens []ingest.TokenContext
	var treeTokens []treebuilder.TokenJob
	var rootTokens []rootprover.TokenJob
	var apiTokens []api.TokenResources

	ctx := context.Background()
	for _, spec := range specs {
		id, err := tokensRepo.Upsert(ctx, models.Token{
			TokenAddress:    spec.TokenAddress,
			VerifierAddress: spec.VerifierAddress,
			ChainID:         spec.ChainID,
			Label:           spec.Label,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("token", spec.String()).Msg("failed to register token")
		}

		token := models.Token{
			ID:              id,
			TokenAddress:    spec.TokenAddress,
			VerifierAddress: spec.VerifierAddress,
			ChainID:         spec.ChainID,
			Label:           spec.Label,
		}

		tree, err := merkle.New(database.DB, id, cfg.TreeHeight, hasher, cfg.TreeHistoryWindow)
		if err != nil {
			logger.Fatal().Err(err).Str("token", spec.String()).Msg("failed to build merkle engine")
		}

		ingestTokens = append(ingestTokens, ingest.TokenContext{
			Token:               token,
			DeployedBlockNumber: spec.DeployedBlockNumber,
		})
		treeTokens = append(treeTokens, treebuilder.TokenJob{
			Token: token,
			Tree:  tree,
		})
		rootTokens = append(rootTokens, rootprover.TokenJob{
			Token:   token,
			Tree:    tree,
			Folding: ivc.FakeFoldingScheme{Hasher: hasher},
			Decider: ivc.FakeDeciderScheme{},
			Circuit: rootProverCircuit,
		})
		apiTokens = append(apiTokens, api.TokenResources{Token: token, Tree: tree})

		logger.Info().Str("token", spec.String()).Int64("id", id).Msg("token registered")
	}

	ingestJob := &ingest.Job{
		DB:     database.DB,
		Events: eventsRepo,
		Ledger: ledgerClient,
		Cfg: ingest.Config{
			BlockSpan:          cfg.EventBlockSpan,
			ForwardScanOverlap: cfg.EventForwardScanOverlap,
		},
	}
	treeJob := &treebuilder.Job{
		DB:     database.DB,
		Events: eventsRepo,
		Cfg: treebuilder.Config{
			BatchSize: cfg.TreeBatchSize,
		},
	}
	rootJob := &rootprover.Job{
		DB:     database.DB,
		Repo:   rootRepo,
		Events: eventsRepo,
		Ledger: ledgerClient,
		Cfg: rootprover.Config{
			HistoryWindow:      cfg.RootHistoryWindow,
			ProverTimeout:      30 * time.Second,
			ProverPollInterval: time.Second,
			SubmitEnabled:      !cfg.IsSync,
		},
	}

	var respCache cache.Cache
	if rc, err := cache.NewRedisCacheFromEnv("indexer:"); err != nil {
		logger.Warn().Err(err).Msg("redis cache unavailable, continuing without response caching")
	} else {
		respCache = rc
	}

	indexerAPI := api.NewIndexerAPI(apiTokens, eventsRepo, rootRepo, ledgerClient, respCache)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go runPeriodically(workerCtx, cfg.EventInterval, func(ctx context.Context) {
		ingestJob.RunCycle(ctx, ingestTokens)
	})
	go runPeriodically(workerCtx, cfg.TreeInterval, func(ctx context.Context) {
		treeJob.RunCycle(ctx, treeTokens)
	})
	go runPeriodically(workerCtx, cfg.RootInterval, func(ctx context.Context) {
		rootJob.RunCycle(ctx, rootTokens, true, false)
	})
	go runPeriodically(workerCtx, cfg.RootSubmitInterval, func(ctx context.Context) {
		rootJob.RunCycle(ctx, rootTokens, false, true)
	})

	r := indexerAPI.Router(30 * time.Second)
	r.Use(otelgin.Middleware("indexer-http"))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("indexer API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("indexer API server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down indexer...")

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("indexer API forced to shutdown")
	}
	logger.Info().Msg("indexer exited")
}

// runPeriodically invokes fn once immediately and then every interval until
// ctx is cancelled, matching the polling cadence the ingest/root prover jobs
// are designed around rather than an event-driven trigger.
func runPeriodically(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
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

