package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/config"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/httpserver"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/inference"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/orchestrator"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/pgdb"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/profile"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/transform"
)

// main boots the service: config → shared state → transforms → dispatcher →
// HTTP server. With DB_URL set, counters and objects live in Postgres so
// many replicas share one admission gate; without it, everything runs
// in-process.
func main() {
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelInfo)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(ctx, "load config", slog.Error(err))
	}

	clock := quartz.NewReal()
	notifier := objstore.NewNotifier(1024)
	notifier.Logger = logger.Named("notifier")
	limits := admission.Limits{
		MaxConcurrent:        cfg.MaxConcurrent,
		MaxConcurrentPerUser: cfg.MaxConcurrentPerUser,
	}

	var (
		store      objstore.Store
		controller admission.Controller
		mergeLog   profile.MergeLog
		userLock   profile.UserLock
		failures   transform.FailureLog
		pool       *pgxpool.Pool
	)
	if cfg.DBURL != "" {
		pool, err = pgdb.NewPool(cfg.DBURL)
		if err != nil {
			logger.Fatal(ctx, "connect to database", slog.Error(err))
		}
		defer pool.Close()

		// Ensure required tables exist so `docker compose up --build` is enough.
		if err := pgdb.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal(ctx, "ensure schema", slog.Error(err))
		}

		store = objstore.NewPostgres(pool, notifier)
		controller = admission.NewPostgres(pool, limits, clock)
		mergeLog = profile.NewPostgresMergeLog(pool)
		userLock = profile.NewPostgresUserLock(pool)
		failures = transform.NewPostgresFailureLog(pool)
		logger.Info(ctx, "fleet mode: shared state in postgres")
	} else {
		store = objstore.NewMemory(clock, notifier)
		controller = admission.NewMemory(limits, clock)
		mergeLog = profile.NewMemoryMergeLog()
		userLock = profile.NewMemoryUserLock()
		failures = transform.NewMemoryFailureLog()
		logger.Info(ctx, "single-process mode: in-memory state")
	}

	var client inference.Client
	if cfg.InferenceURL != "" {
		client = inference.NewHTTPClient(cfg.InferenceURL, cfg.InferenceAPIKey)
	} else {
		// Local dev fallback: echo responses, no external dependency.
		client = inference.NewFake()
		logger.Warn(ctx, "INFERENCE_URL unset, using echo fake")
	}

	harness := &transform.Harness{
		Store:     store,
		Admission: controller,
		Inference: client,
		Failures:  failures,
		Clock:     clock,
		Logger:    logger.Named("harness"),
		Opts: transform.Options{
			Delay: admission.DelayPolicy{
				Base: cfg.StaggerBase,
				Cap:  cfg.StaggerCap,
			},
			MaxAttempts:    cfg.MaxAttempts,
			InterItemDelay: cfg.InterItemDelay,
			MaxBatch:       cfg.MaxBatch,
			AcquireFloor:   50 * time.Millisecond,
			AcquireCeil:    2 * time.Second,
			RetryFloor:     100 * time.Millisecond,
			RetryCeil:      2 * time.Second,
		},
	}

	dispatcher := &orchestrator.Dispatcher{
		Registry: map[event.Target]transform.Transform{
			event.TargetPreprocessor:   &transform.Preprocessor{Harness: harness},
			event.TargetCategorizer:    &transform.Categorizer{Harness: harness},
			event.TargetProfileBuilder: &transform.ProfileBuilder{Harness: harness, MergeLog: mergeLog, Lock: userLock},
			event.TargetPersonaBuilder: &transform.PersonaBuilder{Harness: harness},
		},
		Harness: harness,
		Logger:  logger.Named("orchestrator"),
		Budget:  cfg.InvocationBudget,
	}

	go dispatcher.Run(ctx, notifier.Events())

	deps := httpserver.Deps{
		Store:     store,
		Admission: controller,
		Queue:     notifier,
		Logger:    logger.Named("http"),
	}
	if pool != nil {
		deps.DB = pool
	}
	router := httpserver.NewRouter(cfg, deps)

	logger.Info(ctx, "server started", slog.F("addr", cfg.Addr))
	if err := router.Run(cfg.Addr); err != nil {
		logger.Fatal(ctx, "server exited", slog.Error(err))
	}
}
