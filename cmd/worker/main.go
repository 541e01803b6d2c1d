package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proservcore/engine/internal/config"
	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/observability"
	"github.com/proservcore/engine/internal/orchestration"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/orchestration/runner"
	"github.com/proservcore/engine/internal/recurrence"
	"github.com/proservcore/engine/internal/recurrence/ledger"
	"github.com/proservcore/engine/internal/storage/postgres"
	"github.com/proservcore/engine/internal/storage/sqlite"
	"github.com/proservcore/engine/internal/worker"
)

// backend composes the store contracts a storage implementation must
// satisfy for the worker's three loops: recurrence rules, executions, the
// dedupe ledger, and the exclusive-run lease used by the ticker and the
// reconciler.
type backend interface {
	recurrence.RuleRepository
	ledger.Ledger
	execution.Store
	worker.Lease
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("failed to load worker config: %v", err)
	}

	serviceName := firstNonEmpty(cfg.Observability.ServiceName, "engine-worker")
	providers, err := observability.Init(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		log.Fatalf("failed to init observability: %v", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			slog.Error("observability shutdown failed", "error", err)
		}
	}()
	slog.SetDefault(providers.Log)

	store, closeStore, err := openBackend(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to open storage backend: %v", err)
	}
	defer closeStore()

	reg := runner.NewRegistry()
	registerHandlers(reg)

	stepRunner := runner.New(reg, runner.WithRNGSeed(cfg.Engine.RNGSeed))

	orchOpts := []orchestration.Option{
		orchestration.WithDefaultMaxConcurrencyPerTenant(cfg.Engine.MaxConcurrentPerTenant),
	}
	if canceller, ok := any(store).(orchestration.Canceller); ok {
		orchOpts = append(orchOpts, orchestration.WithCanceller(canceller))
	}
	orch := orchestration.New(store, store, store, stepRunner, orchOpts...)
	gen := recurrence.NewGenerator(store, store, targetFactories(), recurrence.WithDefaultTimezone(cfg.Engine.DefaultTimezone))

	holderID, err := os.Hostname()
	if err != nil || holderID == "" {
		holderID = "engine-worker"
	}

	w := worker.New(gen, orch, store, store, holderID,
		worker.WithRecurrenceTick(cfg.RecurrenceTick),
		worker.WithAdvancePoll(cfg.AdvancePoll),
		worker.WithReconcileInterval(cfg.ReconcileLease),
		worker.WithLeaseDuration(cfg.ReconcileLease),
		worker.WithOperationTimeout(cfg.OperationTimeout),
	)

	slog.InfoContext(ctx, "engine worker starting",
		"holder_id", holderID, "driver", cfg.Database.Driver,
		"recurrence_tick", cfg.RecurrenceTick, "advance_poll", cfg.AdvancePoll)

	go func() {
		if err := orch.ListenForCancellations(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "cancellation listener exited", "error", err)
		}
	}()

	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker exited: %v", err)
	}
	slog.InfoContext(context.Background(), "engine worker stopped")
}

// openBackend selects the storage backend named by cfg.Driver (defaulting
// to postgres, the production backend; "sqlite" is for local/offline
// deployments per SPEC_FULL.md's storage layout).
func openBackend(ctx context.Context, cfg config.DatabaseConfig) (backend, func(), error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	switch driver {
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: secondsToDuration(cfg.ConnMaxLifetime),
			ConnMaxIdleTime: secondsToDuration(cfg.ConnMaxIdleTime),
			AutoMigrate:     cfg.AutoMigrate,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported ENGINE_DB_DRIVER %q", domain.ErrBadInput, driver)
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// registerHandlers binds step handler codes to their implementations. The
// engine only defines the handler contract (spec's "handler registry is
// host-supplied"); the embedding deployment fills this in with its actual
// payments/invoicing/notification handlers before shipping this binary.
func registerHandlers(reg *runner.Registry) {
	_ = reg
}

// targetFactories binds recurrence target kinds (the "invoice", "task",
// etc. templates a rule materializes into) to their creation logic. Left
// empty for the same reason registerHandlers is: this is the deployment's
// domain logic, injected at the composition root.
func targetFactories() map[string]recurrence.TargetFactory {
	return map[string]recurrence.TargetFactory{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
