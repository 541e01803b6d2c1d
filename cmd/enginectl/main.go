// Command enginectl is the engine's administrative CLI: rule and workflow
// lifecycle, execution control, and DLQ triage, built as a small
// stdlib-flag tool per concern rather than a cobra/urfave dependency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/proservcore/engine/internal/config"
	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/env"
	"github.com/proservcore/engine/internal/orchestration"
	"github.com/proservcore/engine/internal/orchestration/definition"
	"github.com/proservcore/engine/internal/orchestration/dlq"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/orchestration/runner"
	"github.com/proservcore/engine/internal/recurrence"
	"github.com/proservcore/engine/internal/recurrence/ledger"
	"github.com/proservcore/engine/internal/storage/postgres"
	"github.com/proservcore/engine/internal/storage/sqlite"
)

const (
	exitOK       = 0
	exitBadInput = 2
	exitNotFound = 3
	exitConflict = 4
	exitInternal = 5
)

// backend is the set of store contracts enginectl needs; every subcommand
// only opens the pieces it actually touches, but one store satisfies all
// of them in both storage backends.
type backend interface {
	recurrence.RuleRepository
	ledger.Ledger
	definition.Store
	execution.Store
	dlq.Store
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	dbFlags := flag.NewFlagSet("enginectl", flag.ContinueOnError)
	dsn := dbFlags.String("db-dsn", os.Getenv("ENGINE_DB_DSN"), "database DSN (overrides ENGINE_DB_DSN)")
	driver := dbFlags.String("db-driver", envOrDefault("ENGINE_DB_DRIVER", "postgres"), "storage backend: postgres or sqlite")
	if err := dbFlags.Parse(args); err != nil {
		return exitBadInput
	}

	rest := dbFlags.Args()
	if len(rest) < 2 {
		printUsage()
		return exitBadInput
	}
	group, sub := rest[0], rest[1]

	var engineCfg config.EngineConfig
	if err := env.Load(&engineCfg); err != nil {
		fmt.Fprintln(os.Stderr, "error: loading engine config:", err)
		return exitBadInput
	}

	ctx := context.Background()
	store, closeStore, err := openBackend(ctx, dsn, driver)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	defer closeStore()

	switch group {
	case "rules":
		return runRules(ctx, store, engineCfg, sub, rest[2:])
	case "workflow":
		return runWorkflow(ctx, store, sub, rest[2:])
	case "executions":
		return runExecutions(ctx, store, engineCfg, sub, rest[2:])
	case "dlq":
		return runDLQ(ctx, store, sub, rest[2:])
	default:
		printUsage()
		return exitBadInput
	}
}

// openBackend connects to the storage backend named by -db-driver (default
// postgres), the same selection cmd/worker makes from ENGINE_DB_DRIVER.
func openBackend(ctx context.Context, dsn, driver *string) (backend, func(), error) {
	switch *driver {
	case "postgres", "":
		if *dsn == "" {
			return nil, nil, fmt.Errorf("%w: -db-dsn or ENGINE_DB_DSN is required", domain.ErrBadInput)
		}
		store, err := postgres.Open(ctx, postgres.Config{DSN: *dsn})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open postgres: %v", domain.ErrInternal, err)
		}
		return store, store.Close, nil
	case "sqlite":
		if *dsn == "" {
			return nil, nil, fmt.Errorf("%w: -db-dsn or ENGINE_DB_DSN is required", domain.ErrBadInput)
		}
		store, err := sqlite.Open(ctx, *dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open sqlite: %v", domain.ErrInternal, err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported -db-driver %q", domain.ErrBadInput, *driver)
	}
}

func runRules(ctx context.Context, store backend, engineCfg config.EngineConfig, sub string, args []string) int {
	gen := recurrence.NewGenerator(store, store, map[string]recurrence.TargetFactory{},
		recurrence.WithDefaultTimezone(engineCfg.DefaultTimezone))

	switch sub {
	case "tick":
		fs := flag.NewFlagSet("rules tick", flag.ContinueOnError)
		tenant := fs.String("tenant", "", "tenant id (required)")
		horizon := fs.Duration("horizon", 24*time.Hour, "lookahead window")
		if err := fs.Parse(args); err != nil {
			return exitBadInput
		}
		if *tenant == "" {
			fmt.Fprintln(os.Stderr, "error: -tenant is required")
			return exitBadInput
		}
		reports, err := gen.Tick(ctx, domain.TenantID(*tenant), time.Now().UTC(), *horizon)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return printJSON(reports)

	case "backfill":
		fs := flag.NewFlagSet("rules backfill", flag.ContinueOnError)
		ruleID := fs.String("rule", "", "rule id (required)")
		until := fs.String("until", "", "RFC3339 timestamp to backfill through (required)")
		if err := fs.Parse(args); err != nil {
			return exitBadInput
		}
		if *ruleID == "" || *until == "" {
			fmt.Fprintln(os.Stderr, "error: -rule and -until are required")
			return exitBadInput
		}
		ts, err := time.Parse(time.RFC3339, *until)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: -until must be RFC3339:", err)
			return exitBadInput
		}
		report, err := gen.Backfill(ctx, *ruleID, ts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return printJSON(report)

	case "pause":
		return runRuleStatusChange(ctx, args, gen.Pause)
	case "resume":
		return runRuleStatusChange(ctx, args, gen.Resume)
	case "cancel":
		return runRuleStatusChange(ctx, args, gen.Cancel)

	default:
		fmt.Fprintln(os.Stderr, "error: unknown rules subcommand", sub)
		return exitBadInput
	}
}

func runRuleStatusChange(ctx context.Context, args []string, op func(context.Context, string) error) int {
	fs := flag.NewFlagSet("rules", flag.ContinueOnError)
	ruleID := fs.String("rule", "", "rule id (required)")
	if err := fs.Parse(args); err != nil {
		return exitBadInput
	}
	if *ruleID == "" {
		fmt.Fprintln(os.Stderr, "error: -rule is required")
		return exitBadInput
	}
	if err := op(ctx, *ruleID); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

// workflowDTO is the on-disk JSON shape for `workflow publish`: a plain
// serialization of definition.Definition with json tags, since the core
// type itself carries none (it is never marshaled by the engine proper).
type workflowDTO struct {
	TenantID string `json:"tenant_id"`
	Code     string `json:"code"`
	Steps    []struct {
		Code                string   `json:"code"`
		Handler             string   `json:"handler"`
		DependsOn           []string `json:"depends_on"`
		CompensationHandler string   `json:"compensation_handler"`
		MaxAttempts         int      `json:"max_attempts"`
		TimeoutMS           int64    `json:"timeout_ms"`
		SafeToRetry         *bool    `json:"safe_to_retry"`
	} `json:"steps"`
	Policies struct {
		DefaultTimeoutMS        int64 `json:"default_timeout_ms"`
		MaxConcurrencyPerTenant int   `json:"max_concurrency_per_tenant"`
	} `json:"policies"`
	OutputMapping map[string]string `json:"output_mapping"`
}

func runWorkflow(ctx context.Context, store backend, sub string, args []string) int {
	switch sub {
	case "publish":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "error: usage: enginectl workflow publish FILE")
			return exitBadInput
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitBadInput
		}
		var dto workflowDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			fmt.Fprintln(os.Stderr, "error: invalid workflow json:", err)
			return exitBadInput
		}

		def := definition.Definition{
			TenantID: domain.TenantID(dto.TenantID),
			Code:     dto.Code,
			Status:   definition.Draft,
			Policies: definition.Policies{
				DefaultTimeoutMS:        dto.Policies.DefaultTimeoutMS,
				MaxConcurrencyPerTenant: dto.Policies.MaxConcurrencyPerTenant,
			},
			OutputMapping: dto.OutputMapping,
		}
		for _, s := range dto.Steps {
			def.Steps = append(def.Steps, definition.Step{
				Code:                s.Code,
				Handler:             s.Handler,
				DependsOn:           s.DependsOn,
				CompensationHandler: s.CompensationHandler,
				MaxAttempts:         s.MaxAttempts,
				TimeoutMS:           s.TimeoutMS,
				SafeToRetry:         s.SafeToRetry,
			})
		}

		created, err := store.Create(ctx, def)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		published, err := store.Publish(ctx, created.ID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		fmt.Printf("published %s v%d (id=%s)\n", published.Code, published.Version, published.ID)
		return exitOK

	default:
		fmt.Fprintln(os.Stderr, "error: unknown workflow subcommand", sub)
		return exitBadInput
	}
}

func runExecutions(ctx context.Context, store backend, engineCfg config.EngineConfig, sub string, args []string) int {
	switch sub {
	case "start":
		fs := flag.NewFlagSet("executions start", flag.ContinueOnError)
		tenant := fs.String("tenant", "", "tenant id (required)")
		if err := fs.Parse(args); err != nil {
			return exitBadInput
		}
		positional := fs.Args()
		if *tenant == "" || len(positional) < 3 {
			fmt.Fprintln(os.Stderr, "error: usage: enginectl executions start -tenant=ID CODE KEY JSON")
			return exitBadInput
		}
		code, key, rawInput := positional[0], positional[1], positional[2]

		var input map[string]any
		if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
			fmt.Fprintln(os.Stderr, "error: input must be a JSON object:", err)
			return exitBadInput
		}

		orch := newOrchestrator(store, engineCfg)
		ex, err := orch.Start(ctx, domain.TenantID(*tenant), code, input, key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return printJSON(ex)

	case "advance":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "error: usage: enginectl executions advance ID")
			return exitBadInput
		}
		orch := newOrchestrator(store, engineCfg)
		ex, err := orch.Advance(ctx, args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return printJSON(ex)

	case "cancel":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "error: usage: enginectl executions cancel ID")
			return exitBadInput
		}
		orch := newOrchestrator(store, engineCfg)
		if err := orch.Cancel(ctx, args[0]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return exitOK

	default:
		fmt.Fprintln(os.Stderr, "error: unknown executions subcommand", sub)
		return exitBadInput
	}
}

func runDLQ(ctx context.Context, store backend, sub string, args []string) int {
	switch sub {
	case "list":
		fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
		reason := fs.String("reason", "", "filter by reason (optional)")
		if err := fs.Parse(args); err != nil {
			return exitBadInput
		}
		entries, err := store.List(ctx, dlq.Reason(*reason))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return printJSON(entries)

	case "reprocess":
		fs := flag.NewFlagSet("dlq reprocess", flag.ContinueOnError)
		outcome := fs.String("outcome", "", "retried or discarded (required)")
		note := fs.String("note", "", "reviewer note (optional)")
		by := fs.String("by", envOrDefault("USER", "enginectl"), "reviewer identity")
		if err := fs.Parse(args); err != nil {
			return exitBadInput
		}
		positional := fs.Args()
		if len(positional) < 1 {
			fmt.Fprintln(os.Stderr, "error: usage: enginectl dlq reprocess -outcome=retried|discarded ID")
			return exitBadInput
		}
		var resolution dlq.Resolution
		switch *outcome {
		case "retried":
			resolution = dlq.Retried
		case "discarded":
			resolution = dlq.Discarded
		default:
			fmt.Fprintln(os.Stderr, "error: -outcome must be retried or discarded")
			return exitBadInput
		}
		if err := store.MarkReprocessed(ctx, positional[0], *by, resolution, *outcome, *note); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeFor(err)
		}
		return exitOK

	default:
		fmt.Fprintln(os.Stderr, "error: unknown dlq subcommand", sub)
		return exitBadInput
	}
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitInternal
	}
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadInput), errors.Is(err, domain.ErrBadRule), errors.Is(err, domain.ErrBadDefinition):
		return exitBadInput
	case errors.Is(err, domain.ErrNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrConflict):
		return exitConflict
	default:
		return exitInternal
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `enginectl - engine administration CLI

Usage:
  enginectl [-db-dsn=DSN] [-db-driver=postgres|sqlite] <command> ...

Commands:
  rules tick -tenant=ID [-horizon=24h]
  rules backfill -rule=ID -until=RFC3339
  rules pause -rule=ID
  rules resume -rule=ID
  rules cancel -rule=ID
  workflow publish FILE
  executions start -tenant=ID CODE KEY JSON
  executions advance ID
  executions cancel ID
  dlq list [-reason=REASON]
  dlq reprocess -outcome=retried|discarded [-note=NOTE] ID

Global flags (must precede the command):
  -db-dsn=DSN       database connection string (default: ENGINE_DB_DSN)
  -db-driver=NAME   postgres or sqlite (default: ENGINE_DB_DRIVER or postgres)`)
}

// newOrchestrator builds an Orchestrator against an empty handler registry.
// enginectl operates on the same store a running worker polls: `start`
// only creates the Execution row, and `advance` is meant for manually
// kicking an execution the worker's own poll loop will pick up next,
// not for dispatching steps standalone. A step attempt run through this
// CLI without the deployment's real handlers registered (see cmd/worker's
// registerHandlers, the actual composition root for those) fails with
// ErrHandlerMissing, same as any other unregistered handler code.
func newOrchestrator(store backend, engineCfg config.EngineConfig) *orchestration.Orchestrator {
	stepRunner := runner.New(runner.NewRegistry(), runner.WithRNGSeed(engineCfg.RNGSeed))
	opts := []orchestration.Option{
		orchestration.WithDefaultMaxConcurrencyPerTenant(engineCfg.MaxConcurrentPerTenant),
	}
	if canceller, ok := any(store).(orchestration.Canceller); ok {
		opts = append(opts, orchestration.WithCanceller(canceller))
	}
	return orchestration.New(store, store, store, stepRunner, opts...)
}
