// Command queued is the job queue binary.
//
// Subcommands:
//
//	serve    HTTP producer API plus an embedded worker
//	worker   standalone worker loop
//	add      enqueue one job
//	stats    print queue lengths and completion statistics
//	list     list jobs by type, group and state
//	clean    delete completed jobs past the retention horizon
//	dedupe   delete duplicate unfetched jobs
//	migrate  run pending database migrations and exit
//	keygen   generate an API key and the hash to configure
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scarson/queued/internal/api"
	"github.com/scarson/queued/internal/auth"
	"github.com/scarson/queued/internal/config"
	"github.com/scarson/queued/internal/mailer"
	"github.com/scarson/queued/internal/rendezvous"
	"github.com/scarson/queued/internal/store"
	"github.com/scarson/queued/internal/task"
	"github.com/scarson/queued/internal/webhook"
	"github.com/scarson/queued/internal/worker"
	"github.com/scarson/queued/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "queued",
		Short: "queued: a PostgreSQL-backed job queue",
		// Errors are printed once, through slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		addCmd(),
		statsCmd(),
		listCmd(),
		cleanCmd(),
		dedupeCmd(),
		migrateCmd(),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and an embedded worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without the embedded worker")
	return cmd
}

func runServe(cmd *cobra.Command, noWorker bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, false))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	apiSrv, err := api.NewServer(st, cfg)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	defer apiSrv.Close()

	var runWorker func(context.Context) error
	if !noWorker {
		runWorker = newWorker(st, cfg, cfg.Group).Run
	}

	// WriteTimeout is omitted: blocking response reads hold the connection
	// for up to five minutes.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return serve(ctx, srv, runWorker, time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
}

// serve runs srv and, when runWorker is non-nil, the embedded worker until
// ctx is done or either of them stops. A worker storage error shuts the
// server down and is returned.
func serve(ctx context.Context, srv *http.Server, runWorker func(context.Context) error, shutdownTimeout time.Duration) error {
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	// Stays nil with no worker, so its select case never fires.
	var workerErr chan error
	if runWorker != nil {
		workerErr = make(chan error, 1)
		go func() { workerErr <- runWorker(workerCtx) }()
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var fatal error
	workerDone := runWorker == nil
	select {
	case err := <-serverErr:
		fatal = fmt.Errorf("server error: %w", err)
	case err := <-workerErr:
		workerDone = true
		if err != nil {
			fatal = fmt.Errorf("embedded worker: %w", err)
		} else {
			slog.Info("embedded worker finished")
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", shutdownTimeout)
	cancelWorker()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && fatal == nil {
		fatal = fmt.Errorf("graceful shutdown: %w", err)
	}
	if !workerDone {
		select {
		case err := <-workerErr:
			if err != nil && fatal == nil {
				fatal = fmt.Errorf("embedded worker: %w", err)
			}
		case <-shutdownCtx.Done():
			slog.Warn("embedded worker did not finish before shutdown timeout")
		}
	}
	if fatal != nil {
		return fatal
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var (
		group   string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker loop (no HTTP server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, group, verbose)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "only claim jobs of this group (overrides QUEUE_GROUP)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	return cmd
}

func runWorker(cmd *cobra.Command, group string, verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, verbose))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if group == "" {
		group = cfg.Group
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{ //nolint:exhaustruct
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics listener started", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	w := newWorker(store.New(db), cfg, group)
	slog.Info("worker started", "group", group)
	return w.Run(ctx)
}

// newWorker builds a worker with the built-in handlers registered.
func newWorker(st *store.Store, cfg *config.Config, group string) *worker.Worker {
	reg := task.NewRegistry(task.Defaults{
		Timeout: cfg.DefaultWorkerTimeout,
		Retries: cfg.DefaultWorkerRetries,
	})
	registerTasks(reg,
		rendezvous.New(st, rendezvous.WithPollInterval(cfg.ResponsePollInterval)),
		webhook.NewSender(webhook.NewSafeClient(cfg.WebhookTimeout), cfg.WebhookSigningSecret),
	)
	if cfg.SMTPHost != "" {
		reg.MustRegister("email", mailer.New(mailerConfig(cfg)), task.WithTimeout(2*time.Minute))
	}

	return worker.New(st, reg, worker.Config{
		SleepTime:      cfg.SleepTime,
		GCProbability:  cfg.GCProbability,
		MaxRuntime:     cfg.WorkerMaxRuntime,
		CleanupTimeout: cfg.CleanupTimeout,
		ExitWhenIdle:   cfg.ExitWhenNothingToDo,
		Group:          group,
	}, worker.WithMetrics(worker.NewMetrics(prometheus.DefaultRegisterer)))
}

func mailerConfig(cfg *config.Config) mailer.Config {
	return mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}
}

// ── add ───────────────────────────────────────────────────────────────────────

func addCmd() *cobra.Command {
	var (
		notBefore string
		delay     time.Duration
		group     string
		reference string
	)
	cmd := &cobra.Command{
		Use:   "add <type> [payload-json]",
		Short: "Enqueue one job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := store.CreateJobParams{
				Type:      args[0],
				Delay:     delay,
				Group:     group,
				Reference: reference,
			}
			if len(args) == 2 {
				p.Payload = []byte(args[1])
			}
			if notBefore != "" {
				t, err := time.Parse(time.RFC3339, notBefore)
				if err != nil {
					return fmt.Errorf("--not-before: %w", err)
				}
				p.NotBefore = &t
			}
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				id, err := st.CreateJob(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notBefore, "not-before", "", "earliest start time (RFC3339)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "earliest start as an offset from now")
	cmd.Flags().StringVar(&group, "group", "", "job group")
	cmd.Flags().StringVar(&reference, "reference", "", "caller correlation reference")
	return cmd
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pending lengths and completion statistics per job type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				return printStats(ctx, st, cmd.OutOrStdout())
			})
		},
	}
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		types []string
		group string
		state string
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in id order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				jobs, err := st.ListJobs(ctx, store.ListJobsParams{
					Types:   types,
					Group:   group,
					State:   store.JobState(state),
					AfterID: after,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				return printJobs(jobs, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these job types")
	cmd.Flags().StringVar(&group, "group", "", "only this group")
	cmd.Flags().StringVar(&state, "state", "", "pending, running, retrying or completed")
	cmd.Flags().Int64Var(&after, "after", 0, "start after this job id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// ── clean ─────────────────────────────────────────────────────────────────────

func cleanCmd() *cobra.Command {
	var horizon time.Duration
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete completed jobs older than the retention horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				if horizon == 0 {
					cfg, err := config.Load()
					if err != nil {
						return fmt.Errorf("config: %w", err)
					}
					horizon = cfg.CleanupTimeout
				}
				n, err := st.CleanOldJobs(ctx, horizon)
				if err != nil {
					return err
				}
				slog.Info("cleaned completed jobs", "deleted", n, "horizon", horizon)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&horizon, "horizon", 0, "retention horizon (defaults to QUEUE_CLEANUP_TIMEOUT)")
	return cmd
}

// ── dedupe ────────────────────────────────────────────────────────────────────

func dedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Delete unfetched jobs that duplicate an older unfetched job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				n, err := st.DeleteDuplicatePendingJobs(ctx)
				if err != nil {
					return err
				}
				slog.Info("removed duplicate jobs", "deleted", n)
				return nil
			})
		},
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, false))
	slog.Info("running migrations")

	// One-shot run: a plain pgx stdlib handle, no pool.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	version, err := migrations.Up(db)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── keygen ────────────────────────────────────────────────────────────────────

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key; add the printed hash to API_KEY_HASHES",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nhash: %s\n", raw, hash)
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// withStore loads config, opens a pool and runs fn against a Store.
func withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, false))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	return fn(cmd.Context(), store.New(db))
}

// newPool creates and validates a pgxpool from cfg.
//
// Retries up to 10 times with linear backoff so a worker started alongside
// Postgres (docker compose) waits for it instead of exiting.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction pooling cannot use prepared statements.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `queued migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the migration version this binary requires.
const expectedSchemaVersion = 2

// newLogger creates a slog.Logger from the configured level and format.
// verbose forces debug level.
func newLogger(cfg *config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
