package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"bulkflow/internal/api"
	"bulkflow/internal/campaign"
	"bulkflow/internal/channel"
	"bulkflow/internal/config"
	"bulkflow/internal/engine"
	"bulkflow/internal/queue"
	"bulkflow/internal/recovery"
	"bulkflow/internal/scheduler"
	"bulkflow/internal/store"
)

var (
	cfg config.Config

	flagAddr     string
	flagDB       string
	flagWorkers  int
	flagChannels string
	flagLogLevel string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "bulkflow",
	Short: "bulkflow - bulk and recurring email campaign engine",
	Long: `bulkflow delivers campaigns to recipient lists through rate-limited
channels. Campaigns can be paused, resumed and cancelled mid-flight, and
recurring campaigns send in batches on a daily, weekly or monthly cycle.

Configuration comes from BULKFLOW_* environment variables (and .env),
overridden by flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Addr = flagAddr
		}
		if flags.Changed("db") {
			cfg.DBPath = flagDB
		}
		if flags.Changed("workers") {
			cfg.Workers = flagWorkers
		}
		if flags.Changed("channels") {
			cfg.ChannelsFile = flagChannels
		}
		if flags.Changed("log-level") {
			cfg.LogLevel = flagLogLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return setupLogging(cfg.LogLevel)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the worker pool and the periodic recovery sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-arm campaigns left without a job, remove duplicate jobs, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()
		rep, err := a.sweeper.SweepAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("checked %d, armed %d, removed %d\n", rep.Checked, rep.Armed, rep.Removed)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", ":8080", "HTTP bind address")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "bulkflow.db", "SQLite DB path")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", 4, "number of worker goroutines")
	rootCmd.PersistentFlags().StringVar(&flagChannels, "channels", "", "channel definitions YAML file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&flagDebug, "debug", false, "expose /debug/pprof")

	rootCmd.AddCommand(serveCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	return nil
}

type app struct {
	db       *sql.DB
	st       *store.SQLite
	channels *channel.Registry
	sched    *scheduler.Scheduler
	svc      *campaign.Service
	sweeper  *recovery.Sweeper
}

func openApp(cfg config.Config) (*app, error) {
	defs, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		return nil, err
	}
	channels, err := channel.Build(defs)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}

	st := store.NewSQLite(db)
	sched := scheduler.New(queue.NewSQLiteRepo(db), st)
	machine := campaign.NewMachine(st, sched)
	engine.New(st, st, st, channels, machine).Register(sched)

	return &app{
		db:       db,
		st:       st,
		channels: channels,
		sched:    sched,
		svc:      campaign.NewService(machine, st, st, channels, sched),
		sweeper:  recovery.NewSweeper(st, sched),
	}, nil
}

func (a *app) close() {
	if err := a.channels.Close(); err != nil {
		log.Warn().Err(err).Msg("close channels")
	}
	a.db.Close()
}

func serve() error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing runs yet, so every running job is left over from a previous process
	if n, err := a.sched.Jobs().RecoverStale(ctx, time.Now(), 0); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}
	if n, err := a.st.ReleaseExecutions(ctx); err != nil {
		log.Error().Err(err).Msg("release execution claims")
	} else if n > 0 {
		log.Info().Int("released", n).Msg("released execution claims")
	}
	if rep, err := a.sweeper.SweepAll(ctx); err != nil {
		log.Error().Err(err).Msg("startup sweep")
	} else {
		log.Info().Int("checked", rep.Checked).Int("armed", rep.Armed).Int("removed", rep.Removed).Msg("startup sweep")
	}

	sweeps, err := recovery.NewService(a.sweeper, cfg.SweepCron, time.Minute)
	if err != nil {
		return err
	}
	if next, err := recovery.NextRunTime(cfg.SweepCron, time.Now()); err == nil {
		log.Info().Time("next_sweep", next).Msg("recovery sweep scheduled")
	}
	sweepDone := make(chan struct{})
	go func() {
		sweeps.Start(ctx)
		close(sweepDone)
	}()

	pool := a.sched.NewPool(cfg.Workers, cfg.Poll, cfg.LockLifetime)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(a.svc, a.st, a.sweeper, flagDebug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	// in-flight executions flush their counters and leave their jobs for
	// RecoverStale on the next start
	pool.Stop()
	cancel()
	<-poolDone
	<-sweepDone
	return nil
}
