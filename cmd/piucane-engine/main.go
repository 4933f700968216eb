package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fabiol8/piucane-engine/internal/api"
	"github.com/fabiol8/piucane-engine/internal/dispatch"
	"github.com/fabiol8/piucane-engine/internal/journey"
	"github.com/fabiol8/piucane-engine/internal/lockfile"
	"github.com/fabiol8/piucane-engine/internal/scheduler"
	"github.com/fabiol8/piucane-engine/internal/segment"
	"github.com/fabiol8/piucane-engine/internal/store"
	"github.com/fabiol8/piucane-engine/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for engine state data
	DefaultStateDir = "/var/lib/piucane-engine"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "piucane.db"
	// DefaultTickSchedule is the cron expression for participant processing
	DefaultTickSchedule = "@every 1m"
	// DefaultSweepSchedule is the cron expression for the date-trigger sweep
	DefaultSweepSchedule = "@hourly"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// One instance per state directory: concurrent engines would race on
	// participant claims in a shared SQLite file.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	messenger := buildMessenger()
	segments := segment.NewEngine(st)
	registry := journey.NewRegistry(st)
	engine := journey.NewEngine(st, segments, messenger, dispatch.LogExecutor{}, nil)

	if err := engine.RecoverStaleClaims(); err != nil {
		slog.Error("Failed to recover stale claims", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.tickSchedule, func() { engine.Tick(ctx) }); err != nil {
		slog.Error("Failed to schedule processing tick", "error", err, "schedule", *flags.tickSchedule)
		os.Exit(1)
	}
	if err := sched.AddJob(*flags.sweepSchedule, func() {
		if err := engine.SweepDateTriggers(ctx); err != nil {
			slog.Error("Date trigger sweep failed", "error", err)
		}
	}); err != nil {
		slog.Error("Failed to schedule date trigger sweep", "error", err, "schedule", *flags.sweepSchedule)
		os.Exit(1)
	}

	server := api.NewServer(st, segments, registry, engine, buildAPIOptions(flags)...)
	slog.Info("Bootstrapping piucane engine",
		"state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr, "tick_schedule", *flags.tickSchedule)
	if err := server.Run(ctx); err != nil {
		slog.Error("Engine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	TickSchedule  string
	SweepSchedule string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	tickSchedule  *string
	sweepSchedule *string
}

// initializeLogger sets up structured logging; ENGINE_DEBUG enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("ENGINE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("PIUCANE_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		TickSchedule:  os.Getenv("TICK_SCHEDULE"),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PIUCANE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.TickSchedule == "" {
		config.TickSchedule = DefaultTickSchedule
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PIUCANE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"TICK_SCHEDULE", config.TickSchedule,
		"SWEEP_SCHEDULE", config.SweepSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for engine data (overrides $PIUCANE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tickSchedule:  flag.String("tick-schedule", config.TickSchedule, "cron expression for participant processing (overrides $TICK_SCHEDULE)"),
		sweepSchedule: flag.String("sweep-schedule", config.SweepSchedule, "cron expression for date trigger sweep (overrides $SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"tickSchedule", *flags.tickSchedule,
		"sweepSchedule", *flags.sweepSchedule)

	// Follow a relocated state directory when the DSN still points at the
	// default SQLite path.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// openStore selects the storage backend from the DSN shape.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildMessenger selects Twilio when credentials are configured, otherwise
// the log-only messenger.
func buildMessenger() dispatch.Messenger {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" || os.Getenv("TWILIO_AUTH_TOKEN") == "" {
		slog.Info("No Twilio credentials configured, using log-only messenger")
		return dispatch.LogMessenger{}
	}
	messenger, err := dispatch.NewTwilioMessenger()
	if err != nil {
		slog.Error("Failed to configure Twilio messenger, falling back to log-only", "error", err)
		return dispatch.LogMessenger{}
	}
	slog.Info("Twilio messenger configured")
	return messenger
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
