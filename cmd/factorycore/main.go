// Factory Core - MQTT routing core of the factory dashboard.
//
// This is the main entry point. It loads the configuration and the
// declarative registry, connects one transport per MQTT client role,
// routes inbound messages to the order, stock and sensor managers, and
// serves the REST/WebSocket API used by the dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/nerrad567/factory-core/internal/api"
	"github.com/nerrad567/factory-core/internal/audit"
	"github.com/nerrad567/factory-core/internal/core"
	"github.com/nerrad567/factory-core/internal/infrastructure/config"
	"github.com/nerrad567/factory-core/internal/infrastructure/database"
	"github.com/nerrad567/factory-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/factory-core/internal/infrastructure/logging"
	"github.com/nerrad567/factory-core/internal/metrics"
	"github.com/nerrad567/factory-core/internal/registry"
	"github.com/nerrad567/factory-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// options holds the parsed command line.
type options struct {
	configPath  string
	environment string
	registry    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args. Unset flags fall back to FACTORYCORE_CONFIG for
// the config path; environment and registry stay empty so the config
// file decides.
func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("factorycore", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (default "+defaultConfigPath+")")
	flagSet.StringVarP(&opts.environment, "environment", "e", "", "transport environment: mock, replay or live")
	flagSet.StringVar(&opts.registry, "registry", "", "root directory of the topic/schema registry")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", extra[0])
	}

	if opts.configPath == "" {
		opts.configPath = os.Getenv("FACTORYCORE_CONFIG")
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown after ctx is cancelled. extra is
// appended to the core options; tests use it to replace the MQTT dialer.
func run(ctx context.Context, args []string, extra ...core.Option) error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting Factory Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	reg, err := registry.Load(cfg.Registry.Root, registry.WithStrict(cfg.Registry.Strict))
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	log.Info("registry loaded",
		"root", cfg.Registry.Root,
		"topics", len(reg.TopicNames()),
		"schemas", len(reg.SchemaNames()),
		"domains", reg.Domains(),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	coreOpts := []core.Option{
		core.WithLogger(log),
		core.WithMetrics(m),
	}

	// Audit trail: always in memory, teed to SQLite when enabled.
	memoryTrail := audit.NewMemoryTrail(cfg.Audit.MemorySize)
	if cfg.Audit.Database.Enabled {
		db, dbErr := openAuditDatabase(ctx, cfg.Audit.Database)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing audit database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing audit database", "error", closeErr)
			}
		}()
		log.Info("audit database ready", "path", cfg.Audit.Database.Path)
		coreOpts = append(coreOpts, core.WithAudit(audit.Tee{memoryTrail, audit.NewSQLiteRepository(db.DB)}))
	} else {
		coreOpts = append(coreOpts, core.WithAudit(memoryTrail))
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		coreOpts = append(coreOpts, core.WithSensorSink(influxClient), core.WithPublishRecorder(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	c, err := core.New(cfg, reg, append(coreOpts, extra...)...)
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}
	defer func() {
		log.Info("disconnecting transports")
		if stopErr := c.Stop(); stopErr != nil {
			log.Error("error disconnecting transports", "error", stopErr)
		}
	}()

	// Start only fails once the connect backoff is exhausted; nothing
	// retries after that, so the supervisor has to restart us.
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("connecting %s environment: %w", c.Environment(), err)
	}
	log.Info("transports connected", "environment", c.Environment(), "domains", c.Domains())

	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log,
			Core:     c,
			Version:  version,
			Gatherer: promReg,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server listening", "addr", srv.Addr())
	} else {
		log.Info("API server disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Transports
	// 3. InfluxDB (if enabled)
	// 4. Audit database (if enabled)

	log.Info("Factory Core stopped")
	return nil
}

// loadConfig reads the config file named by opts, or the built-in defaults
// when none was named and the default file is absent, then applies the
// command line overrides.
func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case opts.configPath != "":
		cfg, err = config.Load(opts.configPath)
	case fileExists(defaultConfigPath):
		cfg, err = config.Load(defaultConfigPath)
	default:
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.environment != "" {
		cfg.Environment = opts.environment
	}
	if opts.registry != "" {
		cfg.Registry.Root = opts.registry
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// openAuditDatabase opens the SQLite audit store and applies the embedded
// migrations.
func openAuditDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running audit migrations: %w", err)
	}
	return db, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
