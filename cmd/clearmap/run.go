package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/internal/pipeline"
	"github.com/ajitpratap0/clearmap/pkg/config"
	"github.com/ajitpratap0/clearmap/pkg/logger"
	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/modify"
	"github.com/ajitpratap0/clearmap/pkg/observability"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
	"github.com/ajitpratap0/clearmap/pkg/publish"
)

const lockFileName = ".clearmap.lock"

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build and publish every configured tile job",
		Long: `Run streams every configured relation into one tippecanoe process per job
and renames the finished archive into the output directory. Failed jobs are
retried as a whole.

Example:
  clearmap run --config config/clearmap.yaml --output-dir /srv/tiles`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log, err := initLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProduction(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.String("tippecanoe", "", "Path to the tippecanoe binary")
	flags.String("output-dir", "", "Directory artifacts are written to")
	flags.String("metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")
	flags.Bool("strict-exit-status", false, "Fail jobs whose tile builder exits non-zero")
	mustBindPFlag(v, "tippecanoe.path", flags.Lookup("tippecanoe"))
	mustBindPFlag(v, "output.dir", flags.Lookup("output-dir"))
	mustBindPFlag(v, "metrics.addr", flags.Lookup("metrics-addr"))
	mustBindPFlag(v, "strict_exit_status", flags.Lookup("strict-exit-status"))

	return cmd
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	err := logger.Init(logger.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
		File: logger.FileConfig{
			Path:       cfg.Log.File.Path,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
			MaxBackups: cfg.Log.File.MaxBackups,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Get().With(zap.String("component", "clearmap-cli")), nil
}

// runProduction builds every job in cfg, holding the output directory lock
// for the duration.
func runProduction(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	relations, err := cfg.ParsedRelations()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil { //nolint:gosec // G301: artifacts are served to others
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	unlock, err := lockOutputDir(cfg.Output.Dir)
	if err != nil {
		return err
	}
	defer unlock()

	shutdownTracing, err := observability.SetupTracing(observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "clearmap",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv, err := observability.ServeMetrics(cfg.Metrics.Addr, log)
		if err != nil {
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn("failed to stop metrics server", zap.Error(err))
			}
		}()
	}

	var publisher publish.Publisher
	if cfg.Publish.S3.Bucket != "" {
		s3, err := publish.NewS3Publisher(ctx, cfg.Publish.S3, log)
		if err != nil {
			return err
		}
		publisher = s3
	}

	registry := postgis.NewRegistry(cfg.Connections, postgis.WithLogger(log))
	extractor := postgis.NewExtractor(registry, postgis.NewColumnResolver(cfg.ComputedColumns), cfg.FetchSize, log)
	launcher := &pipeline.TippecanoeLauncher{
		Path:          cfg.Tippecanoe.Path,
		Args:          cfg.Tippecanoe.Args,
		HighWaterMark: cfg.Tippecanoe.HighWaterMark,
		Logger:        log,
	}
	builder := pipeline.NewBuilder(
		pipeline.BuilderConfig{Relations: relations, StrictExitStatus: cfg.StrictExitStatus},
		extractor,
		pipeline.NewFeatureTransformer(modify.NewRules(cfg.Modify)),
		launcher,
		publisher,
		log)
	producer := pipeline.NewProducer(builder.Run,
		pipeline.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, Delay: cfg.Retry.Delay},
		registry, log)

	jobs := make([]*models.TileJob, len(cfg.Jobs))
	for i, key := range cfg.Jobs {
		jobs[i] = models.NewTileJob(key, cfg.Output.Dir, cfg.Output.Extension)
	}

	log.Info("starting production",
		zap.Strings("relations", cfg.Relations),
		zap.Strings("jobs", cfg.Jobs),
		zap.Int("fetch_size", cfg.FetchSize),
		zap.String("output_dir", cfg.Output.Dir))
	return producer.Run(ctx, jobs)
}

// lockOutputDir takes the exclusive lock on dir so that two productions never
// write the same artifacts.
func lockOutputDir(dir string) (func(), error) {
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock output directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another production holds %s", lock.Path())
	}
	return func() { _ = lock.Unlock() }, nil
}
