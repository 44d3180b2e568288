package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/app"
	"github.com/mirrorops/vodsync/internal/backoff"
	"github.com/mirrorops/vodsync/internal/browser"
	"github.com/mirrorops/vodsync/internal/config"
	"github.com/mirrorops/vodsync/internal/logging"
	"github.com/mirrorops/vodsync/internal/pipeline"
	"github.com/mirrorops/vodsync/internal/progress"
	"github.com/mirrorops/vodsync/internal/reserve"
)

var cfgFile string

// ctxKeyType keys values stored in the command context.
type ctxKeyType string

const (
	appKey ctxKeyType = "app"
	cfgKey ctxKeyType = "cfg"
)

// App is the service surface commands use. Declaring it as an interface lets
// tests inject a mock container.
type App interface {
	Close(ctx context.Context) error
	GetLogger() *zap.Logger
	GetRegistry() *prometheus.Registry
	GetHub() *progress.Hub
	GetRecordStore() pipeline.RecordStore
	GetBlobStore() pipeline.BlobStore
	GetCommitter() pipeline.Committer
	GetPublisher() pipeline.Publisher
	GetReserver() *reserve.Manager
	GetBackoff() *backoff.Controller
	GetBrowsers() *browser.Manager
	GetDiscovery() pipeline.Discovery
	GetExecutor() pipeline.Executor
	GetClock() pipeline.Clock
	GetIDs() pipeline.IDGenerator
}

// newApp is the application factory. It is a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. Configuration loading
// and service construction happen in PersistentPreRunE so every subcommand
// gets a fully wired container from its context.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vodsync",
		Short: "A budget-bounded scrape, download, and upload pipeline supervisor.",
		Long: `vodsync runs one stint of the mirror pipeline: it discovers candidate
items, renders and archives them through a managed headless browser, and
durably commits completed records to a shared remote store. Each stint is
bounded by a wall-clock budget handed down by the host scheduler and always
stops cleanly before the budget expires.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if err := logging.InitLogger(cfg.Logging.Development); err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}

			appInstance, err := newApp(cmd.Context(), cfg, logging.L)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			ctx = context.WithValue(ctx, cfgKey, cfg)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				logging.L.Warn("service shutdown reported errors", zap.Error(err))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus VODSYNC_* env vars)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, fmt.Errorf("configuration not initialized")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		logging.L.Fatal("command execution failed", zap.Error(err))
	}
}
