// Package cmd defines and implements the CLI commands for the vodsync executable.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/api"
	"github.com/mirrorops/vodsync/internal/pipeline"
	"github.com/mirrorops/vodsync/internal/shutdown"
	"github.com/mirrorops/vodsync/internal/supervisor"
)

// newRunCmd creates the 'run' subcommand, which executes one supervised stint
// of the pipeline.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs one budget-bounded pipeline stint",
		Long: `Executes discovery, download, and upload until the time budget runs
out, the work source drains, or the backoff controller gives up. Completed
records are committed durably before exit on every path.`,

		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	// The budget field arrives from the host scheduler as an opaque string.
	// A malformed value degrades to an expired budget: the run starts,
	// observes no time remaining, and exits cleanly.
	now := appInstance.GetClock().Now()
	deadline, err := supervisor.BudgetFromMinutes(cfg.Runtime.BudgetMinutes, now)
	if err != nil {
		logger.Warn("malformed time budget, treating as expired",
			zap.String("raw", cfg.Runtime.BudgetMinutes),
			zap.Error(err),
		)
	}

	runID, err := appInstance.GetIDs().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		Deadline:            deadline,
		Margin:              cfg.Runtime.Margin(),
		CommitEvery:         cfg.Runtime.CommitEvery,
		SweepEvery:          cfg.Runtime.SweepEvery,
		SpoolDir:            cfg.Reserve.SpoolDir,
		DefaultSizeEstimate: cfg.Runtime.DefaultSizeEstimate,
		RunID:               runID,
	}, supervisor.Deps{
		Discovery: appInstance.GetDiscovery(),
		Executor:  appInstance.GetExecutor(),
		Store:     appInstance.GetRecordStore(),
		Reserver:  appInstance.GetReserver(),
		Browsers:  appInstance.GetBrowsers(),
		Committer: appInstance.GetCommitter(),
		Publisher: appInstance.GetPublisher(),
		Backoff:   appInstance.GetBackoff(),
		Clock:     appInstance.GetClock(),
		Emitter:   appInstance.GetHub(),
	}, logger)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Enabled {
		srv := api.NewServer(sup, appInstance.GetRegistry(), logger)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			if err := srv.Serve(ctx, addr); err != nil {
				logger.Warn("ops server exited", zap.Error(err))
			}
		}()
	}

	summary, runErr := sup.Run(ctx)

	// Teardown is ordered and individually time-bounded so one wedged
	// subsystem cannot stall the exit past the host's kill deadline.
	reg := shutdown.NewRegistry(30*time.Second, logger)
	reg.Add("retire browser", func(ctx context.Context) error {
		appInstance.GetBrowsers().Retire(ctx)
		return nil
	})
	reg.Add("flush progress events", func(ctx context.Context) error {
		return appInstance.GetHub().Close(ctx)
	})
	reg.Run()

	printSummary(summary)
	if runErr != nil {
		return fmt.Errorf("run %s: %w", runID, runErr)
	}
	return nil
}

func printSummary(summary pipeline.RunSummary) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintf(os.Stderr, "encode summary: %v\n", err)
	}
}
