package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newSweepCmd creates the 'sweep' subcommand, a one-shot stale-reservation
// reclaim for operators and cron.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaims stale disk reservations",
		Long: `Scans the reservation ledger and releases entries whose owning run
died without cleaning up. The same sweep runs automatically at the start of
every stint; this command exists for manual and scheduled reclaims between
stints.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			swept, err := appInstance.GetReserver().SweepStale(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep stale reservations: %w", err)
			}
			appInstance.GetLogger().Info("sweep finished", zap.Int("reclaimed", swept))
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stale reservation(s)\n", swept)
			return nil
		},
	}
}
