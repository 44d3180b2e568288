package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// localStatus is the report printed by the 'status' subcommand.
type localStatus struct {
	Records        int        `json:"records"`
	Done           int        `json:"done"`
	Failed         int        `json:"failed"`
	Reservations   int        `json:"active_reservations"`
	ReservedBytes  int64      `json:"reserved_bytes"`
	AvailableBytes int64      `json:"available_bytes"`
	OldestReserved *time.Time `json:"oldest_reservation,omitempty"`
}

// newStatusCmd creates the 'status' subcommand, a read-only view of local
// pipeline state for operators.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints local record and reservation state",

		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			entries, err := appInstance.GetRecordStore().ReadAll(ctx)
			if err != nil {
				return fmt.Errorf("read record store: %w", err)
			}
			active, err := appInstance.GetReserver().Active(ctx)
			if err != nil {
				return fmt.Errorf("read reservation ledger: %w", err)
			}
			available, err := appInstance.GetReserver().Available(ctx)
			if err != nil {
				return fmt.Errorf("probe available space: %w", err)
			}

			status := localStatus{
				Records:        len(entries),
				Reservations:   len(active),
				AvailableBytes: available,
			}
			for _, e := range entries {
				switch e.Status {
				case pipeline.ItemStatusDone:
					status.Done++
				case pipeline.ItemStatusFailed:
					status.Failed++
				}
			}
			for _, r := range active {
				status.ReservedBytes += r.Size
				if status.OldestReserved == nil || r.CreatedAt.Before(*status.OldestReserved) {
					created := r.CreatedAt
					status.OldestReserved = &created
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}
