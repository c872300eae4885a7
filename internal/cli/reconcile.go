package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"signal-fusion/internal/app"
)

var (
	reconcileFields  []string
	reconcileLimit   int
	reconcileDryRun  bool
	reconcileWorkers int
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "补齐因重启或失败而缺失的 follow-up 价格",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reconcileWorkers <= 0 {
			return fmt.Errorf("--workers must be greater than zero")
		}

		opts := app.ReconcileOptions{
			Fields:  reconcileFields,
			Limit:   reconcileLimit,
			DryRun:  reconcileDryRun,
			Workers: reconcileWorkers,
		}

		return getApp().Reconcile(cmd.Context(), opts)
	},
}

func init() {
	reconcileCmd.Flags().StringSliceVar(&reconcileFields, "field", nil, "Follow-up field to reconcile (repeatable; defaults to all configured)")
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 500, "Maximum alerts per field")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Run without writing to storage")
	reconcileCmd.Flags().IntVar(&reconcileWorkers, "workers", 2, "Number of concurrent workers")
}
