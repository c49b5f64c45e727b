package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete update attempts older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan <= 0 {
			return fmt.Errorf("--older-than must be greater than zero")
		}
		return getApp().Prune(cmd.Context(), pruneOlderThan, pruneDryRun)
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention window")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Only report how many attempts are stored")
}
