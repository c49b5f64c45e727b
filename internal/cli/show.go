package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sentinel-oracle/internal/app"
)

var (
	showLimit int
	showAsset string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent update attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Asset: showAsset,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of attempts to display")
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Only show this asset symbol (e.g. BTC/USD)")
}
