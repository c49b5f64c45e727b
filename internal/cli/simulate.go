package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"sentinel-oracle/internal/app"
)

var (
	simulateAsset    string
	simulateBaseline int
	simulateDrop     float64
	simulateNotify   bool
	simulateSeed     int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-anomaly",
	Short: "模拟一段基线价格后的骤降，验证检测与告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDrop <= 0 || simulateDrop >= 1 {
			return errors.New("--drop 必须位于 (0, 1) 区间")
		}

		return getApp().SimulateAnomaly(cmd.Context(), app.SimulateOptions{
			Asset:    simulateAsset,
			Baseline: simulateBaseline,
			DropPct:  simulateDrop,
			Notify:   simulateNotify,
			Seed:     simulateSeed,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset key or symbol (defaults to the first selected asset)")
	simulateCmd.Flags().IntVar(&simulateBaseline, "baseline", 0, "Number of baseline samples (defaults to detector.window_size)")
	simulateCmd.Flags().Float64Var(&simulateDrop, "drop", 0.10, "Fractional drop applied to the final sample")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send the resulting alert through the configured channel")
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 0, "Random seed for the baseline jitter (0 = time based)")
}
