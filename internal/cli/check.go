package cli

import (
	"github.com/spf13/cobra"
)

var checkPriceCmd = &cobra.Command{
	Use:   "check-price",
	Short: "Read the stored oracle price of every selected asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CheckPrice(cmd.Context())
	},
}
