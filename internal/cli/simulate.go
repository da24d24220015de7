package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	simulateSKU       string
	simulateTitle     string
	simulateRecipient string
	simulateKind      string
	simulateOld       string
	simulateNew       string
	simulateCurrency  string
	simulateBroadcast bool
	simulateDryRun    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Render and deliver a synthetic change event",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSKU == "" {
			return errors.New("--sku must be provided")
		}
		oldPrice, err := decimal.NewFromString(simulateOld)
		if err != nil {
			return fmt.Errorf("invalid --old value: %w", err)
		}
		newPrice, err := decimal.NewFromString(simulateNew)
		if err != nil {
			return fmt.Errorf("invalid --new value: %w", err)
		}
		if newPrice.IsNegative() || oldPrice.IsNegative() {
			return errors.New("--old and --new cannot be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), cmd.OutOrStdout(), app.SimulateOptions{
			SKU:       simulateSKU,
			Title:     simulateTitle,
			Recipient: simulateRecipient,
			Kind:      simulateKind,
			OldPrice:  oldPrice,
			NewPrice:  newPrice,
			Currency:  simulateCurrency,
			Broadcast: simulateBroadcast,
			DryRun:    simulateDryRun,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSKU, "sku", "", "SKU of the synthetic offer")
	simulateCmd.Flags().StringVar(&simulateTitle, "title", "", "Product title")
	simulateCmd.Flags().StringVar(&simulateRecipient, "recipient", "", "Recipient id for direct delivery")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "price_drop", "Change kind: price_drop, price_increase, availability_change, none")
	simulateCmd.Flags().StringVar(&simulateOld, "old", "100", "Previous price")
	simulateCmd.Flags().StringVar(&simulateNew, "new", "90", "Current price")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Currency (defaults to source.default_currency)")
	simulateCmd.Flags().BoolVar(&simulateBroadcast, "broadcast", false, "Also publish through the broadcast guard")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "dry-run", false, "Print rendered messages and the broadcast guard decision without sending")
}
