package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	showLimit     int
	showSKU       string
	showRecipient string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display tracked items, price history and broadcasts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			SKU:       showSKU,
			Recipient: showRecipient,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples and publications to display")
	showCmd.Flags().StringVar(&showSKU, "sku", "", "Restrict output to one SKU and include its price history")
	showCmd.Flags().StringVar(&showRecipient, "recipient", "", "List items of one recipient, including inactive ones")
}
