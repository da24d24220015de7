package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	trackSKU         string
	trackRecipient   string
	trackPolicy      string
	trackPolicyValue string
	trackEmail       string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Start tracking a SKU for a recipient",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trackSKU == "" || trackRecipient == "" {
			return fmt.Errorf("--sku and --recipient must be provided")
		}
		return getApp().Track(cmd.Context(), cmd.OutOrStdout(), app.TrackOptions{
			SKU:         trackSKU,
			Recipient:   trackRecipient,
			PolicyKind:  trackPolicy,
			PolicyValue: trackPolicyValue,
			Email:       trackEmail,
		})
	},
}

var untrackCmd = &cobra.Command{
	Use:   "untrack",
	Short: "Stop tracking a SKU for a recipient",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trackSKU == "" || trackRecipient == "" {
			return fmt.Errorf("--sku and --recipient must be provided")
		}
		return getApp().Untrack(cmd.Context(), cmd.OutOrStdout(), app.UntrackOptions{
			SKU:       trackSKU,
			Recipient: trackRecipient,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{trackCmd, untrackCmd} {
		c.Flags().StringVar(&trackSKU, "sku", "", "Marketplace SKU")
		c.Flags().StringVar(&trackRecipient, "recipient", "", "Recipient (messaging chat) id")
	}
	trackCmd.Flags().StringVar(&trackPolicy, "policy", "any_drop", "Alert policy: percentage_drop, absolute_target, any_drop, availability_only")
	trackCmd.Flags().StringVar(&trackPolicyValue, "value", "", "Policy parameter (percent or target price)")
	trackCmd.Flags().StringVar(&trackEmail, "email", "", "Email address for alert emails")
}
