package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var emailOpts app.EmailOptions

var emailCmd = &cobra.Command{
	Use:   "email --recipient ID [--address ADDR] [--verify] [--enable|--disable]",
	Short: "Set, verify or re-enable a recipient's alert email",
	Example: "  pricewatch email --recipient 42 --address user@example.com --verify\n" +
		"  pricewatch email --recipient 42 --enable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Email(cmd.Context(), cmd.OutOrStdout(), emailOpts)
	},
}

func init() {
	flags := emailCmd.Flags()
	flags.StringVar(&emailOpts.Recipient, "recipient", "", "Recipient (messaging chat) id")
	flags.StringVar(&emailOpts.Address, "address", "", "New email address; resets verification and the bounce counter")
	flags.BoolVar(&emailOpts.Verify, "verify", false, "Mark the address as verified")
	flags.BoolVar(&emailOpts.Enable, "enable", false, "Re-enable email delivery and clear the bounce counter")
	flags.BoolVar(&emailOpts.Disable, "disable", false, "Stop email delivery")
	_ = emailCmd.MarkFlagRequired("recipient")
	emailCmd.MarkFlagsMutuallyExclusive("enable", "disable")
}
