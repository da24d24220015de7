package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	exportSKU       string
	exportFrom      string
	exportTo        string
	exportDays      int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:     "export --sku SKU [--csv FILE] [--png FILE]",
	Short:   "Export a SKU's price history as CSV and/or PNG chart",
	Example: "  pricewatch export --sku B00TEST --days 30 --png widget.png",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			SKU:       exportSKU,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}
		opts.To = to

		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		if from == nil && exportDays > 0 {
			end := time.Now().UTC()
			if to != nil {
				end = *to
			}
			start := end.AddDate(0, 0, -exportDays)
			from = &start
		}
		opts.From = from

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 timestamps or plain YYYY-MM-DD dates (UTC midnight).
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, value)
	}
	return &t, nil
}

func init() {
	flags := exportCmd.Flags()
	flags.StringVar(&exportSKU, "sku", "", "SKU whose history to export")
	flags.StringVar(&exportFrom, "from", "", "Window start, inclusive (RFC3339 or YYYY-MM-DD)")
	flags.StringVar(&exportTo, "to", "", "Window end, exclusive (RFC3339 or YYYY-MM-DD; default now)")
	flags.IntVar(&exportDays, "days", 0, "Window length in days ending at --to, used when --from is unset (default 90)")
	flags.StringVar(&exportPNGPath, "png", "", "Write a line chart to this PNG file")
	flags.StringVar(&exportCSVPath, "csv", "", "Write samples to this CSV file")
	flags.IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many points (0 uses export.max_data_points)")
	_ = exportCmd.MarkFlagRequired("sku")
}
