package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/domain"
	"pricewatch/internal/storage"
)

// Show prints tracked items, the SKU's recent samples and recent broadcasts.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	repo, closeRepo, err := a.openRepo(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	return show(ctx, repo, out, opts)
}

func show(ctx context.Context, repo storage.Repository, out io.Writer, opts ShowOptions) error {
	var items []domain.TrackedItem
	var err error
	switch {
	case opts.Recipient != "":
		items, err = repo.ListItemsByRecipient(ctx, opts.Recipient)
	case opts.SKU != "":
		items, err = repo.ListItemsBySKU(ctx, opts.SKU)
	default:
		items, err = repo.ListActiveItems(ctx)
	}
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(items) == 0 {
		fmt.Fprintln(writer, "no tracked items found")
	} else {
		fmt.Fprintln(writer, "SKU\tRecipient\tPolicy\tLast Price\tAvailability\tChecked (UTC)\tActive")
		for _, it := range items {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				it.SKU,
				it.RecipientID,
				it.Policy,
				formatPrice(it.LastPrice, it.Currency),
				sanitizeInline(it.Availability),
				formatTime(it.LastCheckedAt),
				it.Active,
			)
		}
	}

	if opts.Recipient != "" {
		r, err := repo.GetRecipient(ctx, opts.Recipient)
		switch {
		case err == nil:
			fmt.Fprintln(writer)
			fmt.Fprintf(writer, "Email:\t%s\n", emailStatus(r))
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}

	if opts.SKU != "" {
		samples, err := repo.ListSamples(ctx, opts.SKU, time.Time{}, time.Now().UTC().Add(time.Minute))
		if err != nil {
			return err
		}
		if len(samples) > opts.Limit && opts.Limit > 0 {
			samples = samples[len(samples)-opts.Limit:]
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "Recorded (UTC)\tPrice\tNote")
		for _, s := range samples {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", formatTime(s.RecordedAt), formatPrice(s.Price, s.Currency), sanitizeInline(s.Annotation))
		}
	}

	pubs, err := repo.ListRecentPublications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(pubs) > 0 {
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "Published (UTC)\tSKU\tPrice\tDiscount%\tChannels\tSuccess\tError")
		for _, p := range pubs {
			if opts.SKU != "" && p.SKU != opts.SKU {
				continue
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				formatTime(p.CreatedAt),
				p.SKU,
				p.Price.StringFixed(2),
				p.DiscountPct.StringFixed(2),
				strings.Join(p.Channels, ","),
				p.Success,
				sanitizeInline(p.Error),
			)
		}
	}

	return writer.Flush()
}

func formatPrice(d decimal.Decimal, currency string) string {
	if !d.IsPositive() {
		return "-"
	}
	return strings.TrimSpace(d.StringFixed(2) + " " + currency)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
