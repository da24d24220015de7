package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pricewatch/internal/alerting"
	"pricewatch/internal/domain"
	"pricewatch/internal/publication"
)

// SimulateAlert renders and delivers a synthetic change event without
// polling. With Broadcast set the event also goes through the publication
// guard, which records the attempt like a real one. DryRun only prints the
// rendered messages and the guard decision.
func (a *App) SimulateAlert(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	kind, err := domain.ParseChangeKind(opts.Kind)
	if err != nil {
		return err
	}
	if opts.Recipient == "" && !opts.Broadcast {
		return errors.New("either --recipient or --broadcast is required")
	}

	repo, closeRepo, err := a.openRepo(ctx, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	renderer := a.newRenderer()
	tg := a.newTelegram()
	router := a.newRouter(renderer, tg, repo, nil)

	currency := opts.Currency
	if currency == "" {
		currency = a.Config.Source.DefaultCurrency
	}
	ev := domain.ChangeEvent{
		SKU:          opts.SKU,
		Title:        opts.Title,
		RecipientID:  opts.Recipient,
		Kind:         kind,
		OldPrice:     opts.OldPrice,
		NewPrice:     opts.NewPrice,
		Currency:     currency,
		Availability: "Simulated",
		Annotation:   "Simulated alert",
		DetectedAt:   time.Now().UTC(),
	}

	if opts.DryRun {
		var guard *publication.Guard
		if opts.Broadcast {
			if guard, err = a.newGuard(renderer, tg, repo, nil); err != nil {
				return err
			}
			if guard == nil {
				return errors.New("broadcast is disabled")
			}
		}
		return previewAlert(ctx, out, renderer, guard, ev, opts.Broadcast)
	}

	if opts.Recipient != "" {
		report := router.Dispatch(ctx, ev)
		router.Wait()
		for _, d := range report.Deliveries {
			status := "ok"
			if d.Queued {
				status = "queued"
			}
			if d.Err != nil {
				status = d.Err.Error()
			}
			fmt.Fprintf(out, "%s -> %s: %s\n", d.Channel, d.Target, status)
		}
		if len(report.Deliveries) == 0 {
			fmt.Fprintln(out, "no delivery channel configured for recipient")
		}
	}

	if opts.Broadcast {
		guard, err := a.newGuard(renderer, tg, repo, nil)
		if err != nil {
			return err
		}
		if guard == nil {
			return errors.New("broadcast is disabled")
		}
		ev.RecipientID = ""
		rec, published, err := guard.Publish(ctx, ev)
		if err != nil {
			return err
		}
		switch {
		case !published:
			fmt.Fprintf(out, "%s: suppressed by publication guard\n", alerting.ChannelBroadcast)
		case rec.Success:
			fmt.Fprintf(out, "%s: published %v\n", alerting.ChannelBroadcast, rec.MessageIDs)
		default:
			fmt.Fprintf(out, "%s: failed: %s\n", alerting.ChannelBroadcast, rec.Error)
		}
	}
	return nil
}

// previewAlert prints what a dispatch of ev would send, plus the publication
// guard's verdict when broadcast is set. Nothing is sent or recorded.
func previewAlert(ctx context.Context, out io.Writer, renderer *alerting.Renderer, guard *publication.Guard, ev domain.ChangeEvent, broadcast bool) error {
	if ev.RecipientID != "" {
		msg, err := renderer.Render(ev, alerting.ChannelDirect)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s -> %s:\n%s\n", alerting.ChannelDirect, ev.RecipientID, msg.Text)
	}
	if !broadcast || guard == nil {
		return nil
	}

	ev.RecipientID = ""
	decision, err := guard.Check(ctx, ev.SKU, ev.NewPrice)
	if err != nil {
		return err
	}
	verdict := "would publish"
	if !decision.Allowed {
		verdict = "would suppress"
	}
	fmt.Fprintf(out, "%s: %s (%s)\n", alerting.ChannelBroadcast, verdict, decision.Reason)
	if decision.Allowed {
		msg, err := renderer.Render(ev, alerting.ChannelBroadcast)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, msg.Text)
	}
	return nil
}
