package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"pricewatch/internal/domain"
	"pricewatch/internal/storage"
)

// Track registers a SKU for a recipient, creating the recipient on first use.
func (a *App) Track(ctx context.Context, out io.Writer, opts TrackOptions) error {
	repo, closeRepo, err := a.openRepo(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	item, err := track(ctx, repo, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tracking %s for %s (%s) id=%s\n", item.SKU, item.RecipientID, item.Policy, item.ID)
	return nil
}

func track(ctx context.Context, repo storage.Repository, opts TrackOptions) (domain.TrackedItem, error) {
	policy, err := domain.ParsePolicy(opts.PolicyKind, opts.PolicyValue)
	if err != nil {
		return domain.TrackedItem{}, err
	}
	item, err := domain.NewTrackedItem(opts.SKU, opts.Recipient, policy)
	if err != nil {
		return domain.TrackedItem{}, err
	}

	recipient, err := repo.GetRecipient(ctx, item.RecipientID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		recipient = domain.Recipient{ID: item.RecipientID}
	case err != nil:
		return domain.TrackedItem{}, err
	}
	if email := strings.TrimSpace(opts.Email); email != "" && email != recipient.Email {
		// A changed address starts unverified with a clean bounce counter.
		recipient.Email = email
		recipient.EmailEnabled = true
		recipient.EmailVerified = false
		recipient.EmailBounces = 0
	}
	if err := repo.UpsertRecipient(ctx, recipient); err != nil {
		return domain.TrackedItem{}, err
	}

	if err := repo.CreateTrackedItem(ctx, item); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.TrackedItem{}, fmt.Errorf("%s is already tracked for %s", item.SKU, item.RecipientID)
		}
		return domain.TrackedItem{}, err
	}
	return item, nil
}

// Untrack removes a recipient's tracked item for a SKU.
func (a *App) Untrack(ctx context.Context, out io.Writer, opts UntrackOptions) error {
	repo, closeRepo, err := a.openRepo(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	removed, err := untrack(ctx, repo, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d tracked item(s)\n", removed)
	return nil
}

func untrack(ctx context.Context, repo storage.TrackedItemStore, opts UntrackOptions) (int, error) {
	items, err := repo.ListItemsByRecipient(ctx, opts.Recipient)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, it := range items {
		if it.SKU != opts.SKU {
			continue
		}
		if err := repo.DeleteTrackedItem(ctx, it.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, fmt.Errorf("%s is not tracked for %s", opts.SKU, opts.Recipient)
	}
	return removed, nil
}

// Migrate applies the embedded database schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errNoDatabase
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}
