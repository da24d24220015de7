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

// EmailOptions change a recipient's email delivery settings.
type EmailOptions struct {
	Recipient string
	Address   string
	Verify    bool
	Enable    bool
	Disable   bool
}

// Email updates the email address and delivery state of a recipient.
func (a *App) Email(ctx context.Context, out io.Writer, opts EmailOptions) error {
	repo, closeRepo, err := a.openRepo(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	r, err := updateEmail(ctx, repo, opts)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("recipient", r.ID).Bool("deliverable", r.EmailDeliverable()).Msg("recipient email updated")
	fmt.Fprintf(out, "%s: %s\n", r.ID, emailStatus(r))
	return nil
}

func updateEmail(ctx context.Context, repo storage.RecipientStore, opts EmailOptions) (domain.Recipient, error) {
	if opts.Recipient == "" {
		return domain.Recipient{}, errors.New("--recipient must be provided")
	}
	if opts.Enable && opts.Disable {
		return domain.Recipient{}, errors.New("--enable and --disable are mutually exclusive")
	}

	r, err := repo.GetRecipient(ctx, opts.Recipient)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r = domain.Recipient{ID: opts.Recipient}
	case err != nil:
		return domain.Recipient{}, err
	}

	if address := strings.TrimSpace(opts.Address); address != "" && address != r.Email {
		r.Email = address
		r.EmailEnabled = true
		r.EmailVerified = false
		r.EmailBounces = 0
	}
	if r.Email == "" {
		return domain.Recipient{}, fmt.Errorf("recipient %s has no email address; pass --address", opts.Recipient)
	}
	if opts.Verify {
		r.EmailVerified = true
	}
	if opts.Enable {
		r.EmailEnabled = true
		r.EmailBounces = 0
	}
	if opts.Disable {
		r.EmailEnabled = false
	}

	if err := repo.UpsertRecipient(ctx, r); err != nil {
		return domain.Recipient{}, err
	}
	return r, nil
}

func emailStatus(r domain.Recipient) string {
	switch {
	case r.Email == "":
		return "no email address"
	case !r.EmailEnabled && r.EmailBounces > 0:
		return fmt.Sprintf("%s disabled after %d failed deliveries (re-enable with: email --recipient %s --enable)", r.Email, r.EmailBounces, r.ID)
	case !r.EmailEnabled:
		return r.Email + " disabled"
	case !r.EmailVerified:
		return r.Email + " awaiting verification (email --recipient " + r.ID + " --verify)"
	default:
		return r.Email + " active"
	}
}
