package app

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Poll runs a single polling cycle against the configured store and waits
// for queued emails before returning.
func (a *App) Poll(ctx context.Context, out io.Writer) error {
	repo, closeRepo, err := a.openRepo(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	p, err := a.newPipeline(repo, nil, nil)
	if err != nil {
		return err
	}

	summary, err := p.service.PollOnce(ctx, time.Now().UTC())
	p.router.Wait()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "skus=%d polled=%d transient=%d invalid=%d samples=%d events=%d broadcasts=%d conflicts=%d\n",
		summary.SKUs, summary.Polled, summary.Transient, summary.Invalid,
		summary.Samples, summary.Events, summary.Broadcasts, summary.Conflicts)
	return nil
}
