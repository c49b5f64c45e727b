package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Prune deletes attempts started before now-olderThan.
func (a *App) Prune(ctx context.Context, olderThan time.Duration, dryRun bool) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	total, err := store.CountAttempts(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	if dryRun {
		fmt.Fprintf(os.Stdout, "%d attempts stored; would delete those before %s\n", total, cutoff.Format(time.RFC3339))
		return nil
	}

	deleted, err := store.DeleteAttemptsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", deleted).Int64("remaining", total-deleted).Time("cutoff", cutoff).Msg("pruned attempt log")
	return nil
}
