package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/storage"
)

// Show prints recent update attempts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show attempts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentAttempts(ctx, opts.Limit, opts.Asset)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no attempts found")
		return nil
	}
	return writeAttemptTable(os.Stdout, records)
}

func writeAttemptTable(out io.Writer, records []storage.AttemptRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAsset\tPrice\tZ\tAnomalous\tOutcome\tRetries\tTx\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		tx := ""
		if rec.TxHash != nil {
			tx = shortHash(*rec.TxHash)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%s\t%d\t%s\t%s\n",
			rec.StartedAt.UTC().Format(time.RFC3339),
			rec.Asset,
			formatNullDecimal(rec.Price, 2),
			formatOptionalFloat(rec.ZScore),
			rec.Anomalous,
			rec.Outcome,
			rec.RetryCount,
			tx,
			errMsg,
		)
	}

	return writer.Flush()
}

// CheckPrice reads the stored price of every selected asset from the oracle.
func (a *App) CheckPrice(ctx context.Context) error {
	assets, err := a.Config.SelectedAssets()
	if err != nil {
		return err
	}
	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reader, err := chain.NewReader(client, chain.ReaderOptions{
		ContractAddress: a.Config.Chain.ContractAddress,
		Timeout:         a.Config.Chain.RequestTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tPrice\tUpdated (UTC)\tAnomalous\tError")
	var failed int
	for _, asset := range assets {
		rec, err := reader.GetLatestPrice(ctx, asset)
		if err != nil {
			failed++
			fmt.Fprintf(writer, "%s\t-\t-\t-\t%s\n", asset.Symbol, sanitizeInline(err.Error()))
			continue
		}
		updated := "never"
		if rec.Timestamp > 0 {
			updated = rec.Time().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t\n", asset.Symbol, rec.Sample().Decimal().StringFixed(2), updated, rec.Anomalous)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if failed == len(assets) {
		return fmt.Errorf("could not read any asset from %s", a.Config.Chain.ContractAddress)
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
