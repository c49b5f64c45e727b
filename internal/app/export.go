package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"sentinel-oracle/internal/storage"
)

// Export renders the attempt log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListAttemptsBetween(ctx, from, to, opts.Asset)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no attempts found for export window")
		return nil
	}

	downsampled := downsampleAttempts(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting attempts")

	if opts.CSVPath != "" {
		if err := writeAttemptsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAttemptsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAttempts(records []storage.AttemptRecord, max int) []storage.AttemptRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.AttemptRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeAttemptsCSV(path string, records []storage.AttemptRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"started_at", "asset", "price", "confidence", "source", "z_score", "pct_change", "anomalous", "reason", "outcome", "retry_count", "tx_hash", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.StartedAt.UTC().Format(time.RFC3339),
			rec.Asset,
			nullDecimalString(rec.Price),
			nullDecimalString(rec.Confidence),
			rec.Source,
			optionalFloatString(rec.ZScore),
			optionalFloatString(rec.PctChange),
			strconv.FormatBool(rec.Anomalous),
			rec.Reason,
			rec.Outcome,
			strconv.Itoa(rec.RetryCount),
			derefString(rec.TxHash),
			derefString(rec.Error),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeAttemptsPNG plots price per asset on the primary axis and z-score on
// the secondary axis. Attempts without a sample are skipped.
func writeAttemptsPNG(path string, records []storage.AttemptRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type seriesData struct {
		x      []time.Time
		prices []float64
		zx     []time.Time
		z      []float64
	}
	var order []string
	byAsset := make(map[string]*seriesData)
	for _, rec := range records {
		if !rec.Price.Valid {
			continue
		}
		data, ok := byAsset[rec.Asset]
		if !ok {
			data = &seriesData{}
			byAsset[rec.Asset] = data
			order = append(order, rec.Asset)
		}
		data.x = append(data.x, rec.StartedAt)
		data.prices = append(data.prices, rec.Price.Decimal.InexactFloat64())
		if rec.ZScore != nil {
			data.zx = append(data.zx, rec.StartedAt)
			data.z = append(data.z, *rec.ZScore)
		}
	}
	if len(order) == 0 {
		return errors.New("no priced attempts to plot")
	}

	var series []chart.Series
	for _, asset := range order {
		data := byAsset[asset]
		if len(data.x) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name:    asset,
			XValues: data.x,
			YValues: data.prices,
		})
		if len(data.z) >= 2 {
			series = append(series, chart.TimeSeries{
				Name:    asset + " z",
				XValues: data.zx,
				YValues: data.z,
				YAxis:   chart.YAxisSecondary,
			})
		}
	}
	if len(series) == 0 {
		return errors.New("need at least two priced attempts per asset to plot")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Z-score",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func optionalFloatString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
