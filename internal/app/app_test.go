package app

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/config"
	"sentinel-oracle/internal/detector"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/storage"
)

func TestSimulateFlagsDrop(t *testing.T) {
	btc := domain.DefaultCatalog()[0]
	result, err := Simulate(btc, 20, detector.DefaultOptions(), SimulateOptions{DropPct: 0.10, Seed: 42})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(result.Steps) != 21 {
		t.Fatalf("steps = %d, want 21", len(result.Steps))
	}

	final := result.Final()
	if !final.Verdict.Anomalous {
		t.Fatalf("drop not flagged: %+v", final.Verdict)
	}
	if final.Verdict.PctChange > -0.09 || final.Verdict.PctChange < -0.11 {
		t.Fatalf("pct change = %v", final.Verdict.PctChange)
	}
	if !final.Sample.Synthetic {
		t.Fatal("simulated samples must be marked synthetic")
	}
	for i, st := range result.Steps[:len(result.Steps)-1] {
		if diff := st.Sample.Float() - btc.BasePrice; diff > 100 || diff < -100 {
			t.Fatalf("baseline sample %d out of band: %v", i, st.Sample.Float())
		}
	}
}

func TestSimulateIsDeterministicForSeed(t *testing.T) {
	eth := domain.DefaultCatalog()[1]
	a, _ := Simulate(eth, 10, detector.DefaultOptions(), SimulateOptions{Baseline: 8, DropPct: 0.2, Seed: 7})
	b, _ := Simulate(eth, 10, detector.DefaultOptions(), SimulateOptions{Baseline: 8, DropPct: 0.2, Seed: 7})
	for i := range a.Steps {
		if a.Steps[i].Sample.Price != b.Steps[i].Sample.Price {
			t.Fatalf("step %d differs: %d vs %d", i, a.Steps[i].Sample.Price, b.Steps[i].Sample.Price)
		}
	}
}

func TestSimulateRejectsBadDrop(t *testing.T) {
	btc := domain.DefaultCatalog()[0]
	for _, drop := range []float64{0, 1, -0.5} {
		if _, err := Simulate(btc, 20, detector.DefaultOptions(), SimulateOptions{DropPct: drop}); err == nil {
			t.Fatalf("expected error for drop %v", drop)
		}
	}
}

func TestDownsampleAttempts(t *testing.T) {
	records := make([]storage.AttemptRecord, 10)
	for i := range records {
		records[i].RetryCount = i
	}

	if got := downsampleAttempts(records, 0); len(got) != 10 {
		t.Fatalf("max 0 should keep everything, got %d", len(got))
	}
	if got := downsampleAttempts(records, 1); len(got) != 1 || got[0].RetryCount != 9 {
		t.Fatalf("max 1 should keep the newest, got %+v", got)
	}
	got := downsampleAttempts(records, 4)
	if len(got) != 4 || got[0].RetryCount != 0 || got[3].RetryCount != 9 {
		t.Fatalf("unexpected downsample %+v", got)
	}
}

func sampleRecords() []storage.AttemptRecord {
	z := -3.25
	pct := -0.1
	tx := "0x9f2c4d1e8b7a6f5e4d3c2b1a09f8e7d6c5b4a3928170f6e5d4c3b2a1908f7e6d"
	errMsg := "execution reverted:\nInvalidPrice"
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []storage.AttemptRecord{
		{
			Asset:      "BTC/USD",
			Price:      decimal.NewNullDecimal(decimal.RequireFromString("58500")),
			Confidence: decimal.NewNullDecimal(decimal.RequireFromString("12.5")),
			Source:     "hermes",
			Anomalous:  true,
			ZScore:     &z,
			PctChange:  &pct,
			Reason:     "drop",
			Outcome:    string(domain.OutcomeSuccess),
			TxHash:     &tx,
			StartedAt:  started,
		},
		{
			Asset:      "ETH/USD",
			Outcome:    string(domain.OutcomeFailed),
			RetryCount: 2,
			Error:      &errMsg,
			StartedAt:  started.Add(time.Minute),
		},
	}
}

func TestWriteAttemptsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "attempts.csv")
	if err := writeAttemptsCSV(path, sampleRecords()); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	btc := rows[1]
	if btc[1] != "BTC/USD" || btc[2] != "58500" || btc[5] != "-3.2500" || btc[7] != "true" {
		t.Fatalf("unexpected btc row %v", btc)
	}
	eth := rows[2]
	if eth[2] != "" || eth[5] != "" || eth[10] != "2" || eth[12] != "execution reverted:\nInvalidPrice" {
		t.Fatalf("unexpected eth row %v", eth)
	}
}

func TestWriteAttemptTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAttemptTable(&buf, sampleRecords()); err != nil {
		t.Fatalf("write table: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("table has %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "58500.00") || !strings.Contains(lines[1], "0x9f2c4d1e…7e6d") {
		t.Fatalf("unexpected btc line %q", lines[1])
	}
	if !strings.Contains(lines[2], "execution reverted: InvalidPrice") {
		t.Fatalf("error message not flattened: %q", lines[2])
	}
}

func TestResolveAsset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("assets:\n  select: BTC,ETH\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path, "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a := NewApp(cfg, zerolog.Nop())

	first, err := a.resolveAsset("")
	if err != nil || first.Key != "BTC" {
		t.Fatalf("default asset = %+v, %v", first, err)
	}
	eth, err := a.resolveAsset("ETH/USD")
	if err != nil || eth.Key != "ETH" {
		t.Fatalf("ETH/USD = %+v, %v", eth, err)
	}
	if _, err := a.resolveAsset("DOGE"); err == nil {
		t.Fatal("expected error for unselected asset")
	}
}
