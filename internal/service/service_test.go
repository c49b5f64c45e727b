package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/alerting"
	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/scheduler"
	"sentinel-oracle/internal/status"
	"sentinel-oracle/internal/storage"
)

type basePriceSource struct{}

func (basePriceSource) FetchSample(_ context.Context, asset domain.Asset) (domain.Sample, error) {
	return domain.Sample{Price: domain.ScaleFloat(asset.BasePrice), Timestamp: time.Now().Unix()}, nil
}

type countingSubmitter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingSubmitter) Submit(_ context.Context, asset domain.Asset, _ domain.Sample) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[asset.Symbol]++
	return chain.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 1}, nil
}

func (c *countingSubmitter) count(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[symbol]
}

type memoryAttemptStore struct {
	storage.AttemptStore
	mu      sync.Mutex
	records []storage.AttemptRecord
	err     error
}

func (m *memoryAttemptStore) RecordAttempt(_ context.Context, rec storage.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryAttemptStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type countingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *countingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}, Deps{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without assets")
	}
	if _, err := New(Options{Assets: domain.DefaultCatalog()[:1]}, Deps{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without source and submitter")
	}
}

func TestRunDrivesEveryAsset(t *testing.T) {
	assets := domain.DefaultCatalog()[:3]
	tracker := status.NewTracker(assets, 0, zerolog.Nop())
	submitter := &countingSubmitter{}
	store := &memoryAttemptStore{}

	svc, err := New(Options{
		Assets:  assets,
		Loop:    scheduler.LoopOptions{Interval: 20 * time.Millisecond, WindowSize: 5},
		Stagger: 5 * time.Millisecond,
	}, Deps{
		Source:    basePriceSource{},
		Submitter: submitter,
		Tracker:   tracker,
		Recorders: []scheduler.Recorder{NewAttemptLog(store, zerolog.Nop())},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if len(svc.Loops()) != 3 {
		t.Fatalf("loops = %d", len(svc.Loops()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ready := true
		for _, a := range assets {
			if submitter.count(a.Symbol) < 2 {
				ready = false
			}
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("not every asset was submitted twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tracker.Status() != "running" {
		t.Fatalf("tracker status = %s", tracker.Status())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if tracker.Status() != "stopped" {
		t.Fatalf("tracker status after stop = %s", tracker.Status())
	}
	for _, loop := range svc.Loops() {
		if loop.State() != scheduler.StateDisabled {
			t.Fatalf("%s state = %s", loop.Asset().Symbol, loop.State())
		}
	}

	st, _ := tracker.Asset("ETH")
	if st.LastOutcome != string(domain.OutcomeSuccess) || st.LastPrice == nil || *st.LastPrice != 3500 {
		t.Fatalf("unexpected ETH status %+v", st)
	}
	if store.len() < 6 {
		t.Fatalf("attempt log has %d records", store.len())
	}
}

func TestAttemptLogSwallowsErrors(t *testing.T) {
	store := &memoryAttemptStore{err: errors.New("db down")}
	log := NewAttemptLog(store, zerolog.Nop())
	attempt := domain.NewAttempt(domain.DefaultCatalog()[0], 0)
	attempt.Finish(domain.OutcomeFailed, errors.New("boom"))
	log.RecordAttempt(context.Background(), attempt)
	if store.len() != 0 {
		t.Fatal("failed insert should not be recorded")
	}
}

func TestDetectionAlertsCooldown(t *testing.T) {
	notifier := &countingNotifier{}
	alerts := NewDetectionAlerts(notifier, time.Minute, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alerts.now = func() time.Time { return now }

	btc := domain.DefaultCatalog()[0]
	sample := domain.Sample{Price: 5850000000000, Timestamp: now.Unix()}
	anomalous := domain.Verdict{Sufficient: true, Anomalous: true, Mean: 65000, ZScore: -97.5, PctChange: -0.1, Reason: "drop"}

	alerts.RecordVerdict(context.Background(), btc, sample, anomalous)
	alerts.RecordVerdict(context.Background(), btc, sample, anomalous)
	alerts.RecordVerdict(context.Background(), btc, sample, domain.Verdict{Sufficient: true})
	now = now.Add(2 * time.Minute)
	alerts.RecordVerdict(context.Background(), btc, sample, anomalous)
	alerts.Wait()

	if len(notifier.notes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Kind != alerting.KindDetected || note.Price.String() != "58500" || note.Mean.String() != "65000" {
		t.Fatalf("unexpected notification %+v", note)
	}
}
