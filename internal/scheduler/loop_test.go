package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/detector"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/fetcher"
)

var btc = domain.NewAsset("BTC", "BTC/USD", "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43", 65000)

type scriptedSource struct {
	mu     sync.Mutex
	prices []float64
	err    error
	calls  int
}

func (s *scriptedSource) FetchSample(context.Context, domain.Asset) (domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.Sample{}, s.err
	}
	p := s.prices[0]
	if len(s.prices) > 1 {
		s.prices = s.prices[1:]
	}
	return domain.Sample{Price: domain.ScaleFloat(p), Confidence: domain.ScaleFloat(p * 0.001), Timestamp: time.Now().Unix()}, nil
}

type fakeOracle struct {
	mu      sync.Mutex
	err     error
	started chan struct{}
	release chan struct{}
	calls   int
	stored  map[common.Hash]chain.OracleRecord
	flags   []string
	clears  int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{stored: make(map[common.Hash]chain.OracleRecord)}
}

func (f *fakeOracle) Submit(_ context.Context, asset domain.Asset, sample domain.Sample) (chain.Receipt, error) {
	f.mu.Lock()
	f.calls++
	started, release, err := f.started, f.release, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil && !errors.Is(err, chain.ErrConsumeFailed) {
		return chain.Receipt{}, err
	}

	f.mu.Lock()
	f.stored[asset.ID] = chain.OracleRecord{Price: sample.Price, Timestamp: uint64(sample.Timestamp)}
	f.mu.Unlock()
	return chain.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 1}, err
}

func (f *fakeOracle) FlagAnomaly(_ context.Context, asset domain.Asset, reason string) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, reason)
	rec := f.stored[asset.ID]
	rec.Anomalous = true
	f.stored[asset.ID] = rec
	return chain.Receipt{TxHash: common.HexToHash("0x02")}, nil
}

func (f *fakeOracle) ClearAnomaly(_ context.Context, asset domain.Asset) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	rec := f.stored[asset.ID]
	rec.Anomalous = false
	f.stored[asset.ID] = rec
	return chain.Receipt{TxHash: common.HexToHash("0x03")}, nil
}

func (f *fakeOracle) GetLatestPrice(_ context.Context, asset domain.Asset) (chain.OracleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.stored[asset.ID]
	if !ok {
		return chain.OracleRecord{}, errors.New("no price")
	}
	return rec, nil
}

type captureRecorder struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
	attempts []domain.Attempt
}

func (c *captureRecorder) RecordVerdict(_ context.Context, _ domain.Asset, _ domain.Sample, v domain.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdicts = append(c.verdicts, v)
}

func (c *captureRecorder) RecordAttempt(_ context.Context, a domain.Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
}

func (c *captureRecorder) outcomes() []domain.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Outcome, 0, len(c.attempts))
	for _, a := range c.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func newTestLoop(t *testing.T, src fetcher.PriceSource, oracle *fakeOracle, rec Recorder, opts LoopOptions) *Loop {
	t.Helper()
	l, err := NewLoop(btc, opts, LoopDeps{
		Source:    src,
		Detector:  detector.New(detector.DefaultOptions()),
		Submitter: oracle,
		Flagger:   oracle,
		Recorder:  rec,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return l
}

func TestTickSkipsWhileSubmissionInFlight(t *testing.T) {
	oracle := newFakeOracle()
	oracle.started = make(chan struct{}, 1)
	oracle.release = make(chan struct{})
	rec := &captureRecorder{}
	l := newTestLoop(t, &scriptedSource{prices: []float64{65000}}, oracle, rec, LoopOptions{})

	ctx := context.Background()
	if err := l.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	<-oracle.started
	if l.State() != StateSubmitting {
		t.Fatalf("state = %s, want submitting", l.State())
	}

	_ = l.Tick(ctx, time.Now())
	_ = l.Tick(ctx, time.Now())

	close(oracle.release)
	l.Stop()

	if oracle.calls != 1 {
		t.Fatalf("submitter called %d times, want 1", oracle.calls)
	}
	got := rec.outcomes()
	skipped := 0
	for _, o := range got {
		if o == domain.OutcomeSkipped {
			skipped++
		}
	}
	if skipped != 2 || len(got) != 3 {
		t.Fatalf("outcomes = %v, want two skipped and one completed", got)
	}
	if l.State() != StateDisabled {
		t.Fatalf("state after stop = %s", l.State())
	}
}

func TestFetchFailureRecordsFailedAttempt(t *testing.T) {
	oracle := newFakeOracle()
	rec := &captureRecorder{}
	l := newTestLoop(t, &scriptedSource{err: fetcher.ErrFeedUnavailable}, oracle, rec, LoopOptions{})

	first := l.RunCycle(context.Background())
	second := l.RunCycle(context.Background())

	if first.Outcome != domain.OutcomeFailed || first.Sample != nil {
		t.Fatalf("unexpected attempt %+v", first)
	}
	if second.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", second.RetryCount)
	}
	if l.WindowLen() != 0 || oracle.calls != 0 {
		t.Fatalf("failed fetch must not touch window or chain (window=%d calls=%d)", l.WindowLen(), oracle.calls)
	}
	if len(rec.verdicts) != 0 {
		t.Fatal("no verdict expected without a sample")
	}
}

func TestSubmitFailureStillAppendsSample(t *testing.T) {
	oracle := newFakeOracle()
	oracle.err = chain.ErrReverted
	rec := &captureRecorder{}
	l := newTestLoop(t, &scriptedSource{prices: []float64{65000}}, oracle, rec, LoopOptions{})

	attempt := l.RunCycle(context.Background())
	if attempt.Outcome != domain.OutcomeFailed || attempt.Err == "" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	if l.WindowLen() != 1 {
		t.Fatalf("window len = %d, want 1", l.WindowLen())
	}
	if len(rec.verdicts) != 1 {
		t.Fatal("verdict must be recorded even when submission fails")
	}

	oracle.err = nil
	next := l.RunCycle(context.Background())
	if next.RetryCount != 1 || next.Outcome != domain.OutcomeSuccess {
		t.Fatalf("unexpected recovery attempt %+v", next)
	}
	if l.State() != StateIdle {
		t.Fatalf("state = %s, want idle", l.State())
	}
}

func TestConsumeFailureIsPartial(t *testing.T) {
	oracle := newFakeOracle()
	oracle.err = chain.ErrConsumeFailed
	l := newTestLoop(t, &scriptedSource{prices: []float64{65000}}, oracle, nil, LoopOptions{})

	attempt := l.RunCycle(context.Background())
	if attempt.Outcome != domain.OutcomePartial || attempt.TxHash == "" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
}

func TestLockHeldElsewhereSkipsSubmission(t *testing.T) {
	oracle := newFakeOracle()
	l, err := NewLoop(btc, LoopOptions{}, LoopDeps{
		Source:    &scriptedSource{prices: []float64{65000}},
		Submitter: oracle,
		Locker:    heldLocker{},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	attempt := l.RunCycle(context.Background())
	if attempt.Outcome != domain.OutcomeSkipped || oracle.calls != 0 {
		t.Fatalf("expected skipped without submission, got %+v (calls=%d)", attempt, oracle.calls)
	}
	if l.WindowLen() != 1 {
		t.Fatal("sample should still be retained")
	}
}

type heldLocker struct{}

func (heldLocker) TryAssetLock(context.Context, domain.Asset) (func(), bool, error) {
	return nil, false, nil
}

func TestAnomalyIsFlaggedThenCleared(t *testing.T) {
	oracle := newFakeOracle()
	src := &scriptedSource{prices: []float64{65000, 65000, 65000, 65000, 65000, 58500, 58500, 58500}}
	l := newTestLoop(t, src, oracle, nil, LoopOptions{WindowSize: 5, FlagCooldown: time.Hour})

	var attempts []domain.Attempt
	for i := 0; i < 8; i++ {
		attempts = append(attempts, l.RunCycle(context.Background()))
	}

	spike := attempts[5]
	if !spike.Verdict.Anomalous || !spike.Verdict.FiredRule(domain.RulePctChange) {
		t.Fatalf("drop should be anomalous by pct-change: %+v", spike.Verdict)
	}
	if len(oracle.flags) != 1 {
		t.Fatalf("flag calls = %d, want 1", len(oracle.flags))
	}
	if oracle.clears != 1 {
		t.Fatalf("clear calls = %d, want 1 once |z| falls under the clear level", oracle.clears)
	}
	if attempts[6].Verdict.Anomalous {
		t.Fatalf("repeat of the new level should be normal: %+v", attempts[6].Verdict)
	}
}

func TestEndToEndLatestPriceReadBack(t *testing.T) {
	eth := domain.NewAsset("ETH", "ETH/USD", "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace", 3500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"id": "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
			"price": map[string]any{
				"price": "385000000000", "conf": "1000000000", "expo": -8, "publish_time": 1700000000,
			},
		}})
	}))
	defer srv.Close()

	oracle := newFakeOracle()
	l, err := NewLoop(eth, LoopOptions{}, LoopDeps{
		Source:    fetcher.NewHermes(fetcher.HermesOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop()),
		Submitter: oracle,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	attempt := l.RunCycle(context.Background())
	if attempt.Outcome != domain.OutcomeSuccess {
		t.Fatalf("cycle failed: %+v", attempt)
	}
	if attempt.Sample.Price != 385000000000 || attempt.Sample.Confidence != 1000000000 {
		t.Fatalf("unexpected sample %+v", attempt.Sample)
	}
	if l.WindowLen() != 1 {
		t.Fatalf("window len = %d", l.WindowLen())
	}

	rec, err := oracle.GetLatestPrice(context.Background(), eth)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if rec.Price != 385000000000 || rec.Anomalous {
		t.Fatalf("read back %+v", rec)
	}
}

func TestRunStopsOnCancelAfterInFlightCycle(t *testing.T) {
	oracle := newFakeOracle()
	oracle.started = make(chan struct{}, 1)
	oracle.release = make(chan struct{})
	l := newTestLoop(t, &scriptedSource{prices: []float64{65000}}, oracle, nil, LoopOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-oracle.started
	cancel()

	select {
	case <-done:
		t.Fatal("run returned before the in-flight submission finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(oracle.release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if oracle.calls != 1 || l.WindowLen() != 1 {
		t.Fatalf("in-flight cycle should complete (calls=%d window=%d)", oracle.calls, l.WindowLen())
	}
	if l.State() != StateDisabled {
		t.Fatalf("state = %s", l.State())
	}
}
