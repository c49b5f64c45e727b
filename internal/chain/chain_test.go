package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/domain"
)

const (
	testKey      = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

var ethAsset = domain.NewAsset("ETH", "ETH/USD", "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace", 3500)

type fakeBackend struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	sendErr  error
	pending  uint64
	fee      *big.Int
	record   OracleRecord
	calls    []ethereum.CallMsg
	noMining bool
	// failing lists methods whose receipts report a failed status.
	failing map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fee: big.NewInt(7), failing: map[string]bool{}}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	f.mu.Unlock()

	m, err := OracleABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "getUpdateFee":
		return m.Outputs.Pack(f.fee)
	case "getLatestPrice":
		return m.Outputs.Pack(f.record.Price, f.record.Timestamp, f.record.Anomalous)
	}
	return nil, errors.New("execution reverted: unknown call")
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pending, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(31337), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noMining {
		return nil, ethereum.NotFound
	}
	for i, tx := range f.sent {
		if tx.Hash() != hash {
			continue
		}
		status := types.ReceiptStatusSuccessful
		if f.failing[methodName(tx)] {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{
			Status:      status,
			TxHash:      hash,
			GasUsed:     21000,
			BlockNumber: big.NewInt(int64(100 + i)),
		}, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, tx := range f.sent {
		out = append(out, methodName(tx))
	}
	return out
}

func methodName(tx *types.Transaction) string {
	m, err := OracleABI.MethodById(tx.Data()[:4])
	if err != nil {
		return ""
	}
	return m.Name
}

func newTestSubmitter(t *testing.T, backend Backend) *EthSubmitter {
	t.Helper()
	s, err := NewEthSubmitter(backend, Options{
		ContractAddress: testContract,
		PrivateKeyHex:   testKey,
		ConfirmTimeout:  200 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return s
}

func TestNewEthSubmitterRejectsBadConfig(t *testing.T) {
	backend := newFakeBackend()
	if _, err := NewEthSubmitter(backend, Options{ContractAddress: "nope", PrivateKeyHex: testKey}, zerolog.Nop()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("bad address should be ErrNotConfigured, got %v", err)
	}
	if _, err := NewEthSubmitter(backend, Options{ContractAddress: testContract}, zerolog.Nop()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("missing key should be ErrNotConfigured, got %v", err)
	}
}

func TestSubmitEncodesUpdatePrice(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)

	sample := domain.Sample{Price: 385000000000, Confidence: 1000000000, Timestamp: 1700000000}
	rec, err := s.Submit(context.Background(), ethAsset, sample)
	if err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if rec.BlockNumber != 100 || rec.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected receipt %+v", rec)
	}

	tx := backend.sent[0]
	if tx.Gas() != 200_000 || *tx.To() != common.HexToAddress(testContract) {
		t.Fatalf("unexpected tx envelope gas=%d to=%s", tx.Gas(), tx.To().Hex())
	}
	m := OracleABI.Methods["updatePrice"]
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if common.Hash(args[0].([32]byte)) != domain.AssetID("ETH/USD") {
		t.Fatalf("asset id mismatch")
	}
	if args[1].(int64) != 385000000000 || args[2].(uint64) != 1000000000 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestSubmitAssignsSequentialNonces(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)

	for i := 0; i < 3; i++ {
		if _, err := s.Submit(context.Background(), ethAsset, domain.Sample{Price: 1, Confidence: 1}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i, tx := range backend.sent {
		if tx.Nonce() != uint64(i) {
			t.Fatalf("tx %d nonce = %d", i, tx.Nonce())
		}
	}
}

func TestSubmitReverted(t *testing.T) {
	backend := newFakeBackend()
	backend.failing["updatePrice"] = true
	s := newTestSubmitter(t, backend)

	rec, err := s.Submit(context.Background(), ethAsset, domain.Sample{Price: 1})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if rec.TxHash == (common.Hash{}) {
		t.Fatal("reverted receipt should still carry the tx hash")
	}
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.noMining = true
	s := newTestSubmitter(t, backend)

	if _, err := s.Submit(context.Background(), ethAsset, domain.Sample{Price: 1}); !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestSubmitInsufficientFunds(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	s := newTestSubmitter(t, backend)

	if _, err := s.Submit(context.Background(), ethAsset, domain.Sample{Price: 1}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestFlagAndClearAnomaly(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSubmitter(t, backend)

	if _, err := s.FlagAnomaly(context.Background(), ethAsset, "z-score 9.1"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := s.ClearAnomaly(context.Background(), ethAsset); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got := backend.methods()
	if len(got) != 2 || got[0] != "flagAnomaly" || got[1] != "clearAnomaly" {
		t.Fatalf("unexpected methods %v", got)
	}
	args, err := OracleABI.Methods["flagAnomaly"].Inputs.Unpack(backend.sent[0].Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[1].(string) != "z-score 9.1" {
		t.Fatalf("reason = %v", args[1])
	}
}

type fakePayloads struct {
	blobs [][]byte
	err   error
	ids   []string
}

func (f *fakePayloads) FetchUpdatePayload(_ context.Context, ids []string) ([][]byte, error) {
	f.ids = ids
	return f.blobs, f.err
}

func TestPullSubmitPublishesThenConsumes(t *testing.T) {
	backend := newFakeBackend()
	payloads := &fakePayloads{blobs: [][]byte{{0xde, 0xad}}}
	p := NewPullSubmitter(newTestSubmitter(t, backend), payloads, zerolog.Nop())

	if _, err := p.Submit(context.Background(), ethAsset, domain.Sample{Price: 385000000000}); err != nil {
		t.Fatalf("pull submit: %v", err)
	}
	if len(payloads.ids) != 1 || payloads.ids[0] != ethAsset.FeedID {
		t.Fatalf("payload ids = %v", payloads.ids)
	}

	got := backend.methods()
	if len(got) != 2 || got[0] != "updatePriceFeeds" || got[1] != "updateStoredPrice" {
		t.Fatalf("unexpected call order %v", got)
	}
	publish := backend.sent[0]
	if publish.Value().Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("fee not attached, value=%s", publish.Value())
	}
	if publish.Gas() != 500_000 {
		t.Fatalf("pull gas = %d", publish.Gas())
	}
}

func TestPullConsumeFailureIsReportedAndRetried(t *testing.T) {
	backend := newFakeBackend()
	backend.failing["updateStoredPrice"] = true
	p := NewPullSubmitter(newTestSubmitter(t, backend), &fakePayloads{blobs: [][]byte{{1}}}, zerolog.Nop())

	rec, err := p.Submit(context.Background(), ethAsset, domain.Sample{Price: 1})
	if !errors.Is(err, ErrConsumeFailed) {
		t.Fatalf("expected ErrConsumeFailed, got %v", err)
	}
	if rec.TxHash != backend.sent[0].Hash() {
		t.Fatal("partial result should carry the publish tx hash")
	}
	if !p.PendingConsume(ethAsset) {
		t.Fatal("asset should be marked pending consume")
	}

	backend.failing["updateStoredPrice"] = false
	if _, err := p.Submit(context.Background(), ethAsset, domain.Sample{Price: 1}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	got := backend.methods()
	want := []string{"updatePriceFeeds", "updateStoredPrice", "updateStoredPrice", "updatePriceFeeds", "updateStoredPrice"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if p.PendingConsume(ethAsset) {
		t.Fatal("pending flag should be cleared")
	}
}

func TestPullPayloadFailureSendsNothing(t *testing.T) {
	backend := newFakeBackend()
	p := NewPullSubmitter(newTestSubmitter(t, backend), &fakePayloads{err: errors.New("hermes down")}, zerolog.Nop())

	if _, err := p.Submit(context.Background(), ethAsset, domain.Sample{Price: 1}); err == nil {
		t.Fatal("payload failure must surface")
	}
	if len(backend.sent) != 0 {
		t.Fatalf("no transactions expected, got %d", len(backend.sent))
	}
}

func TestReaderGetLatestPrice(t *testing.T) {
	backend := newFakeBackend()
	backend.record = OracleRecord{Price: 385000000000, Timestamp: 1700000000, Anomalous: true}

	r, err := NewReader(backend, ReaderOptions{ContractAddress: testContract}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	rec, err := r.GetLatestPrice(context.Background(), ethAsset)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec != backend.record {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Sample().Decimal().StringFixed(2) != "3850.00" {
		t.Fatalf("decimal = %s", rec.Sample().Decimal())
	}

	args, err := OracleABI.Methods["getLatestPrice"].Inputs.Unpack(backend.calls[0].Data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if common.Hash(args[0].([32]byte)) != ethAsset.ID {
		t.Fatal("reader queried the wrong asset id")
	}
}
