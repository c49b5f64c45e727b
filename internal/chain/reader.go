package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/domain"
)

// ContractCaller executes read-only calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OracleRecord is the contract's stored view of one asset.
type OracleRecord struct {
	Price     int64
	Timestamp uint64
	Anomalous bool
}

// Time converts the record timestamp.
func (r OracleRecord) Time() time.Time { return time.Unix(int64(r.Timestamp), 0).UTC() }

// Sample converts the record into a fixed-point sample.
func (r OracleRecord) Sample() domain.Sample {
	return domain.Sample{Price: r.Price, Timestamp: int64(r.Timestamp)}
}

// ReaderOptions parameterise the read-only oracle client.
type ReaderOptions struct {
	ContractAddress string
	Timeout         time.Duration
}

// Reader queries stored prices from the oracle contract.
type Reader struct {
	caller ContractCaller
	opts   ReaderOptions
	logger zerolog.Logger
}

// NewReader builds a reader over caller.
func NewReader(caller ContractCaller, opts ReaderOptions, logger zerolog.Logger) (*Reader, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrNotConfigured)
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ErrNotConfigured, opts.ContractAddress)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Reader{caller: caller, opts: opts, logger: logger.With().Str("component", "oracle_reader").Logger()}, nil
}

// GetLatestPrice reads getLatestPrice(assetId).
func (r *Reader) GetLatestPrice(ctx context.Context, asset domain.Asset) (OracleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	payload, err := OracleABI.Pack("getLatestPrice", [32]byte(asset.ID))
	if err != nil {
		return OracleRecord{}, fmt.Errorf("pack getLatestPrice: %w", err)
	}

	addr := common.HexToAddress(r.opts.ContractAddress)
	res, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return OracleRecord{}, classify("call getLatestPrice", err)
	}

	outputs, err := OracleABI.Unpack("getLatestPrice", res)
	if err != nil {
		return OracleRecord{}, fmt.Errorf("unpack getLatestPrice: %w", err)
	}
	if len(outputs) != 3 {
		return OracleRecord{}, errors.New("unexpected getLatestPrice response")
	}

	price, ok1 := outputs[0].(int64)
	ts, ok2 := outputs[1].(uint64)
	anomalous, ok3 := outputs[2].(bool)
	if !ok1 || !ok2 || !ok3 {
		return OracleRecord{}, errors.New("failed to decode getLatestPrice output")
	}

	r.logger.Debug().Str("asset", asset.Symbol).Int64("price", price).Uint64("timestamp", ts).Bool("anomalous", anomalous).Msg("read stored price")
	return OracleRecord{Price: price, Timestamp: ts, Anomalous: anomalous}, nil
}

// Dial connects to an RPC endpoint, bounded by timeout.
func Dial(ctx context.Context, rpcURL string, timeout time.Duration) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: ethereum rpc url not configured", ErrNotConfigured)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return client, nil
}

var (
	_ Backend        = (*ethclient.Client)(nil)
	_ ContractCaller = (*ethclient.Client)(nil)
)
