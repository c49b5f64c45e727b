package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/domain"
)

// Backend is the subset of an Ethereum client the submitter needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Receipt reports an included transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Submitter publishes a sample for one asset and waits for inclusion.
type Submitter interface {
	Submit(ctx context.Context, asset domain.Asset, sample domain.Sample) (Receipt, error)
}

// Flagger raises and clears the contract's anomaly flag.
type Flagger interface {
	FlagAnomaly(ctx context.Context, asset domain.Asset, reason string) (Receipt, error)
	ClearAnomaly(ctx context.Context, asset domain.Asset) (Receipt, error)
}

// Options parameterise the transacting client.
type Options struct {
	ContractAddress string
	PrivateKeyHex   string
	UpdateGasLimit  uint64
	PullGasLimit    uint64
	ConsumeGasLimit uint64
	FlagGasLimit    uint64
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
}

// EthSubmitter signs and sends oracle transactions from a single account.
// Nonces are assigned under a mutex so concurrent asset loops never reuse one.
type EthSubmitter struct {
	backend  Backend
	opts     Options
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	logger   zerolog.Logger

	mu        sync.Mutex
	chainID   *big.Int
	nextNonce uint64
}

// NewEthSubmitter validates the signer and contract configuration.
func NewEthSubmitter(backend Backend, opts Options, logger zerolog.Logger) (*EthSubmitter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrNotConfigured)
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ErrNotConfigured, opts.ContractAddress)
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(opts.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("%w: private key is required", ErrNotConfigured)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrNotConfigured, err)
	}

	if opts.UpdateGasLimit == 0 {
		opts.UpdateGasLimit = 200_000
	}
	if opts.PullGasLimit == 0 {
		opts.PullGasLimit = 500_000
	}
	if opts.ConsumeGasLimit == 0 {
		opts.ConsumeGasLimit = 200_000
	}
	if opts.FlagGasLimit == 0 {
		opts.FlagGasLimit = 200_000
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &EthSubmitter{
		backend:  backend,
		opts:     opts,
		contract: common.HexToAddress(opts.ContractAddress),
		key:      key,
		from:     from,
		logger:   logger.With().Str("component", "chain_submitter").Str("from", from.Hex()).Logger(),
	}, nil
}

// From returns the signing account.
func (s *EthSubmitter) From() common.Address { return s.from }

// Submit sends updatePrice(assetId, price, confidence) and waits for inclusion.
func (s *EthSubmitter) Submit(ctx context.Context, asset domain.Asset, sample domain.Sample) (Receipt, error) {
	if sample.Confidence < 0 {
		return Receipt{}, fmt.Errorf("negative confidence %d", sample.Confidence)
	}
	data, err := OracleABI.Pack("updatePrice", [32]byte(asset.ID), sample.Price, uint64(sample.Confidence))
	if err != nil {
		return Receipt{}, fmt.Errorf("pack updatePrice: %w", err)
	}
	return s.transact(ctx, "updatePrice", data, nil, s.opts.UpdateGasLimit)
}

// FlagAnomaly marks asset as anomalous on-chain.
func (s *EthSubmitter) FlagAnomaly(ctx context.Context, asset domain.Asset, reason string) (Receipt, error) {
	data, err := OracleABI.Pack("flagAnomaly", [32]byte(asset.ID), reason)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack flagAnomaly: %w", err)
	}
	return s.transact(ctx, "flagAnomaly", data, nil, s.opts.FlagGasLimit)
}

// ClearAnomaly lifts the on-chain anomaly flag.
func (s *EthSubmitter) ClearAnomaly(ctx context.Context, asset domain.Asset) (Receipt, error) {
	data, err := OracleABI.Pack("clearAnomaly", [32]byte(asset.ID))
	if err != nil {
		return Receipt{}, fmt.Errorf("pack clearAnomaly: %w", err)
	}
	return s.transact(ctx, "clearAnomaly", data, nil, s.opts.FlagGasLimit)
}

func (s *EthSubmitter) transact(ctx context.Context, op string, data []byte, value *big.Int, gas uint64) (Receipt, error) {
	tx, err := s.send(ctx, op, data, value, gas)
	if err != nil {
		return Receipt{}, err
	}

	s.logger.Info().Str("op", op).Str("tx", tx.Hash().Hex()).Uint64("nonce", tx.Nonce()).Msg("transaction sent")

	receipt, err := s.waitMined(ctx, tx.Hash())
	if err != nil {
		return Receipt{TxHash: tx.Hash()}, fmt.Errorf("%s: %w", op, err)
	}

	out := Receipt{TxHash: tx.Hash(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("%s: %w (block %d)", op, ErrReverted, out.BlockNumber)
	}

	s.logger.Info().Str("op", op).Str("tx", tx.Hash().Hex()).Uint64("block", out.BlockNumber).Uint64("gas_used", out.GasUsed).Msg("transaction confirmed")
	return out, nil
}

// send signs and broadcasts under the nonce lock.
func (s *EthSubmitter) send(ctx context.Context, op string, data []byte, value *big.Int, gas uint64) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID == nil {
		id, err := s.backend.ChainID(ctx)
		if err != nil {
			return nil, classify("chain id", err)
		}
		s.chainID = id
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, classify("pending nonce", err)
	}
	if nonce < s.nextNonce {
		nonce = s.nextNonce
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("suggest gas price", err)
	}

	if value == nil {
		value = new(big.Int)
	}
	to := s.contract
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", op, err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nextNonce = 0
		return nil, classify("send "+op, err)
	}
	s.nextNonce = nonce + 1
	return signed, nil
}

// waitMined polls for a receipt until the confirmation timeout elapses.
// The broadcast is never cancelled; expiry only ends the wait.
func (s *EthSubmitter) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w after %s", ErrConfirmationTimeout, s.opts.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

var (
	_ Submitter = (*EthSubmitter)(nil)
	_ Flagger   = (*EthSubmitter)(nil)
)
