package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/fetcher"
)

// PullSubmitter publishes provider-signed updates and then consumes them
// into the contract's stored price slot. The two steps stay separate: a
// failed consume after a successful publish is reported as ErrConsumeFailed
// and retried on the next call for that asset before publishing again.
type PullSubmitter struct {
	eth      *EthSubmitter
	payloads fetcher.PayloadSource
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewPullSubmitter composes a transacting client with a payload source.
func NewPullSubmitter(eth *EthSubmitter, payloads fetcher.PayloadSource, logger zerolog.Logger) *PullSubmitter {
	return &PullSubmitter{
		eth:      eth,
		payloads: payloads,
		logger:   logger.With().Str("component", "pull_submitter").Logger(),
		pending:  make(map[string]bool),
	}
}

// ComputeFee asks the contract for the fee owed on blobs.
func (p *PullSubmitter) ComputeFee(ctx context.Context, blobs [][]byte) (*big.Int, error) {
	data, err := OracleABI.Pack("getUpdateFee", blobs)
	if err != nil {
		return nil, fmt.Errorf("pack getUpdateFee: %w", err)
	}
	to := p.eth.contract
	res, err := p.eth.backend.CallContract(ctx, ethereum.CallMsg{From: p.eth.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify("call getUpdateFee", err)
	}
	out, err := OracleABI.Unpack("getUpdateFee", res)
	if err != nil {
		return nil, fmt.Errorf("unpack getUpdateFee: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("unexpected getUpdateFee response")
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode getUpdateFee output")
	}
	return fee, nil
}

// SubmitWithPayload sends updatePriceFeeds(blobs) paying fee.
func (p *PullSubmitter) SubmitWithPayload(ctx context.Context, blobs [][]byte, fee *big.Int) (Receipt, error) {
	data, err := OracleABI.Pack("updatePriceFeeds", blobs)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack updatePriceFeeds: %w", err)
	}
	return p.eth.transact(ctx, "updatePriceFeeds", data, fee, p.eth.opts.PullGasLimit)
}

// ConsumeStoredPrice materialises the latest published price for asset.
func (p *PullSubmitter) ConsumeStoredPrice(ctx context.Context, asset domain.Asset) (Receipt, error) {
	data, err := OracleABI.Pack("updateStoredPrice", [32]byte(asset.ID))
	if err != nil {
		return Receipt{}, fmt.Errorf("pack updateStoredPrice: %w", err)
	}
	return p.eth.transact(ctx, "updateStoredPrice", data, nil, p.eth.opts.ConsumeGasLimit)
}

// Submit runs fetch payload → fee → publish → consume for one asset. The
// sample is used only for logging: the contract verifies the signed blob.
func (p *PullSubmitter) Submit(ctx context.Context, asset domain.Asset, sample domain.Sample) (Receipt, error) {
	if p.isPending(asset) {
		if _, err := p.ConsumeStoredPrice(ctx, asset); err != nil {
			p.logger.Warn().Err(err).Str("asset", asset.Symbol).Msg("retry of pending consume failed")
		} else {
			p.setPending(asset, false)
			p.logger.Info().Str("asset", asset.Symbol).Msg("pending consume recovered")
		}
	}

	blobs, err := p.payloads.FetchUpdatePayload(ctx, []string{asset.FeedID})
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch update payload: %w", err)
	}

	fee, err := p.ComputeFee(ctx, blobs)
	if err != nil {
		return Receipt{}, err
	}

	rec, err := p.SubmitWithPayload(ctx, blobs, fee)
	if err != nil {
		return rec, err
	}

	p.logger.Info().Str("asset", asset.Symbol).
		Str("fee_wei", fee.String()).
		Str("price", sample.Decimal().StringFixed(2)).
		Str("tx", rec.TxHash.Hex()).
		Msg("price update published")

	if _, err := p.ConsumeStoredPrice(ctx, asset); err != nil {
		p.setPending(asset, true)
		p.logger.Warn().Err(err).Str("asset", asset.Symbol).Str("tx", rec.TxHash.Hex()).
			Msg("price published but not consumed; stored slot is stale")
		return rec, fmt.Errorf("%w: %v", ErrConsumeFailed, err)
	}
	return rec, nil
}

// PendingConsume reports whether asset has a published but unconsumed update.
func (p *PullSubmitter) PendingConsume(asset domain.Asset) bool {
	return p.isPending(asset)
}

func (p *PullSubmitter) isPending(asset domain.Asset) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[asset.Symbol]
}

func (p *PullSubmitter) setPending(asset domain.Asset, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v {
		p.pending[asset.Symbol] = true
		return
	}
	delete(p.pending, asset.Symbol)
}

var _ Submitter = (*PullSubmitter)(nil)
