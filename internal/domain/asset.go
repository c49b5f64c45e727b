package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Asset identifies one monitored price feed.
type Asset struct {
	Key       string      `mapstructure:"key"`
	Symbol    string      `mapstructure:"symbol"`
	FeedID    string      `mapstructure:"feed_id"`
	BasePrice float64     `mapstructure:"base_price"`
	ID        common.Hash `mapstructure:"-"`
}

// NewAsset builds an asset and derives its on-chain identifier from the symbol.
func NewAsset(key, symbol, feedID string, basePrice float64) Asset {
	return Asset{
		Key:       strings.ToUpper(strings.TrimSpace(key)),
		Symbol:    strings.TrimSpace(symbol),
		FeedID:    NormalizeFeedID(feedID),
		BasePrice: basePrice,
		ID:        AssetID(symbol),
	}
}

// AssetID returns keccak256(symbol), the identifier the oracle contract keys prices by.
func AssetID(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.TrimSpace(symbol)))
}

// NormalizeFeedID lowercases a provider feed id and ensures the 0x prefix.
func NormalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}

// Validate checks the fields every pipeline stage relies on.
func (a Asset) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("asset %q: symbol is required", a.Key)
	}
	if a.FeedID == "" {
		return fmt.Errorf("asset %s: feed id is required", a.Symbol)
	}
	if a.BasePrice <= 0 {
		return fmt.Errorf("asset %s: base price must be greater than zero", a.Symbol)
	}
	return nil
}

func (a Asset) String() string {
	return a.Symbol
}

// DefaultCatalog lists the feeds the oracle ships with.
func DefaultCatalog() []Asset {
	return []Asset{
		NewAsset("BTC", "BTC/USD", "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43", 65000),
		NewAsset("ETH", "ETH/USD", "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace", 3500),
		NewAsset("SOL", "SOL/USD", "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d", 100),
		NewAsset("AVAX", "AVAX/USD", "0x93da3352f9f1d105fdfe4971cfa80e9dd777bfc5d0f683ebb6e1294b92137bb7", 25),
		NewAsset("LINK", "LINK/USD", "0x8ac0c70fff57e9aefdf5edf44b51d62c2d433653cbb2cf5cc06bb115af04d221", 18),
	}
}

// SelectAssets resolves a selection ("all" or a comma list of keys/symbols)
// against the catalog. Unknown entries are returned separately so callers
// can log them; an empty result is the caller's configuration error.
func SelectAssets(catalog []Asset, selection string) ([]Asset, []string) {
	selection = strings.TrimSpace(selection)
	if selection == "" || strings.EqualFold(selection, "all") {
		out := make([]Asset, len(catalog))
		copy(out, catalog)
		return out, nil
	}

	var (
		selected []Asset
		unknown  []string
		seen     = make(map[string]bool)
	)
	for _, raw := range strings.Split(selection, ",") {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		found := false
		for _, asset := range catalog {
			if asset.Key == name || strings.ToUpper(asset.Symbol) == name {
				if !seen[asset.Symbol] {
					selected = append(selected, asset)
					seen[asset.Symbol] = true
				}
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, raw)
		}
	}
	return selected, unknown
}
