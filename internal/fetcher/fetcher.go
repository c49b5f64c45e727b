package fetcher

import (
	"context"
	"errors"

	"sentinel-oracle/internal/domain"
)

// ErrFeedUnavailable wraps every failure to obtain data from the feed endpoint.
var ErrFeedUnavailable = errors.New("price feed unavailable")

// PriceSource produces one sample per call for an asset.
type PriceSource interface {
	FetchSample(ctx context.Context, asset domain.Asset) (domain.Sample, error)
}

// PayloadSource retrieves provider-signed update blobs for the pull oracle.
type PayloadSource interface {
	FetchUpdatePayload(ctx context.Context, feedIDs []string) ([][]byte, error)
}
