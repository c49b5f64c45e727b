package fetcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"sentinel-oracle/internal/domain"
)

const (
	latestFeedsPath   = "/api/latest_price_feeds"
	latestUpdatesPath = "/v2/updates/price/latest"
	defaultHermesURL  = "https://hermes.pyth.network"
	maxResponseBytes  = 4 << 20
)

// HermesOptions parameterise the Hermes price service client.
type HermesOptions struct {
	BaseURL           string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	// Fallback generates a sample when the feed cannot be read. Nil
	// disables fallback and surfaces the error.
	Fallback *Synthetic
}

// Hermes reads latest prices and signed update payloads from a Pyth Hermes endpoint.
type Hermes struct {
	opts    HermesOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewHermes constructs a Hermes client.
func NewHermes(opts HermesOptions, logger zerolog.Logger) *Hermes {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultHermesURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Hermes{
		opts:    opts,
		logger:  logger.With().Str("component", "hermes_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: limiter,
	}
}

// FetchSample returns the latest price for asset, falling back to a
// synthetic sample when the feed fails and a fallback is configured.
func (h *Hermes) FetchSample(ctx context.Context, asset domain.Asset) (domain.Sample, error) {
	sample, err := h.fetchLatest(ctx, asset)
	if err == nil {
		return sample, nil
	}
	if h.opts.Fallback == nil {
		return domain.Sample{}, err
	}
	if ctx.Err() != nil {
		return domain.Sample{}, err
	}

	h.logger.Warn().Err(err).Str("asset", asset.Symbol).Msg("feed fetch failed; using synthetic sample")
	return h.opts.Fallback.Generate(asset), nil
}

func (h *Hermes) fetchLatest(ctx context.Context, asset domain.Asset) (domain.Sample, error) {
	want := domain.NormalizeFeedID(asset.FeedID)
	if want == "" {
		return domain.Sample{}, fmt.Errorf("%w: asset %s has no feed id", ErrFeedUnavailable, asset.Symbol)
	}

	q := url.Values{}
	q.Add("ids[]", want)
	body, err := h.get(ctx, latestFeedsPath, q)
	if err != nil {
		return domain.Sample{}, err
	}

	var feeds []priceFeed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return domain.Sample{}, fmt.Errorf("%w: decode latest feeds: %v", ErrFeedUnavailable, err)
	}

	for _, feed := range feeds {
		if domain.NormalizeFeedID(feed.ID) != want {
			continue
		}
		return feed.Price.sample()
	}
	return domain.Sample{}, fmt.Errorf("%w: feed %s missing from response", ErrFeedUnavailable, asset.FeedID)
}

// FetchUpdatePayload retrieves signed binary updates for a batch of feeds.
// There is no synthetic fallback: the blobs are verified on-chain.
func (h *Hermes) FetchUpdatePayload(ctx context.Context, feedIDs []string) ([][]byte, error) {
	if len(feedIDs) == 0 {
		return nil, errors.New("at least one feed id required")
	}

	q := url.Values{}
	for _, id := range feedIDs {
		q.Add("ids[]", domain.NormalizeFeedID(id))
	}
	q.Set("encoding", "hex")

	body, err := h.get(ctx, latestUpdatesPath, q)
	if err != nil {
		return nil, err
	}

	var res updatesResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: decode update payload: %v", ErrFeedUnavailable, err)
	}
	if len(res.Binary.Data) == 0 {
		return nil, fmt.Errorf("%w: update payload is empty", ErrFeedUnavailable)
	}
	if res.Binary.Encoding != "" && res.Binary.Encoding != "hex" {
		return nil, fmt.Errorf("%w: unsupported payload encoding %q", ErrFeedUnavailable, res.Binary.Encoding)
	}

	blobs := make([][]byte, 0, len(res.Binary.Data))
	for i, raw := range res.Binary.Data {
		blob, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: decode blob %d: %v", ErrFeedUnavailable, i, err)
		}
		blobs = append(blobs, blob)
	}

	h.logger.Debug().Int("feeds", len(feedIDs)).Int("blobs", len(blobs)).Msg("fetched update payload")
	return blobs, nil
}

func (h *Hermes) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrFeedUnavailable, err)
	}

	endpoint := h.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "sentinel-oracle/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFeedUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

type priceFeed struct {
	ID    string     `json:"id"`
	Price priceField `json:"price"`
}

type priceField struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        *int32 `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (p priceField) sample() (domain.Sample, error) {
	if p.Price == "" || p.Expo == nil {
		return domain.Sample{}, fmt.Errorf("%w: price or exponent missing", ErrFeedUnavailable)
	}

	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return domain.Sample{}, fmt.Errorf("%w: parse price: %v", ErrFeedUnavailable, err)
	}
	if !price.IsPositive() {
		return domain.Sample{}, fmt.Errorf("%w: non-positive price %s", ErrFeedUnavailable, p.Price)
	}

	conf := decimal.Zero
	if p.Conf != "" {
		conf, err = decimal.NewFromString(p.Conf)
		if err != nil {
			return domain.Sample{}, fmt.Errorf("%w: parse confidence: %v", ErrFeedUnavailable, err)
		}
	}

	ts := p.PublishTime
	if ts <= 0 {
		ts = time.Now().Unix()
	}

	scaledPrice, err := domain.Rescale(price, *p.Expo)
	if err != nil {
		return domain.Sample{}, fmt.Errorf("%w: price: %v", ErrFeedUnavailable, err)
	}
	if scaledPrice <= 0 {
		return domain.Sample{}, fmt.Errorf("%w: price %se%d rounds to zero", ErrFeedUnavailable, p.Price, *p.Expo)
	}
	scaledConf, err := domain.Rescale(conf, *p.Expo)
	if err != nil {
		return domain.Sample{}, fmt.Errorf("%w: confidence: %v", ErrFeedUnavailable, err)
	}

	return domain.Sample{
		Price:      scaledPrice,
		Confidence: scaledConf,
		Timestamp:  ts,
	}, nil
}

type updatesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: hermes error (%d): %s", ErrFeedUnavailable, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: hermes error (%d): %s", ErrFeedUnavailable, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: hermes error (%d): %s", ErrFeedUnavailable, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: hermes error (%d)", ErrFeedUnavailable, status)
}

var (
	_ PriceSource   = (*Hermes)(nil)
	_ PayloadSource = (*Hermes)(nil)
)
