package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/domain"
)

// RedisOptions configure the status mirror.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	TTL         time.Duration
	HistorySize int
	Timeout     time.Duration
}

// RedisPublisher mirrors tracker state into Redis so other processes can
// read the latest status without calling the API.
type RedisPublisher struct {
	client  *redis.Client
	tracker *Tracker
	opts    RedisOptions
	logger  zerolog.Logger
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, tracker *Tracker, logger zerolog.Logger) (*RedisPublisher, error) {
	if opts.Prefix == "" {
		opts.Prefix = "sentinel"
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisPublisher{
		client:  client,
		tracker: tracker,
		opts:    opts,
		logger:  logger.With().Str("component", "status_redis").Logger(),
	}, nil
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LatestKey is the key holding an asset's latest status JSON.
func (p *RedisPublisher) LatestKey(symbol string) string {
	return fmt.Sprintf("%s:latest:%s", p.opts.Prefix, symbol)
}

// HistoryKey is the sorted set of an asset's recent price points.
func (p *RedisPublisher) HistoryKey(symbol string) string {
	return fmt.Sprintf("%s:history:%s", p.opts.Prefix, symbol)
}

// RecordVerdict publishes the asset's status and appends the new point.
func (p *RedisPublisher) RecordVerdict(ctx context.Context, asset domain.Asset, sample domain.Sample, verdict domain.Verdict) {
	st, ok := p.tracker.Asset(asset.Symbol)
	if !ok {
		return
	}
	point := PricePoint{
		Price:     sample.Float(),
		Timestamp: sample.Time(),
		ZScore:    verdict.ZScore,
		Anomalous: verdict.Anomalous,
		Source:    sample.Source(),
	}
	if err := p.publish(ctx, st, &point); err != nil {
		p.logger.Warn().Err(err).Str("asset", asset.Symbol).Msg("failed to mirror status to redis")
	}
}

// RecordAttempt refreshes the latest status with the submission outcome.
func (p *RedisPublisher) RecordAttempt(ctx context.Context, attempt domain.Attempt) {
	if attempt.Outcome == domain.OutcomeSkipped {
		return
	}
	st, ok := p.tracker.Asset(attempt.Asset.Symbol)
	if !ok {
		return
	}
	if err := p.publish(ctx, st, nil); err != nil {
		p.logger.Warn().Err(err).Str("asset", attempt.Asset.Symbol).Msg("failed to mirror attempt to redis")
	}
}

func (p *RedisPublisher) publish(ctx context.Context, st AssetStatus, point *PricePoint) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	latest, err := latestPayload(st)
	if err != nil {
		return err
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.LatestKey(st.Asset), latest, p.opts.TTL)
	if point != nil {
		member, err := json.Marshal(point)
		if err != nil {
			return fmt.Errorf("marshal price point: %w", err)
		}
		key := p.HistoryKey(st.Asset)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(point.Timestamp.UnixNano()), Member: member})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-p.opts.HistorySize-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// latestPayload drops the history from the latest-status document; the
// history lives in its own sorted set.
func latestPayload(st AssetStatus) ([]byte, error) {
	st.PriceHistory = nil
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal asset status: %w", err)
	}
	return data, nil
}
