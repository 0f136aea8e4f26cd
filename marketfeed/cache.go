package marketfeed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedFeed keeps feed responses in Redis; the upstream report is slow and heavily rate limited.
type CachedFeed struct {
	feed   SupplyFeed
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedFeed(feed SupplyFeed, rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedFeed{feed: feed, rdb: rdb, ttl: ttl, logger: logger}
}

// the token is hashed so it never lands in Redis keys
func suppliesCacheKey(token, dateFrom string) string {
	sum := sha256.Sum256([]byte(token))
	return "MarketFeed:supplies:" + hex.EncodeToString(sum[:12]) + ":" + dateFrom
}

func (f *CachedFeed) ListSupplies(ctx context.Context, token string, dateFrom string) ([]UpstreamSupply, error) {
	if f.rdb == nil || f.ttl <= 0 {
		return f.feed.ListSupplies(ctx, token, dateFrom)
	}
	key := suppliesCacheKey(token, dateFrom)

	raw, err := f.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []UpstreamSupply
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
	case !errors.Is(err, redis.Nil):
		f.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("market feed cache read failed")
	}

	supplies, err := f.feed.ListSupplies(ctx, token, dateFrom)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(supplies); err == nil {
		if err := f.rdb.Set(ctx, key, payload, f.ttl).Err(); err != nil {
			f.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("market feed cache write failed")
		}
	}
	return supplies, nil
}
