package config

import (
	"os"
	"strings"
	"time"
)

// AllocationSettings bounds the supply allocation transaction and its retry policy.
//
// Set via env:
// - ALLOCATION_MAX_ATTEMPTS (default 3, 1 disables retry)
// - ALLOCATION_RETRY_INITIAL_MS (default 50)
// - ALLOCATION_RETRY_MAX_MS (default 1000)
// - ALLOCATION_TX_TIMEOUT_SECONDS (default 10)
type AllocationSettings struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	TxTimeout       time.Duration
}

func GetAllocationSettings() AllocationSettings {
	s := AllocationSettings{
		MaxAttempts:     intFromEnv("ALLOCATION_MAX_ATTEMPTS", 3),
		InitialInterval: time.Duration(intFromEnv("ALLOCATION_RETRY_INITIAL_MS", 50)) * time.Millisecond,
		MaxInterval:     time.Duration(intFromEnv("ALLOCATION_RETRY_MAX_MS", 1000)) * time.Millisecond,
		TxTimeout:       time.Duration(intFromEnv("ALLOCATION_TX_TIMEOUT_SECONDS", 10)) * time.Second,
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	if s.MaxInterval < s.InitialInterval {
		s.MaxInterval = s.InitialInterval
	}
	return s
}

// MarketFeedSince is the dateFrom passed to the upstream supplies endpoint.
func MarketFeedSince() string {
	if v := strings.TrimSpace(os.Getenv("MARKET_FEED_SINCE")); v != "" {
		return v
	}
	return "2019-01-01"
}

func MarketFeedCacheLifespan() time.Duration {
	return time.Duration(intFromEnv("MARKET_FEED_CACHE_MINUTES", 30)) * time.Minute
}
