package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/marketfeed"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"bitbucket.org/mmdatafocus/sellerops_backend/workflow"
)

// Seeds shipments from the marketplace feed for one user, outside a request.
func main() {
	userID := flag.String("user-id", "", "Required: user id (uuid)")
	goodID := flag.String("good-id", "", "Limit to one good; empty seeds every resolvable good")
	noCache := flag.Bool("no-cache", false, "Bypass the Redis feed cache")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" {
		fmt.Fprintln(os.Stderr, "--user-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	logger := config.GetLogger()

	var feed marketfeed.SupplyFeed = marketfeed.NewClientFromEnv()
	if !*noCache {
		feed = marketfeed.NewCachedFeed(feed, config.GetRedisDB(), config.MarketFeedCacheLifespan(), logger)
	}
	var locker workflow.Locker
	if l := config.GetRedisLock(); l != nil {
		locker = l
	}
	sync := workflow.NewSupplySyncWorkflow(feed, nil, nil, locker, logger)

	shutdownTracing, err := config.SetupTracing(context.Background())
	if err != nil {
		config.LogError(logger, "supply-sync", "SetupTracing", "tracing disabled", nil, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	ctx = utils.SetUserIdInContext(ctx, *userID)
	created, err := sync.SyncSupplies(ctx, *userID, strings.TrimSpace(*goodID))
	cancel()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	_ = shutdownTracing(flushCtx)
	cancelFlush()

	if err != nil {
		fmt.Fprintf(os.Stderr, "supply sync failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created %d supplies\n", created)
}
