package marketfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const suppliesPath = "/api/v1/supplier/incomes"

var ErrUnauthorized = errors.New("marketplace statistics token rejected")

var tracer = otel.Tracer("sellerops-backend/marketfeed")

type Client struct {
	baseURL string
	http    *http.Client
	limiter <-chan time.Time
}

// NewClientFromEnv reads MARKET_STATISTICS_API_URL and MARKET_FEED_RATE_LIMIT_PER_MIN.
func NewClientFromEnv() *Client {
	baseURL := strings.TrimSpace(os.Getenv("MARKET_STATISTICS_API_URL"))
	if baseURL == "" {
		baseURL = "https://statistics-api.wildberries.ru"
	}
	perMinute := 10
	if v := strings.TrimSpace(os.Getenv("MARKET_FEED_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			perMinute = n
		}
	}
	return NewClient(baseURL, perMinute, nil)
}

// NewClient builds a client; perMinute <= 0 disables rate limiting.
func NewClient(baseURL string, perMinute int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
	if perMinute > 0 {
		c.limiter = time.Tick(time.Minute / time.Duration(perMinute))
	}
	return c
}

func (c *Client) ListSupplies(ctx context.Context, token string, dateFrom string) ([]UpstreamSupply, error) {
	ctx, span := tracer.Start(ctx, "marketfeed.ListSupplies",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("feed.date_from", dateFrom)),
	)
	defer span.End()

	supplies, err := c.listSupplies(ctx, token, dateFrom)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list supplies failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("feed.rows", len(supplies)))
	return supplies, nil
}

func (c *Client) listSupplies(ctx context.Context, token string, dateFrom string) ([]UpstreamSupply, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	if c.limiter != nil {
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	params := url.Values{}
	params.Set("dateFrom", dateFrom)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+suppliesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("marketplace statistics api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var supplies []UpstreamSupply
	if len(strings.TrimSpace(string(body))) == 0 {
		return supplies, nil
	}
	if err := json.Unmarshal(body, &supplies); err != nil {
		return nil, fmt.Errorf("decode supplies: %w", err)
	}
	return supplies, nil
}
