// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package emag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ioko18/magflow-erp-sub003/metrics"
	"github.com/ioko18/magflow-erp-sub003/ratelimit"
)

const (
	// Pages can be large; a too-short read timeout has broken production
	// syncs before, so the budget is deliberately generous.
	defaultReadTimeout    = 90 * time.Second
	defaultConnectTimeout = 10 * time.Second

	maxErrorBodyBytes = 2048
)

// Credentials authenticate one seller account via HTTP Basic auth.
type Credentials struct {
	Username string
	Password string
}

// ClientConfig configures a per-account remote client.
type ClientConfig struct {
	BaseURL        string
	Account        AccountID
	Credentials    Credentials
	Limiter        *ratelimit.Limiter
	ReadTimeout    time.Duration // total per-request budget, default 90s
	ConnectTimeout time.Duration // dial budget, default 10s
	FetchRetry     RetryPolicy
	AckRetry       RetryPolicy
	Logger         *slog.Logger

	// HTTPClient overrides the built transport; used by tests.
	HTTPClient *http.Client
}

// Client issues authenticated, rate-limited requests against one account.
// Every request first acquires a token for its rate-limit class.
type Client struct {
	baseURL    string
	account    AccountID
	creds      Credentials
	limiter    *ratelimit.Limiter
	http       *http.Client
	timeout    time.Duration
	fetchRetry RetryPolicy
	ackRetry   RetryPolicy
	logger     *slog.Logger
}

// NewClient validates the configuration and builds the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("emag: BaseURL must be provided")
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("emag: Account must be provided")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("emag: Limiter must be provided")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.FetchRetry.MaxAttempts <= 0 {
		cfg.FetchRetry = DefaultFetchRetry()
	}
	if cfg.AckRetry.MaxAttempts <= 0 {
		cfg.AckRetry = DefaultAckRetry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		account:    cfg.Account,
		creds:      cfg.Credentials,
		limiter:    cfg.Limiter,
		http:       httpClient,
		timeout:    cfg.ReadTimeout,
		fetchRetry: cfg.FetchRetry,
		ackRetry:   cfg.AckRetry,
		logger:     cfg.Logger.With("account", string(cfg.Account)),
	}, nil
}

// Account returns the seller account this client is bound to.
func (c *Client) Account() AccountID { return c.account }

// FetchOptions narrow a paginated fetch. Zero value means a full page fetch.
type FetchOptions struct {
	UpdatedAfter time.Time // incremental watermark, omitted when zero
	ExternalIDs  []string  // selective sync filter, omitted when empty
}

// FetchPage retrieves one page of a remote collection, retrying retryable
// failures under the fetch policy. Exhausted retries surface the last typed
// error so the orchestrator can advance past the page.
func (c *Client) FetchPage(ctx context.Context, resource string, page, pageSize int, opts FetchOptions) (*Page, error) {
	if page < 1 {
		return nil, fmt.Errorf("emag: page must be >= 1, got %d", page)
	}
	endpoint := c.pageURL(resource, page, pageSize, opts)
	class := classForResource(resource)

	var result *Page
	err := withRetry(ctx, c.logger, c.fetchRetry, "fetch "+resource+" page "+strconv.Itoa(page), func(ctx context.Context) error {
		fetched, err := c.getPage(ctx, class, endpoint)
		if err != nil {
			return err
		}
		result = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitAck acknowledges receipt of an order on the remote side. It runs
// under its own, shorter retry policy.
func (c *Client) SubmitAck(ctx context.Context, externalID string) error {
	endpoint := fmt.Sprintf("%s/%s/%s/ack", c.baseURL, ResourceOrders, url.PathEscape(externalID))
	return withRetry(ctx, c.logger, c.ackRetry, "ack order "+externalID, func(ctx context.Context) error {
		return c.postAck(ctx, endpoint)
	})
}

func (c *Client) getPage(ctx context.Context, class ratelimit.Class, endpoint string) (*Page, error) {
	if err := c.limiter.Acquire(ctx, class); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Password)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(string(c.account), string(class), "transport_error", time.Since(start))
		return nil, &TransportError{Method: http.MethodGet, Endpoint: endpoint, Timeout: c.timeout, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		metrics.RecordRemoteRequest(string(c.account), string(class), strconv.Itoa(resp.StatusCode), time.Since(start))
		return nil, classifyStatus(c.account, endpoint, resp.StatusCode, string(body))
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		metrics.RecordRemoteRequest(string(c.account), string(class), "decode_error", time.Since(start))
		return nil, &ValidationError{Status: resp.StatusCode, Endpoint: endpoint, Body: "malformed page payload: " + err.Error()}
	}
	metrics.RecordRemoteRequest(string(c.account), string(class), "ok", time.Since(start))
	return &page, nil
}

func (c *Client) postAck(ctx context.Context, endpoint string) error {
	if err := c.limiter.Acquire(ctx, ratelimit.ClassOrder); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Password)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(string(c.account), string(ratelimit.ClassOrder), "transport_error", time.Since(start))
		return &TransportError{Method: http.MethodPost, Endpoint: endpoint, Timeout: c.timeout, Err: err}
	}
	defer resp.Body.Close()

	metrics.RecordRemoteRequest(string(c.account), string(ratelimit.ClassOrder), strconv.Itoa(resp.StatusCode), time.Since(start))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return classifyStatus(c.account, endpoint, resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) pageURL(resource string, page, pageSize int, opts FetchOptions) string {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(pageSize))
	if !opts.UpdatedAfter.IsZero() {
		query.Set("updated_after", opts.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	if len(opts.ExternalIDs) > 0 {
		query.Set("ids", strings.Join(opts.ExternalIDs, ","))
	}
	return fmt.Sprintf("%s/%s?%s", c.baseURL, resource, query.Encode())
}

func classForResource(resource string) ratelimit.Class {
	if resource == ResourceOrders {
		return ratelimit.ClassOrder
	}
	return ratelimit.ClassBulk
}
