package emag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ioko18/magflow-erp-sub003/ratelimit"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:     baseURL,
		Account:     AccountMain,
		Credentials: Credentials{Username: "user", Password: "pass"},
		Limiter:     ratelimit.New(ratelimit.Config{BulkPerSecond: 1000, OrderPerSecond: 1000}),
		FetchRetry:  RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		AckRetry:    RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
	})
	require.NoError(t, err)
	return client
}

func TestFetchPageDecodesRecordsAndHasMore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "user", user)
		require.Equal(t, "pass", pass)
		require.Equal(t, "/product_offer", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "100", r.URL.Query().Get("per_page"))
		fmt.Fprint(w, `{
			"records": [
				{"id": "SKU-1", "updated_at": "2026-02-01T10:00:00Z", "name": "Widget", "price": 19.99},
				{"id": 42, "name": "Numeric ID widget"}
			],
			"has_more": true
		}`)
	}))
	defer server.Close()

	page, err := testClient(t, server.URL).FetchPage(context.Background(), ResourceProducts, 2, 100, FetchOptions{})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Records, 2)
	require.Equal(t, "SKU-1", page.Records[0].ExternalID)
	require.Equal(t, "Widget", page.Records[0].Fields["name"])
	require.Equal(t, 19.99, page.Records[0].Fields["price"])
	require.Equal(t, "42", page.Records[1].ExternalID)
	require.True(t, page.Records[1].UpdatedAt.IsZero())
}

func TestFetchPagePassesIncrementalAndSelectiveFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2026-01-15T00:00:00Z", r.URL.Query().Get("updated_after"))
		require.Equal(t, "a,b", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"records": [], "has_more": false}`)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).FetchPage(context.Background(), ResourceProducts, 1, 50, FetchOptions{
		UpdatedAfter: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExternalIDs:  []string{"a", "b"},
	})
	require.NoError(t, err)
}

func TestFetchPageAuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).FetchPage(context.Background(), ResourceProducts, 1, 100, FetchOptions{})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchPageValidationErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).FetchPage(context.Background(), ResourceProducts, 1, 100, FetchOptions{})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchPageRateLimitRetriedUntilExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).FetchPage(context.Background(), ResourceProducts, 1, 100, FetchOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit exceeded")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchPageServerErrorRecoversOnRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"records": [{"id": "ok"}], "has_more": false}`)
	}))
	defer server.Close()

	page, err := testClient(t, server.URL).FetchPage(context.Background(), ResourceProducts, 1, 100, FetchOptions{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSubmitAckPostsAndRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order/ORD-77/ack", r.URL.Path)
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	require.NoError(t, testClient(t, server.URL).SubmitAck(context.Background(), "ORD-77"))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTransportErrorCarriesEndpointAndTimeout(t *testing.T) {
	client := testClient(t, "http://127.0.0.1:1") // nothing listens there
	_, err := client.FetchPage(context.Background(), ResourceOrders, 1, 10, FetchOptions{})
	require.Error(t, err)
	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	require.Equal(t, http.MethodGet, trErr.Method)
	require.Contains(t, trErr.Endpoint, "/order?")
	require.Contains(t, err.Error(), "timeout budget")
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, Retryable(&RateLimitError{}))
	require.True(t, Retryable(&ServerError{Status: 503}))
	require.True(t, Retryable(&TransportError{Err: errors.New("refused")}))
	require.False(t, Retryable(&AuthError{Status: 403}))
	require.False(t, Retryable(&ValidationError{Status: 400}))
	require.False(t, Retryable(errors.New("plain")))
}
