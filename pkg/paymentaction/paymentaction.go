// Package paymentaction is the post-commit collaborator that executes
// the payment backend side effect of a governance decision: approving
// the backing payout for APPROVED, cancelling it for REJECTED. It owns
// its own retry policy (4xx is fatal, 5xx retries with bounded
// exponential backoff) and its own circuit breaker, matching how the
// engine isolates every external dependency.
package paymentaction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/guglxni/vyapaar-mcp/pkg/breaker"
	"github.com/guglxni/vyapaar-mcp/pkg/ingress"
)

var ErrClientRejected = errors.New("paymentaction: backend rejected the request (4xx, not retried)")

// Client talks to the X-style payment backend's approve/cancel
// endpoints.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	breaker *breaker.Breaker
	maxWait time.Duration
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		breaker: breaker.New("paymentaction", 5, 30*time.Second),
		maxWait: 5 * time.Second,
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Approve instructs the backend to release payoutID.
func (c *Client) Approve(ctx context.Context, payoutID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/payouts/%s/approve", payoutID), nil)
}

// Cancel instructs the backend to cancel payoutID with a free-text
// reason, used for REJECTED decisions.
func (c *Client) Cancel(ctx context.Context, payoutID, reason string) error {
	body, _ := json.Marshal(map[string]string{"reason": reason})
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/payouts/%s/cancel", payoutID), body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	operation := func() error {
		return c.breaker.Call(func() error {
			return c.attempt(ctx, method, path, body)
		})
	}

	return backoff.Retry(operation, policy)
}

// queuedPayoutsResponse mirrors the payment backend's list-queued-
// payouts response shape, the same entity layout the push webhook uses.
type queuedPayoutsResponse struct {
	Items []queuedPayoutItem `json:"items"`
}

type queuedPayoutItem struct {
	ID          string            `json:"id"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Notes       map[string]string `json:"notes"`
	FundAccount struct {
		Contact struct {
			Name string `json:"name"`
		} `json:"contact"`
	} `json:"fund_account"`
}

// ListQueuedPayouts lists payouts sitting in "queued" state at the
// payment backend, for pull-mode ingress. It satisfies
// ingress.PayoutLister, sharing this client's retry and circuit-breaker
// policy with Approve/Cancel.
func (c *Client) ListQueuedPayouts(ctx context.Context, limit int) ([]ingress.QueuedPayout, error) {
	respBody, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/payouts?status=queued&count=%d", limit))
	if err != nil {
		return nil, err
	}

	var parsed queuedPayoutsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("paymentaction: parse queued payouts: %w", err)
	}

	out := make([]ingress.QueuedPayout, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		out = append(out, ingress.QueuedPayout{
			ID:          item.ID,
			AmountMinor: item.AmountMinor,
			Currency:    item.Currency,
			Notes:       item.Notes,
			ContactName: item.FundAccount.Contact.Name,
		})
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	var respBody []byte
	operation := func() error {
		return c.breaker.Call(func() error {
			body, err := c.attemptJSON(ctx, method, path)
			if err != nil {
				return err
			}
			respBody = body
			return nil
		})
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *Client) attemptJSON(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("paymentaction: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paymentaction: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("paymentaction: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d", ErrClientRejected, resp.StatusCode))
	}
	return nil, fmt.Errorf("paymentaction: backend returned status %d", resp.StatusCode)
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("paymentaction: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("paymentaction: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("%w: status %d", ErrClientRejected, resp.StatusCode))
	}
	return fmt.Errorf("paymentaction: backend returned status %d", resp.StatusCode)
}
