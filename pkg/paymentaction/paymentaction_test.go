package paymentaction

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprove_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payouts/pay_1/approve", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	err := c.Approve(context.Background(), "pay_1")
	require.NoError(t, err)
}

func TestCancel_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payouts/pay_2/cancel", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	err := c.Cancel(context.Background(), "pay_2", "domain_blocked")
	require.NoError(t, err)
}

func TestApprove_FourXXNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	err := c.Approve(context.Background(), "pay_3")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestApprove_FiveXXRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	err := c.Approve(context.Background(), "pay_4")

	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestApprove_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	for i := 0; i < 5; i++ {
		_ = c.Approve(context.Background(), "pay_5")
	}

	snap := c.breaker.Snapshot()
	assert.NotEqual(t, "CLOSED", string(snap.State))
}

func TestListQueuedPayouts_ParsesEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payouts", r.URL.Path)
		assert.Equal(t, "queued", r.URL.Query().Get("status"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"items":[
			{"id":"pay_q1","amount":5000,"currency":"INR",
			 "notes":{"agent_id":"agent-1","vendor_url":"https://safe.example"},
			 "fund_account":{"contact":{"name":"Acme Supplies"}}}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	payouts, err := c.ListQueuedPayouts(context.Background(), 100)

	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "pay_q1", payouts[0].ID)
	assert.Equal(t, int64(5000), payouts[0].AmountMinor)
	assert.Equal(t, "agent-1", payouts[0].Notes["agent_id"])
	assert.Equal(t, "Acme Supplies", payouts[0].ContactName)
}

func TestListQueuedPayouts_FourXXNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.ListQueuedPayouts(context.Background(), 100)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientRejected)
	assert.Equal(t, int32(1), calls.Load())
}
