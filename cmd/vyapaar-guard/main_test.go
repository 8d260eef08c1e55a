package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer

	original := startServer
	defer func() { startServer = original }()
	startServer = func() {}

	exitCode := Run([]string{"vyapaar-guard", "--help"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "Usage: vyapaar-guard")
}

func TestRun_NoArgsStartsServer(t *testing.T) {
	var stdout, stderr bytes.Buffer

	original := startServer
	defer func() { startServer = original }()
	called := false
	startServer = func() { called = true }

	exitCode := Run([]string{"vyapaar-guard"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, called, "expected startServer to be invoked")
}

func TestRun_UnknownCommandDefaultsToServer(t *testing.T) {
	var stdout, stderr bytes.Buffer

	original := startServer
	defer func() { startServer = original }()
	called := false
	startServer = func() { called = true }

	exitCode := Run([]string{"vyapaar-guard", "bogus"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "unknown command")
	assert.True(t, called, "expected startServer to be invoked")
}

func TestLimitInFlight_RejectsOverCapacity(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	handler := limitInFlight(slow, 1)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/payout", nil))
		close(done)
	}()
	<-entered

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/payout", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	close(release)
	<-done
}

func TestLimitInFlight_ZeroMaxIsNoLimit(t *testing.T) {
	handler := limitInFlight(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 0)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/payout", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
