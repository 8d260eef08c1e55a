package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New("svc", 3, 50*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Call(func() error { return boom })
		require.Error(t, err)
	}

	assert.Equal(t, Open, b.Snapshot().State)
	err := b.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	b := New("svc", 1, 10*time.Millisecond)
	_ = b.Call(func() error { return errors.New("boom") })
	assert.Equal(t, Open, b.Snapshot().State)

	time.Sleep(15 * time.Millisecond)

	err := b.Call(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.Snapshot().State)
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := New("svc", 1, 10*time.Millisecond)
	_ = b.Call(func() error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)

	err := b.Call(func() error { return errors.New("still broken") })
	require.Error(t, err)
	assert.Equal(t, Open, b.Snapshot().State)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("svc", 1, time.Hour)
	_ = b.Call(func() error { return errors.New("boom") })
	assert.Equal(t, Open, b.Snapshot().State)

	b.Reset()
	assert.Equal(t, Closed, b.Snapshot().State)
	assert.True(t, b.Allow())
}
