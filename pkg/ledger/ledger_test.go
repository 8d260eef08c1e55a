package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_AllowedUnderCap(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := New(rdb)

	mock.ExpectEvalSha(reserveScript.Hash(), []string{budgetKey("agent-1", time.Now())}, int64(2500), int64(500000), int64(dayTTL.Seconds())).SetVal([]interface{}{int64(1), int64(2500)})

	ok, err := l.Reserve(context.Background(), "agent-1", 2500, 500000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserve_DeniedOverCap(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := New(rdb)

	mock.ExpectEvalSha(reserveScript.Hash(), []string{budgetKey("agent-1", time.Now())}, int64(75000), int64(500000), int64(dayTTL.Seconds())).SetVal([]interface{}{int64(0), int64(480000)})

	ok, err := l.Reserve(context.Background(), "agent-1", 75000, 500000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserve_SubstrateError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := New(rdb)

	mock.ExpectEvalSha(reserveScript.Hash(), []string{budgetKey("agent-1", time.Now())}, int64(1000), int64(500000), int64(dayTTL.Seconds())).SetErr(assertError)

	ok, err := l.Reserve(context.Background(), "agent-1", 1000, 500000)
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrSubstrateUnavailable)
}

func TestRollback_Decrements(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := New(rdb)

	mock.Regexp().ExpectDecrBy(`budget:.*`, 3000).SetVal(0)

	err := l.Rollback(context.Background(), "agent-1", 3000)
	require.NoError(t, err)
}

func TestCurrent_AbsentKeyReturnsZero(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := New(rdb)

	mock.Regexp().ExpectGet(`budget:.*`).RedisNil()

	cur, err := l.Current(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur)
}

var assertError = &redisErr{}

type redisErr struct{}

func (e *redisErr) Error() string { return "connection refused" }
