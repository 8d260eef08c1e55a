package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_BelowMinSamplesReturnsNeutral(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectLRange("anomaly:history:agent-1", 0, -1).SetVal(nil)
	mock.Regexp().ExpectTxPipeline()
	mock.Regexp().ExpectLPush(`anomaly:history:.*`, `.*`).SetVal(1)
	mock.Regexp().ExpectLTrim(`anomaly:history:.*`, 0, int64(maxHistorySize-1)).SetVal("OK")
	mock.Regexp().ExpectExpire(`anomaly:history:.*`, historyTTL).SetVal(true)
	mock.Regexp().ExpectTxPipelineExec()

	s := New(rdb, 0.75)
	score, err := s.Score(context.Background(), "agent-1", 5000, time.Now())
	require.NoError(t, err)
	assert.False(t, score.ModelTrained)
	assert.Equal(t, 0.5, score.RiskScore)
}

func TestScoreBatch_PreservesOrderAndHandlesManyAgents(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 5; i++ {
		mock.Regexp().ExpectLRange(`anomaly:history:.*`, 0, -1).SetVal(nil)
		mock.Regexp().ExpectTxPipeline()
		mock.Regexp().ExpectLPush(`anomaly:history:.*`, `.*`).SetVal(1)
		mock.Regexp().ExpectLTrim(`anomaly:history:.*`, 0, int64(maxHistorySize-1)).SetVal("OK")
		mock.Regexp().ExpectExpire(`anomaly:history:.*`, historyTTL).SetVal(true)
		mock.Regexp().ExpectTxPipelineExec()
	}

	s := New(rdb, 0.75)
	items := make([]BatchItem, 5)
	for i := range items {
		items[i] = BatchItem{AgentID: "agent", AmountMinor: int64(1000 * (i + 1)), At: time.Now()}
	}
	results := s.ScoreBatch(context.Background(), 2, items)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestExtractFeatures_ZScoreComputedFromHistory(t *testing.T) {
	history := []historyEntry{{AmountMinor: 1000}, {AmountMinor: 1000}, {AmountMinor: 1000}}
	f := extractFeatures(100000, time.Now(), history)
	assert.Greater(t, f.AmountZScore, 0.0)
}
