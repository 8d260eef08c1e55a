// Package anomaly implements the Anomaly Scorer (C8): a per-agent
// transaction-history risk score that never gates a governance
// decision by itself. ScoreBatch spreads scoring over a bounded set of
// goroutines and returns only once every item is scored, so its caller
// waits for the result.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	minTrainingSamples = 10
	maxHistorySize      = 1000
	historyTTL          = 604800 * time.Second // 7 days
)

// Score is the Anomaly Scorer's advisory output for one transaction.
type Score struct {
	RiskScore       float64   `json:"risk_score"`
	RawScore        float64   `json:"raw_score"`
	Anomalous       bool      `json:"anomalous"`
	ModelTrained    bool      `json:"model_trained"`
	TrainingSamples int       `json:"training_samples"`
	Detail          string    `json:"detail,omitempty"`
	Features        Features  `json:"features"`
}

// Features is the feature vector extracted per transaction.
type Features struct {
	AmountLog    float64 `json:"amount_log"`
	HourOfDay    int     `json:"hour_of_day"`
	DayOfWeek    int     `json:"day_of_week"`
	AmountZScore float64 `json:"amount_zscore"`
}

type historyEntry struct {
	AmountMinor int64     `json:"amount_minor"`
	Timestamp   time.Time `json:"timestamp"`
}

// Scorer is the Anomaly Scorer component (C8).
type Scorer struct {
	rdb       *redis.Client
	threshold float64
}

func New(rdb *redis.Client, riskThreshold float64) *Scorer {
	return &Scorer{rdb: rdb, threshold: riskThreshold}
}

func historyKey(agentID string) string {
	return "anomaly:history:" + agentID
}

// Score computes a risk score for one transaction. History is fetched
// before the new transaction is recorded so the feature computed for
// this event is never contaminated by itself.
func (s *Scorer) Score(ctx context.Context, agentID string, amountMinor int64, at time.Time) (Score, error) {
	history, err := s.getHistory(ctx, agentID)
	if err != nil {
		return Score{}, fmt.Errorf("anomaly: read history: %w", err)
	}

	features := extractFeatures(amountMinor, at, history)

	if err := s.recordTransaction(ctx, agentID, amountMinor, at); err != nil {
		return Score{}, fmt.Errorf("anomaly: record transaction: %w", err)
	}

	if len(history) < minTrainingSamples {
		return Score{
			RiskScore:       0.5,
			Anomalous:       false,
			ModelTrained:    false,
			TrainingSamples: len(history),
			Features:        features,
		}, nil
	}

	raw := isolationScore(features, history)
	risk := math.Max(0, math.Min(1, 0.5-raw))
	anomalous := risk >= s.threshold

	detail := ""
	if anomalous {
		detail = explain(features)
	}

	return Score{
		RiskScore:       risk,
		RawScore:        raw,
		Anomalous:       anomalous,
		ModelTrained:    true,
		TrainingSamples: len(history),
		Detail:          detail,
		Features:        features,
	}, nil
}

// ScoreBatch fans out Score across a bounded worker pool, mirroring the
// semaphore+WaitGroup shape used elsewhere in this codebase for
// concurrent per-agent work. Results preserve input order; a per-item
// error does not abort the batch.
func (s *Scorer) ScoreBatch(ctx context.Context, maxConcurrency int, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(idx int, it BatchItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			score, err := s.Score(ctx, it.AgentID, it.AmountMinor, it.At)
			results[idx] = BatchResult{AgentID: it.AgentID, Score: score, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// BatchItem is one unit of work for ScoreBatch.
type BatchItem struct {
	AgentID     string
	AmountMinor int64
	At          time.Time
}

// BatchResult is the outcome of scoring one BatchItem.
type BatchResult struct {
	AgentID string
	Score   Score
	Err     error
}

func extractFeatures(amountMinor int64, at time.Time, history []historyEntry) Features {
	amountLog := math.Log10(float64(amountMinor) + 1)
	f := Features{
		AmountLog: amountLog,
		HourOfDay: at.UTC().Hour(),
		DayOfWeek: int(at.UTC().Weekday()),
	}
	if len(history) > 1 {
		mean, stddev := meanStddev(history)
		if stddev == 0 {
			stddev = 1
		}
		f.AmountZScore = (float64(amountMinor) - mean) / stddev
	}
	return f
}

func meanStddev(history []historyEntry) (mean, stddev float64) {
	sum := 0.0
	for _, h := range history {
		sum += float64(h.AmountMinor)
	}
	mean = sum / float64(len(history))

	variance := 0.0
	for _, h := range history {
		d := float64(h.AmountMinor) - mean
		variance += d * d
	}
	variance /= float64(len(history))
	return mean, math.Sqrt(variance)
}

// isolationScore is a lightweight stand-in for an isolation-forest-style
// anomaly score: it rewards transactions that sit far from the
// historical mean (in z-score terms) and outside typical business
// hours. The result lies in [-0.55, 0] (0 for an unremarkable
// transaction), so the caller's 0.5-minus-raw convention, clamped to
// [0,1], yields a risk score between 0.5 and 1.
func isolationScore(f Features, history []historyEntry) float64 {
	score := 0.0
	if math.Abs(f.AmountZScore) > 2.0 {
		score -= 0.25
	}
	if f.HourOfDay < 6 || f.HourOfDay > 22 {
		score -= 0.15
	}
	if math.Abs(f.AmountZScore) > 4.0 {
		score -= 0.15
	}
	return score
}

func explain(f Features) string {
	switch {
	case math.Abs(f.AmountZScore) > 2.0 && (f.HourOfDay < 6 || f.HourOfDay > 22):
		return fmt.Sprintf("amount z-score %.2f outside business hours (hour=%d)", f.AmountZScore, f.HourOfDay)
	case math.Abs(f.AmountZScore) > 2.0:
		return fmt.Sprintf("amount z-score %.2f exceeds 2.0", f.AmountZScore)
	case f.HourOfDay < 6 || f.HourOfDay > 22:
		return fmt.Sprintf("transaction hour %d outside 06:00-22:00", f.HourOfDay)
	default:
		return "risk threshold exceeded"
	}
}

func (s *Scorer) getHistory(ctx context.Context, agentID string) ([]historyEntry, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	history := make([]historyEntry, 0, len(raw))
	for _, r := range raw {
		var h historyEntry
		if err := json.Unmarshal([]byte(r), &h); err == nil {
			history = append(history, h)
		}
	}
	return history, nil
}

func (s *Scorer) recordTransaction(ctx context.Context, agentID string, amountMinor int64, at time.Time) error {
	entry := historyEntry{AmountMinor: amountMinor, Timestamp: at.UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := historyKey(agentID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, maxHistorySize-1)
	pipe.Expire(ctx, key, historyTTL)
	_, err = pipe.Exec(ctx)
	return err
}
