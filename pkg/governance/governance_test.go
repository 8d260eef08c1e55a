package governance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guglxni/vyapaar-mcp/pkg/anomaly"
	"github.com/guglxni/vyapaar-mcp/pkg/audit"
	"github.com/guglxni/vyapaar-mcp/pkg/payout"
	"github.com/guglxni/vyapaar-mcp/pkg/reputation"
)

type fakeLedger struct {
	mu       sync.Mutex
	reserved map[string]int64
	caps     map[string]int64
}

func newFakeLedger() *fakeLedger { return &fakeLedger{reserved: map[string]int64{}, caps: map[string]int64{}} }

func (f *fakeLedger) Reserve(ctx context.Context, agentID string, amount, cap int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserved[agentID]+amount > cap {
		return false, nil
	}
	f.reserved[agentID] += amount
	return true, nil
}

func (f *fakeLedger) Rollback(ctx context.Context, agentID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved[agentID] -= amount
	return nil
}

type fakeIdempotency struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeIdempotency() *fakeIdempotency { return &fakeIdempotency{seen: map[string]bool{}} }

func (f *fakeIdempotency) Claim(ctx context.Context, payoutID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[payoutID] {
		return false, nil
	}
	f.seen[payoutID] = true
	return true, nil
}

type fakePolicies struct {
	policies map[string]*payout.Policy
}

func (f *fakePolicies) Get(ctx context.Context, agentID string) (*payout.Policy, error) {
	return f.policies[agentID], nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []payout.Decision
}

func (f *fakeAudit) Commit(ctx context.Context, d payout.Decision, vendorName, vendorURL string, annotations map[string]string) (*audit.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, d)
	return &audit.Record{EntryHash: "sha256:fake"}, nil
}

type fakeReputation struct {
	safeURLs map[string]bool
}

func (f *fakeReputation) Evaluate(ctx context.Context, url string) (reputation.Verdict, error) {
	if f.safeURLs[url] {
		return reputation.Verdict{URL: url, Safe: true}, nil
	}
	return reputation.Verdict{URL: url, Safe: false, ThreatTags: []string{"MALWARE"}}, nil
}

type fakeAction struct {
	mu          sync.Mutex
	approved    []string
	cancelled   []string
	approveErr  error
}

func (f *fakeAction) Approve(ctx context.Context, payoutID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, payoutID)
	return nil
}

func (f *fakeAction) Cancel(ctx context.Context, payoutID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, payoutID)
	return nil
}

type fakeAnomaly struct {
	mu             sync.Mutex
	calls          int
	maxConcurrency int
	score          anomaly.Score
	err            error
	delay          time.Duration
}

func (f *fakeAnomaly) ScoreBatch(ctx context.Context, maxConcurrency int, items []anomaly.BatchItem) []anomaly.BatchResult {
	f.mu.Lock()
	f.calls++
	f.maxConcurrency = maxConcurrency
	f.mu.Unlock()

	results := make([]anomaly.BatchResult, len(items))
	for i, it := range items {
		if f.delay > 0 {
			select {
			case <-ctx.Done():
				results[i] = anomaly.BatchResult{AgentID: it.AgentID, Err: ctx.Err()}
				continue
			case <-time.After(f.delay):
			}
		}
		results[i] = anomaly.BatchResult{AgentID: it.AgentID, Score: f.score, Err: f.err}
	}
	return results
}

type fakeTracker struct {
	mu       sync.Mutex
	started  int
	outcome  string
	reason   string
	trackErr error
}

func (f *fakeTracker) TrackDecision(ctx context.Context, agentID string) (context.Context, func(outcome, reason string, err error)) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return ctx, func(outcome, reason string, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.outcome, f.reason, f.trackErr = outcome, reason, err
	}
}

func basePolicy() *payout.Policy {
	return &payout.Policy{
		AgentID:            "agent-1",
		DailyCapMinor:      500000,
		PerTxnCapMinor:     100000,
		ApprovalAboveMinor: 50000,
	}
}

func newTestEngine(policy *payout.Policy) (*Engine, *fakeLedger, *fakeAudit) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": policy}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{safeURLs: map[string]bool{"https://safe.example": true}}

	e := New(Deps{
		Ledger:     ledger,
		Idempotent: idem,
		Policies:   policies,
		Audit:      auditSink,
		Reputation: rep,
	})
	return e, ledger, auditSink
}

func TestEvaluate_Scenario1_ApprovedWithinLimits(t *testing.T) {
	e, ledger, _ := newTestEngine(basePolicy())
	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_1", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Approved, d.Outcome)
	assert.Equal(t, int64(25000), ledger.reserved["agent-1"])
}

func TestEvaluate_Scenario2_RejectedOverDailyCap(t *testing.T) {
	e, ledger, _ := newTestEngine(basePolicy())
	ledger.reserved["agent-1"] = 450000

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_2", AgentID: "agent-1", AmountMinor: 75000, Currency: "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Rejected, d.Outcome)
	assert.Equal(t, payout.ReasonLimitExceeded, d.Reason)
	assert.Equal(t, int64(450000), ledger.reserved["agent-1"])
}

func TestEvaluate_Scenario3_RejectedOverTxnCapNoReservation(t *testing.T) {
	e, ledger, _ := newTestEngine(basePolicy())

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_3", AgentID: "agent-1", AmountMinor: 120000, Currency: "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Rejected, d.Outcome)
	assert.Equal(t, payout.ReasonTxnLimitExceeded, d.Reason)
	assert.Equal(t, int64(0), ledger.reserved["agent-1"])
}

func TestEvaluate_Scenario4_RejectedUnsafeVendorRollsBack(t *testing.T) {
	e, ledger, _ := newTestEngine(basePolicy())

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_4", AgentID: "agent-1", AmountMinor: 30000, Currency: "INR", VendorURL: "https://evil.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Rejected, d.Outcome)
	assert.Equal(t, payout.ReasonRiskHigh, d.Reason)
	assert.Equal(t, []string{"MALWARE"}, d.ThreatTags)
	assert.Equal(t, int64(0), ledger.reserved["agent-1"])
}

func TestEvaluate_Scenario5_HeldAboveApprovalThreshold(t *testing.T) {
	e, ledger, _ := newTestEngine(basePolicy())

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_5", AgentID: "agent-1", AmountMinor: 60000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Held, d.Outcome)
	assert.Equal(t, payout.ReasonApprovalRequired, d.Reason)
	assert.Equal(t, int64(60000), ledger.reserved["agent-1"])
}

func TestEvaluate_Scenario6_ResubmitIsIdempotentSkip(t *testing.T) {
	e, ledger, _ := newTestEngine(basePolicy())
	intent := payout.Intent{PayoutID: "pay_6", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example"}

	_, err := e.Evaluate(context.Background(), intent)
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, payout.Skipped, d.Outcome)
	assert.Equal(t, payout.ReasonIdempotentSkip, d.Reason)
	assert.Equal(t, int64(25000), ledger.reserved["agent-1"])
}

func TestEvaluate_NoPolicyConfigured(t *testing.T) {
	e, _, _ := newTestEngine(nil)
	e.policies = &fakePolicies{policies: map[string]*payout.Policy{}}

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_7", AgentID: "ghost-agent", AmountMinor: 1000, Currency: "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Rejected, d.Outcome)
	assert.Equal(t, payout.ReasonNoPolicy, d.Reason)
}

func TestEvaluate_BoundaryExactlyAtPerTxnCapPassesCapCheck(t *testing.T) {
	e, _, _ := newTestEngine(basePolicy())
	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_8", AgentID: "agent-1", AmountMinor: 100000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Held, d.Outcome) // 100000 >= approval_above(50000)
}

func TestEvaluate_BoundaryExactlyAtApprovalThresholdIsHeld(t *testing.T) {
	e, _, _ := newTestEngine(basePolicy())
	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_9", AgentID: "agent-1", AmountMinor: 50000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Held, d.Outcome)
}

func TestEvaluate_ApprovedDispatchesApprove(t *testing.T) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": basePolicy()}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{safeURLs: map[string]bool{"https://safe.example": true}}
	action := &fakeAction{}

	e := New(Deps{Ledger: ledger, Idempotent: idem, Policies: policies, Audit: auditSink, Reputation: rep, Action: action})

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_approve", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Approved, d.Outcome)
	assert.Equal(t, []string{"pay_approve"}, action.approved)
}

func TestEvaluate_RejectedDispatchesCancel(t *testing.T) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": basePolicy()}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{}
	action := &fakeAction{}

	e := New(Deps{Ledger: ledger, Idempotent: idem, Policies: policies, Audit: auditSink, Reputation: rep, Action: action})

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_cancel", AgentID: "agent-1", AmountMinor: 10000, Currency: "INR", VendorURL: "https://evil.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Rejected, d.Outcome)
	assert.Equal(t, []string{"pay_cancel"}, action.cancelled)
}

func TestEvaluate_ApproveFailureCompensatesWithRollbackAndSecondAuditEntry(t *testing.T) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": basePolicy()}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{safeURLs: map[string]bool{"https://safe.example": true}}
	action := &fakeAction{approveErr: fmt.Errorf("backend unreachable")}

	e := New(Deps{Ledger: ledger, Idempotent: idem, Policies: policies, Audit: auditSink, Reputation: rep, Action: action})

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_compensate", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Approved, d.Outcome) // original decision is never rewritten
	assert.Equal(t, int64(0), ledger.reserved["agent-1"])
	require.Len(t, auditSink.records, 2)
	assert.Equal(t, payout.Approved, auditSink.records[0].Outcome)
	assert.Equal(t, payout.Rejected, auditSink.records[1].Outcome)
	assert.Equal(t, payout.ReasonInternalError, auditSink.records[1].Reason)
}

func TestEvaluate_ConcurrencyProperty_ExactlyTenApprovedTenRejected(t *testing.T) {
	policy := &payout.Policy{AgentID: "agent-1", DailyCapMinor: 10000}
	e, ledger, _ := newTestEngine(policy)

	const n = 20
	const amount = 1000
	var wg sync.WaitGroup
	results := make([]payout.Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			d, err := e.Evaluate(context.Background(), payout.Intent{
				PayoutID: fmt.Sprintf("concurrent-%d", idx), AgentID: "agent-1", AmountMinor: amount, Currency: "INR",
			})
			require.NoError(t, err)
			results[idx] = d
		}(i)
	}
	wg.Wait()

	approved, rejected := 0, 0
	for _, d := range results {
		switch d.Outcome {
		case payout.Approved:
			approved++
		case payout.Rejected:
			rejected++
		}
	}
	assert.Equal(t, 10, approved)
	assert.Equal(t, 10, rejected)
	assert.Equal(t, int64(10000), ledger.reserved["agent-1"])
	_ = time.Now()
}

func TestEvaluate_AnomalyScoringGoesThroughWorkerPool(t *testing.T) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": basePolicy()}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{safeURLs: map[string]bool{"https://safe.example": true}}
	scorer := &fakeAnomaly{score: anomaly.Score{RiskScore: 0.42, ModelTrained: true}}

	e := New(Deps{Ledger: ledger, Idempotent: idem, Policies: policies, Audit: auditSink, Reputation: rep, Anomaly: scorer})

	_, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_anomaly", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)

	scorer.mu.Lock()
	defer scorer.mu.Unlock()
	assert.Equal(t, 1, scorer.calls)
	assert.Equal(t, defaultAnomalyWorkers, scorer.maxConcurrency)

	require.Len(t, auditSink.records, 1)
}

func TestEvaluate_AnomalyScoringTimeoutDoesNotBlockDecision(t *testing.T) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": basePolicy()}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{safeURLs: map[string]bool{"https://safe.example": true}}
	scorer := &fakeAnomaly{delay: 50 * time.Millisecond}

	e := New(Deps{
		Ledger: ledger, Idempotent: idem, Policies: policies, Audit: auditSink, Reputation: rep,
		Anomaly: scorer, AnomalyTimeout: 5 * time.Millisecond,
	})

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_anomaly_slow", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)
	assert.Equal(t, payout.Approved, d.Outcome)
}

func TestEvaluate_TracksDecisionOutcome(t *testing.T) {
	ledger := newFakeLedger()
	idem := newFakeIdempotency()
	policies := &fakePolicies{policies: map[string]*payout.Policy{"agent-1": basePolicy()}}
	auditSink := &fakeAudit{}
	rep := &fakeReputation{safeURLs: map[string]bool{"https://safe.example": true}}
	tracker := &fakeTracker{}

	e := New(Deps{Ledger: ledger, Idempotent: idem, Policies: policies, Audit: auditSink, Reputation: rep, Tracker: tracker})

	d, err := e.Evaluate(context.Background(), payout.Intent{
		PayoutID: "pay_tracked", AgentID: "agent-1", AmountMinor: 25000, Currency: "INR", VendorURL: "https://safe.example",
	})
	require.NoError(t, err)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, 1, tracker.started)
	assert.Equal(t, string(d.Outcome), tracker.outcome)
	assert.Equal(t, string(d.Reason), tracker.reason)
	assert.NoError(t, tracker.trackErr)
}

func TestEvaluate_TracksRejectionOnInvalidIntent(t *testing.T) {
	e, _, _ := newTestEngine(basePolicy())
	tracker := &fakeTracker{}
	e.tracker = tracker

	_, err := e.Evaluate(context.Background(), payout.Intent{PayoutID: "", AgentID: "agent-1", AmountMinor: 1000, Currency: "INR"})
	require.Error(t, err)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, 1, tracker.started)
	assert.Error(t, tracker.trackErr)
}
