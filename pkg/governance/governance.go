// Package governance implements the Governance Engine (C9): the
// orchestrator that runs every PayoutIntent through the decision
// matrix, using the budget ledger, idempotency registry, policy store,
// reputation evaluator, identity verifier, anomaly scorer, and audit
// sink as narrow capability collaborators.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guglxni/vyapaar-mcp/pkg/anomaly"
	"github.com/guglxni/vyapaar-mcp/pkg/audit"
	"github.com/guglxni/vyapaar-mcp/pkg/identity"
	"github.com/guglxni/vyapaar-mcp/pkg/payout"
	"github.com/guglxni/vyapaar-mcp/pkg/reputation"
)

// BudgetLedger is the narrow view of C1 the engine needs.
type BudgetLedger interface {
	Reserve(ctx context.Context, agentID string, amountMinor, dailyCapMinor int64) (bool, error)
	Rollback(ctx context.Context, agentID string, amountMinor int64) error
}

// IdempotencyRegistry is the narrow view of C2 the engine needs.
type IdempotencyRegistry interface {
	Claim(ctx context.Context, payoutID string) (bool, error)
}

// PolicyStore is the narrow view of C3 the engine needs.
type PolicyStore interface {
	Get(ctx context.Context, agentID string) (*payout.Policy, error)
}

// AuditSink is the narrow view of C4 the engine needs.
type AuditSink interface {
	Commit(ctx context.Context, d payout.Decision, vendorName, vendorURL string, annotations map[string]string) (*audit.Record, error)
}

// ReputationEvaluator is the narrow view of C6 the engine needs.
type ReputationEvaluator interface {
	Evaluate(ctx context.Context, url string) (reputation.Verdict, error)
}

// IdentityVerifier is the narrow view of C7 the engine needs.
type IdentityVerifier interface {
	VerifyByName(ctx context.Context, legalName string) identity.Verdict
}

// DecisionTracker is the narrow view of the observability provider the
// engine needs: start a span and in-flight gauge for one evaluation,
// and get back a closure to finalize it once the outcome is known.
type DecisionTracker interface {
	TrackDecision(ctx context.Context, agentID string) (context.Context, func(outcome, reason string, err error))
}

// AnomalyScorer is the narrow view of C8 the engine needs. ScoreBatch is
// called with a single-item slice so every call runs through the same
// bounded worker pool the batch path uses, rather than scoring inline
// on the request goroutine.
type AnomalyScorer interface {
	ScoreBatch(ctx context.Context, maxConcurrency int, items []anomaly.BatchItem) []anomaly.BatchResult
}

// PaymentAction is the narrow view of the post-commit payment backend
// collaborator the engine needs: approve the backing payout for an
// APPROVED decision, cancel it for a REJECTED one.
type PaymentAction interface {
	Approve(ctx context.Context, payoutID string) error
	Cancel(ctx context.Context, payoutID, reason string) error
}

// NotifyFunc dispatches a HELD/REJECTED decision to the human
// notification collaborator. Failures are logged, never fatal.
type NotifyFunc func(ctx context.Context, d payout.Decision, vendorName, vendorURL string)

// Engine is the Governance Engine component (C9).
type Engine struct {
	ledger     BudgetLedger
	idempotent IdempotencyRegistry
	policies   PolicyStore
	audit      AuditSink
	reputation ReputationEvaluator
	identity   IdentityVerifier
	anomaly    AnomalyScorer
	action     PaymentAction
	notify     NotifyFunc
	tracker    DecisionTracker
	rateLimit  *slidingWindowLimiter
	logger     *slog.Logger

	anomalyWorkers int
	anomalyTimeout time.Duration
}

// Deps bundles the Engine's collaborators for construction.
type Deps struct {
	Ledger     BudgetLedger
	Idempotent IdempotencyRegistry
	Policies   PolicyStore
	Audit      AuditSink
	Reputation ReputationEvaluator
	Identity   IdentityVerifier
	Anomaly    AnomalyScorer
	Action     PaymentAction
	Notify     NotifyFunc
	Tracker    DecisionTracker
	Logger     *slog.Logger

	RateLimitRedis  *redis.Client
	RateLimitMax    int
	RateLimitWindow time.Duration

	// AnomalyWorkers bounds the concurrency of the anomaly-scoring worker
	// pool; AnomalyTimeout bounds how long Evaluate waits on it before
	// proceeding without the advisory annotation. Both default if unset.
	AnomalyWorkers int
	AnomalyTimeout time.Duration
}

const (
	defaultAnomalyWorkers = 8
	defaultAnomalyTimeout = 2 * time.Second
)

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *slidingWindowLimiter
	if d.RateLimitRedis != nil && d.RateLimitMax > 0 {
		limiter = newSlidingWindowLimiter(d.RateLimitRedis, d.RateLimitMax, d.RateLimitWindow)
	}
	anomalyWorkers := d.AnomalyWorkers
	if anomalyWorkers <= 0 {
		anomalyWorkers = defaultAnomalyWorkers
	}
	anomalyTimeout := d.AnomalyTimeout
	if anomalyTimeout <= 0 {
		anomalyTimeout = defaultAnomalyTimeout
	}
	return &Engine{
		ledger:         d.Ledger,
		idempotent:     d.Idempotent,
		policies:       d.Policies,
		audit:          d.Audit,
		reputation:     d.Reputation,
		identity:       d.Identity,
		anomaly:        d.Anomaly,
		action:         d.Action,
		notify:         d.Notify,
		tracker:        d.Tracker,
		rateLimit:      limiter,
		logger:         logger.With("component", "governance"),
		anomalyWorkers: anomalyWorkers,
		anomalyTimeout: anomalyTimeout,
	}
}

// Evaluate runs one PayoutIntent through the full decision matrix and
// returns its terminal Decision. Every decision, the idempotent-skip one
// included, has its audit record committed before this function
// returns; an APPROVED decision whose payment action fails also gets a
// compensating audit record. An intent that fails validation, or a
// decision whose audit commit fails, is returned as an error without a
// committed record.
func (e *Engine) Evaluate(ctx context.Context, in payout.Intent) (payout.Decision, error) {
	start := time.Now()

	var track func(outcome, reason string, err error)
	if e.tracker != nil {
		ctx, track = e.tracker.TrackDecision(ctx, in.AgentID)
	}

	if err := in.Validate(); err != nil {
		if track != nil {
			track(string(payout.Rejected), string(payout.ReasonInternalError), err)
		}
		return payout.Decision{}, fmt.Errorf("governance: invalid intent: %w", err)
	}

	// Step 1: idempotency.
	firstSeen, err := e.idempotent.Claim(ctx, in.PayoutID)
	if err != nil {
		return e.finish(ctx, in, payout.Rejected, payout.ReasonInternalError, err.Error(), nil, start, track)
	}
	if !firstSeen {
		return e.finish(ctx, in, payout.Skipped, payout.ReasonIdempotentSkip, "duplicate payout_id", nil, start, track)
	}

	// Step 2: policy lookup.
	policy, err := e.policies.Get(ctx, in.AgentID)
	if err != nil {
		return e.finish(ctx, in, payout.Rejected, payout.ReasonInternalError, err.Error(), nil, start, track)
	}
	if policy == nil {
		return e.finish(ctx, in, payout.Rejected, payout.ReasonNoPolicy, "no policy configured for agent", nil, start, track)
	}

	// Step 3: per-transaction cap, checked before reservation.
	if policy.PerTxnCapMinor > 0 && in.AmountMinor > policy.PerTxnCapMinor {
		return e.finish(ctx, in, payout.Rejected, payout.ReasonTxnLimitExceeded, "amount exceeds per-transaction cap", nil, start, track)
	}

	// Step 3.5 (supplemented): per-agent fixed-window rate limit, after
	// the per-transaction cap and ahead of any budget reservation.
	if e.rateLimit != nil {
		allowed, err := e.rateLimit.Allow(ctx, in.AgentID)
		if err != nil {
			return e.finish(ctx, in, payout.Rejected, payout.ReasonInternalError, err.Error(), nil, start, track)
		}
		if !allowed {
			return e.finish(ctx, in, payout.Rejected, payout.ReasonRateLimited, "agent exceeded request rate limit", nil, start, track)
		}
	}

	// Step 4: atomic budget reservation.
	ok, err := e.ledger.Reserve(ctx, in.AgentID, in.AmountMinor, policy.DailyCapMinor)
	if err != nil {
		return e.finish(ctx, in, payout.Rejected, payout.ReasonInternalError, err.Error(), nil, start, track)
	}
	if !ok {
		return e.finish(ctx, in, payout.Rejected, payout.ReasonLimitExceeded, "daily cap exceeded", nil, start, track)
	}

	// From here, any rejection must roll the reservation back.
	rollback := func() {
		if rbErr := e.ledger.Rollback(ctx, in.AgentID, in.AmountMinor); rbErr != nil {
			e.logger.Error("rollback failed", "agent_id", in.AgentID, "payout_id", in.PayoutID, "error", rbErr)
		}
	}

	// Steps 5-6: domain allow/block lists.
	domain := extractDomain(in.VendorURL)
	if domain != "" && !policy.DomainAllowed(domain) {
		rollback()
		return e.finish(ctx, in, payout.Rejected, payout.ReasonDomainBlocked, fmt.Sprintf("domain %q is not permitted", domain), nil, start, track)
	}

	// Step 7: vendor reputation (fail-closed).
	var threatTags []string
	if in.VendorURL != "" && e.reputation != nil {
		verdict, err := e.reputation.Evaluate(ctx, in.VendorURL)
		if err != nil {
			rollback()
			return e.finish(ctx, in, payout.Rejected, payout.ReasonInternalError, err.Error(), nil, start, track)
		}
		if !verdict.Safe {
			rollback()
			return e.finish(ctx, in, payout.Rejected, payout.ReasonRiskHigh, "vendor url failed reputation check", verdict.ThreatTags, start, track)
		}
	}

	// Non-gating advisories: identity + anomaly, attached for audit/
	// notification context only. Neither can flip the outcome.
	annotations := map[string]string{}
	if in.VendorName != "" && e.identity != nil {
		idv := e.identity.VerifyByName(ctx, in.VendorName)
		annotations["identity_verified"] = fmt.Sprintf("%v", idv.Verified)
		if idv.LEI != "" {
			annotations["identity_lei"] = idv.LEI
		}
	}
	if e.anomaly != nil {
		scoreCtx, cancel := context.WithTimeout(ctx, e.anomalyTimeout)
		results := e.anomaly.ScoreBatch(scoreCtx, e.anomalyWorkers, []anomaly.BatchItem{{
			AgentID:     in.AgentID,
			AmountMinor: in.AmountMinor,
			At:          in.ReceivedAt,
		}})
		cancel()
		if len(results) == 1 && results[0].Err == nil {
			annotations["anomaly_risk_score"] = fmt.Sprintf("%.3f", results[0].Score.RiskScore)
			annotations["anomaly_model_trained"] = fmt.Sprintf("%v", results[0].Score.ModelTrained)
		} else if len(results) == 1 && results[0].Err != nil {
			e.logger.Warn("anomaly scoring unavailable, proceeding without advisory annotation",
				"agent_id", in.AgentID, "payout_id", in.PayoutID, "error", results[0].Err)
		}
	}

	// Step 8: human-approval threshold (inclusive), no rollback.
	if policy.ApprovalAboveMinor > 0 && in.AmountMinor >= policy.ApprovalAboveMinor {
		return e.finishWithAnnotations(ctx, in, payout.Held, payout.ReasonApprovalRequired, "amount requires human approval", threatTags, annotations, start, track)
	}

	// Step 9: approved.
	return e.finishWithAnnotations(ctx, in, payout.Approved, payout.ReasonPolicyOK, "", threatTags, annotations, start, track)
}

func (e *Engine) finish(ctx context.Context, in payout.Intent, outcome payout.Outcome, reason payout.ReasonCode, detail string, threatTags []string, start time.Time, track func(outcome, reason string, err error)) (payout.Decision, error) {
	return e.finishWithAnnotations(ctx, in, outcome, reason, detail, threatTags, nil, start, track)
}

func (e *Engine) finishWithAnnotations(ctx context.Context, in payout.Intent, outcome payout.Outcome, reason payout.ReasonCode, detail string, threatTags []string, annotations map[string]string, start time.Time, track func(outcome, reason string, err error)) (payout.Decision, error) {
	d := payout.Decision{
		PayoutID:     in.PayoutID,
		AgentID:      in.AgentID,
		AmountMinor:  in.AmountMinor,
		Currency:     in.Currency,
		Outcome:      outcome,
		Reason:       reason,
		Detail:       detail,
		ThreatTags:   threatTags,
		ProcessingMS: time.Since(start).Milliseconds(),
		DecidedAt:    time.Now().UTC(),
	}

	if _, err := e.audit.Commit(ctx, d, in.VendorName, in.VendorURL, annotations); err != nil {
		if track != nil {
			track(string(outcome), string(reason), err)
		}
		return d, fmt.Errorf("governance: audit commit failed: %w", err)
	}

	level := slog.LevelInfo
	if outcome != payout.Approved {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "decision committed",
		"payout_id", in.PayoutID, "agent_id", in.AgentID, "outcome", outcome, "reason", reason)

	e.dispatchPaymentAction(ctx, in, d)

	if e.notify != nil && (outcome == payout.Held || outcome == payout.Rejected) {
		e.notify(ctx, d, in.VendorName, in.VendorURL)
	}

	if track != nil {
		track(string(outcome), string(reason), nil)
	}

	return d, nil
}

// dispatchPaymentAction hands the committed decision to the payment
// backend. An APPROVED decision whose approve call fails is
// compensated: the reservation is rolled back and a second, divergence
// -marking audit entry is committed. The originally committed APPROVED
// record is never rewritten. A REJECTED decision whose cancel call
// fails has nothing financial left to unwind; the failure is logged
// and left for health/metrics to surface.
func (e *Engine) dispatchPaymentAction(ctx context.Context, in payout.Intent, d payout.Decision) {
	if e.action == nil {
		return
	}

	switch d.Outcome {
	case payout.Approved:
		if err := e.action.Approve(ctx, in.PayoutID); err != nil {
			e.logger.Error("post-commit approve failed, compensating",
				"payout_id", in.PayoutID, "agent_id", in.AgentID, "error", err)

			if rbErr := e.ledger.Rollback(ctx, in.AgentID, in.AmountMinor); rbErr != nil {
				e.logger.Error("compensating rollback failed", "payout_id", in.PayoutID, "error", rbErr)
			}

			compensating := payout.Decision{
				PayoutID:     in.PayoutID,
				AgentID:      in.AgentID,
				AmountMinor:  in.AmountMinor,
				Currency:     in.Currency,
				Outcome:      payout.Rejected,
				Reason:       payout.ReasonInternalError,
				Detail:       fmt.Sprintf("payment backend approve failed after commit: %v", err),
				ProcessingMS: 0,
				DecidedAt:    time.Now().UTC(),
			}
			if _, auditErr := e.audit.Commit(ctx, compensating, in.VendorName, in.VendorURL, nil); auditErr != nil {
				e.logger.Error("compensating audit commit failed", "payout_id", in.PayoutID, "error", auditErr)
			}
		}
	case payout.Rejected:
		if err := e.action.Cancel(ctx, in.PayoutID, string(d.Reason)); err != nil {
			e.logger.Error("post-commit cancel failed", "payout_id", in.PayoutID, "agent_id", in.AgentID, "error", err)
		}
	}
}

func extractDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
