package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/guglxni/vyapaar-mcp/pkg/idempotency"
	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

const (
	minPollInterval  = 5 * time.Second
	maxPollInterval  = 300 * time.Second
	maxPayoutsPerPage = 100
	errorBackoffBase  = 5.0
	errorBackoffMax   = 120.0
)

// PayoutLister is the narrow view of the payment backend's pull
// contract the poller needs.
type PayoutLister interface {
	ListQueuedPayouts(ctx context.Context, limit int) ([]QueuedPayout, error)
}

// QueuedPayout is a payment backend's payout in "queued" state, as
// returned by the pull contract.
type QueuedPayout struct {
	ID          string
	AmountMinor int64
	Currency    string
	Notes       map[string]string
	ContactName string
}

// Poller is the Ingress Adapter component (C10), pull half.
type Poller struct {
	lister   PayoutLister
	governor Governor
	idem     *idempotency.Registry
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
}

func NewPoller(lister PayoutLister, governor Governor, idem *idempotency.Registry, interval time.Duration) *Poller {
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	return &Poller{
		lister:   lister,
		governor: governor,
		idem:     idem,
		interval: interval,
		logger:   slog.Default().With("component", "ingress.poller"),
		stop:     make(chan struct{}),
	}
}

// Run drives the poll loop until ctx is cancelled or Stop is called.
// Consecutive failures back off exponentially with jitter, capped at
// errorBackoffMax, recovering to the configured interval on success.
func (p *Poller) Run(ctx context.Context) {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		if err := p.pollOnce(ctx); err != nil {
			consecutiveErrors++
			p.logger.Error("poll cycle failed", "error", err, "consecutive_errors", consecutiveErrors)
			sleepFor(ctx, p.stop, backoffInterval(consecutiveErrors))
			continue
		}
		consecutiveErrors = 0
		sleepFor(ctx, p.stop, p.interval)
	}
}

// Stop signals Run to return at the next opportunity.
func (p *Poller) Stop() {
	close(p.stop)
}

func (p *Poller) pollOnce(ctx context.Context) error {
	payouts, err := p.lister.ListQueuedPayouts(ctx, maxPayoutsPerPage)
	if err != nil {
		return fmt.Errorf("ingress: list queued payouts: %w", err)
	}

	for _, qp := range payouts {
		dedupKey := pollDedupKey(qp.ID)
		firstSeen, err := p.idem.Claim(ctx, dedupKey)
		if err != nil {
			p.logger.Error("poll dedup check failed", "payout_id", qp.ID, "error", err)
			continue
		}
		if !firstSeen {
			continue
		}

		intent, err := convertQueuedPayout(qp)
		if err != nil {
			p.logger.Error("skipping malformed polled payout", "payout_id", qp.ID, "error", err)
			continue
		}
		if _, err := p.governor.Evaluate(ctx, intent); err != nil {
			p.logger.Error("governance evaluation failed for polled payout", "payout_id", qp.ID, "error", err)
		}
	}
	return nil
}

func convertQueuedPayout(qp QueuedPayout) (payout.Intent, error) {
	in := payout.Intent{
		PayoutID:    qp.ID,
		AmountMinor: qp.AmountMinor,
		Currency:    qp.Currency,
		AgentID:     qp.Notes["agent_id"],
		VendorURL:   qp.Notes["vendor_url"],
		VendorName:  qp.Notes["vendor_name"],
		VendorLEI:   qp.Notes["vendor_lei"],
		ContactName: qp.ContactName,
		Annotations: qp.Notes,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := in.Validate(); err != nil {
		return payout.Intent{}, fmt.Errorf("ingress: invalid intent from poll: %w", err)
	}
	return in, nil
}

// pollDedupKey namespaces poll-derived idempotency marks apart from the
// bare payout-id claim the governance engine makes, so a payout that a
// poll cycle has already handed on is skipped by later polls. A webhook
// and a poll cycle racing on the same payout converge on one decision
// through the engine's own bare-id claim.
func pollDedupKey(payoutID string) string {
	return "poll:payout.queued:" + payoutID
}

// backoffInterval grows errorBackoffBase exponentially, capped at
// errorBackoffMax, then adds deterministic jitter of up to a quarter of
// that delay, derived from the attempt count alone — so the sequence is
// reproducible across restarts, and every poller at the same attempt
// count backs off by the same amount.
func backoffInterval(consecutiveErrors int) time.Duration {
	delay := errorBackoffBase
	for i := 1; i < consecutiveErrors; i++ {
		delay *= 2
		if delay >= errorBackoffMax {
			delay = errorBackoffMax
			break
		}
	}
	jitterMs := deterministicJitterMs(consecutiveErrors, int64(delay*1000)/4)
	return time.Duration(delay*float64(time.Second)) + time.Duration(jitterMs)*time.Millisecond
}

func deterministicJitterMs(attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("ingress.poller:%d", attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}

func sleepFor(ctx context.Context, stop chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-timer.C:
	}
}
