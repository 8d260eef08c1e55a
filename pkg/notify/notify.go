// Package notify is the human-notification collaborator: HELD
// decisions become Slack Block Kit approval requests, select REJECTED
// reason codes become Slack alerts, and both fall back to ntfy.sh when
// Slack is unreachable or unconfigured. APPROVED decisions are always
// silent.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/guglxni/vyapaar-mcp/pkg/breaker"
	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

// slackSignatureVersion is Slack's request-signing scheme version; see
// https://api.slack.com/authentication/verifying-requests-from-slack.
const slackSignatureVersion = "v0"

// slackReplayWindow rejects interactive-callback requests whose
// timestamp has drifted too far from now, closing the replay window a
// captured signature would otherwise stay valid in.
const slackReplayWindow = 300 * time.Second

var ErrSlackSignatureInvalid = errors.New("notify: slack signature verification failed")

// VerifySlackSignature checks an interactive-callback request (the
// approve/reject button clicks from RequestApproval's Block Kit
// message) against Slack's signing scheme: reject anything older than
// the replay window, then compare an HMAC-SHA256 of "v0:timestamp:body"
// against the provided signature in constant time.
func VerifySlackSignature(body []byte, timestampHeader, signatureHeader, signingSecret string) error {
	requestTime, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrSlackSignatureInvalid)
	}
	age := time.Since(time.Unix(requestTime, 0))
	if age < 0 {
		age = -age
	}
	if age > slackReplayWindow {
		return fmt.Errorf("%w: request too old", ErrSlackSignatureInvalid)
	}

	baseString := fmt.Sprintf("%s:%s:%s", slackSignatureVersion, timestampHeader, body)
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(baseString))
	expected := slackSignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return ErrSlackSignatureInvalid
	}
	return nil
}

// alertableRejectionReasons gates which REJECTED decisions page a
// human; routine rejections (per-transaction cap, idempotent skip) are
// audit-only noise if alerted on every occurrence. RATE_LIMITED is
// included even though it is purely operational, not security, because
// a sustained rate-limit rejection streak against one agent is itself a
// signal worth a human glance.
var alertableRejectionReasons = map[payout.ReasonCode]bool{
	payout.ReasonRiskHigh:      true,
	payout.ReasonDomainBlocked: true,
	payout.ReasonLimitExceeded: true,
	payout.ReasonNoPolicy:      true,
	payout.ReasonRateLimited:   true,
}

// IsAlertable reports whether a REJECTED decision's reason should ever
// reach a human notifier.
func IsAlertable(reason payout.ReasonCode) bool {
	return alertableRejectionReasons[reason]
}

const slackAPIBase = "https://slack.com/api"

// SlackNotifier posts Block Kit messages to one configured channel.
type SlackNotifier struct {
	http      *http.Client
	botToken  string
	channelID string
	breaker   *breaker.Breaker
	logger    *slog.Logger
}

func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{
		http:      &http.Client{Timeout: 10 * time.Second},
		botToken:  botToken,
		channelID: channelID,
		breaker:   breaker.New("notify.slack", 5, 60*time.Second),
		logger:    slog.Default().With("component", "notify.slack"),
	}
}

// Breaker exposes the notifier's circuit breaker for health reporting.
func (s *SlackNotifier) Breaker() *breaker.Breaker {
	return s.breaker
}

// RequestApproval sends a HELD decision to Slack as an approval
// request with approve/reject buttons.
func (s *SlackNotifier) RequestApproval(ctx context.Context, d payout.Decision, vendorName, vendorURL string) bool {
	amountRupees := float64(d.AmountMinor) / 100
	text := fmt.Sprintf("Approval Required: Rs %.2f payout by %s", amountRupees, d.AgentID)
	blocks := approvalBlocks(d, amountRupees, vendorDisplay(vendorName, vendorURL))
	return s.postMessage(ctx, text, blocks)
}

// SendRejectionAlert sends a REJECTED decision to Slack as an alert. It
// does not check the alertable-reason allowlist itself; Dispatcher.Notify
// does that before calling it.
func (s *SlackNotifier) SendRejectionAlert(ctx context.Context, d payout.Decision, vendorName, vendorURL string) bool {
	amountRupees := float64(d.AmountMinor) / 100
	text := fmt.Sprintf("Payout Rejected: Rs %.2f - %s", amountRupees, d.Reason)
	blocks := rejectionBlocks(d, amountRupees, vendorDisplay(vendorName, vendorURL))
	return s.postMessage(ctx, text, blocks)
}

func (s *SlackNotifier) postMessage(ctx context.Context, text string, blocks []map[string]any) bool {
	payloadBody := map[string]any{
		"channel": s.channelID,
		"text":    text,
	}
	if len(blocks) > 0 {
		payloadBody["blocks"] = blocks
	}
	body, err := json.Marshal(payloadBody)
	if err != nil {
		s.logger.Error("marshal slack payload failed", "error", err)
		return false
	}

	var ok bool
	err = s.breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIBase+"/chat.postMessage", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.botToken)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var parsed struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
			return decodeErr
		}
		if !parsed.OK {
			return fmt.Errorf("notify: slack api error: %s", parsed.Error)
		}
		ok = true
		return nil
	})
	if err != nil {
		s.logger.Error("slack notification failed", "error", err)
		return false
	}
	return ok
}

func vendorDisplay(vendorName, vendorURL string) string {
	if vendorName != "" {
		return vendorName
	}
	if vendorURL != "" {
		return vendorURL
	}
	return "Unknown Vendor"
}

func approvalBlocks(d payout.Decision, amountRupees float64, vendorDisplay string) []map[string]any {
	return []map[string]any{
		{"type": "header", "text": map[string]any{"type": "plain_text", "text": "Payout Approval Required"}},
		{"type": "section", "fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Payout ID:*\n`%s`", d.PayoutID)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Amount:*\nRs %.2f (%d minor)", amountRupees, d.AmountMinor)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:*\n`%s`", d.AgentID)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Vendor:*\n%s", vendorDisplay)},
		}},
		{"type": "actions", "block_id": "approval_" + d.PayoutID, "elements": []map[string]any{
			{"type": "button", "text": map[string]any{"type": "plain_text", "text": "Approve"}, "style": "primary", "action_id": "approve_payout", "value": d.PayoutID},
			{"type": "button", "text": map[string]any{"type": "plain_text", "text": "Reject"}, "style": "danger", "action_id": "reject_payout", "value": d.PayoutID},
		}},
	}
}

func rejectionBlocks(d payout.Decision, amountRupees float64, vendorDisplay string) []map[string]any {
	threatText := ""
	if len(d.ThreatTags) > 0 {
		threatText = fmt.Sprintf("\n*Threats Detected:* %v", d.ThreatTags)
	}
	return []map[string]any{
		{"type": "header", "text": map[string]any{"type": "plain_text", "text": fmt.Sprintf("Payout Rejected - %s", d.Reason)}},
		{"type": "section", "fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Payout ID:*\n`%s`", d.PayoutID)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Amount:*\nRs %.2f", amountRupees)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:*\n`%s`", d.AgentID)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Vendor:*\n%s", vendorDisplay)},
		}},
		{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Detail:* %s%s", d.Detail, threatText)}},
	}
}

// ntfy priority levels, per https://docs.ntfy.sh/publish/#message-priority.
const (
	PriorityMin     = 1
	PriorityLow     = 2
	PriorityDefault = 3
	PriorityHigh    = 4
	PriorityUrgent  = 5
)

// NtfyNotifier posts push notifications to one ntfy.sh-compatible
// server/topic, used as the fallback transport when Slack is
// unreachable or unconfigured.
type NtfyNotifier struct {
	http      *http.Client
	serverURL string
	topic     string
	authToken string
	logger    *slog.Logger
}

func NewNtfyNotifier(serverURL, topic, authToken string) *NtfyNotifier {
	return &NtfyNotifier{
		http:      &http.Client{Timeout: 10 * time.Second},
		serverURL: serverURL,
		topic:     topic,
		authToken: authToken,
		logger:    slog.Default().With("component", "notify.ntfy"),
	}
}

type ntfyMessage struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags,omitempty"`
}

// Send posts one message to the configured topic. The request goes to
// the server root, not a topic-scoped URL, matching ntfy's publish API.
func (n *NtfyNotifier) Send(ctx context.Context, title, message string, priority int, tags []string) bool {
	body, err := json.Marshal(ntfyMessage{Topic: n.topic, Title: title, Message: message, Priority: priority, Tags: tags})
	if err != nil {
		n.logger.Error("marshal ntfy payload failed", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.serverURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("build ntfy request failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Error("ntfy request failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Error("ntfy rejected notification", "status", resp.StatusCode)
		return false
	}
	return true
}

// rejectionTags maps a rejection reason to the ntfy tags shown in the
// client UI.
func rejectionTags(reason payout.ReasonCode) []string {
	switch reason {
	case payout.ReasonRiskHigh:
		return []string{"warning", "skull"}
	case payout.ReasonDomainBlocked:
		return []string{"no_entry", "globe_with_meridians"}
	case payout.ReasonLimitExceeded:
		return []string{"chart_with_downwards_trend"}
	case payout.ReasonNoPolicy:
		return []string{"question"}
	case payout.ReasonRateLimited:
		return []string{"hourglass"}
	default:
		return nil
	}
}

// governanceNotifyTaskType is the asynq task type under which failed
// best-effort notifications are queued for a second delivery attempt.
const governanceNotifyTaskType = "notify:governance_decision"

type governanceNotifyPayload struct {
	Decision   payout.Decision `json:"decision"`
	VendorName string          `json:"vendor_name"`
	VendorURL  string          `json:"vendor_url"`
}

// Dispatcher fans a governance decision out to Slack first, ntfy on
// Slack failure, and on ntfy failure too, queues the decision through
// asynq for a later retry so a double outage never silently drops a
// HELD approval request or a security rejection alert.
type Dispatcher struct {
	slack  *SlackNotifier
	ntfy   *NtfyNotifier
	queue  *asynq.Client
	logger *slog.Logger
}

func NewDispatcher(slack *SlackNotifier, ntfy *NtfyNotifier, queue *asynq.Client) *Dispatcher {
	return &Dispatcher{
		slack:  slack,
		ntfy:   ntfy,
		queue:  queue,
		logger: slog.Default().With("component", "notify.dispatcher"),
	}
}

// Notify matches governance.NotifyFunc: HELD decisions always reach a
// human, REJECTED decisions reach one only if IsAlertable. APPROVED and
// SKIPPED outcomes are never passed here by the governance engine, but
// are ignored defensively if they are.
func (d *Dispatcher) Notify(ctx context.Context, decision payout.Decision, vendorName, vendorURL string) {
	switch decision.Outcome {
	case payout.Held:
		if d.deliver(ctx, decision, vendorName, vendorURL, true) {
			return
		}
	case payout.Rejected:
		if !IsAlertable(decision.Reason) {
			return
		}
		if d.deliver(ctx, decision, vendorName, vendorURL, false) {
			return
		}
	default:
		return
	}
	d.enqueueRetry(ctx, decision, vendorName, vendorURL)
}

func (d *Dispatcher) deliver(ctx context.Context, decision payout.Decision, vendorName, vendorURL string, isApprovalRequest bool) bool {
	if d.slack != nil {
		ok := false
		if isApprovalRequest {
			ok = d.slack.RequestApproval(ctx, decision, vendorName, vendorURL)
		} else {
			ok = d.slack.SendRejectionAlert(ctx, decision, vendorName, vendorURL)
		}
		if ok {
			return true
		}
	}
	if d.ntfy != nil {
		priority := PriorityHigh
		title := fmt.Sprintf("Payout %s", decision.Outcome)
		message := decision.Detail
		tags := rejectionTags(decision.Reason)
		if isApprovalRequest {
			priority = PriorityDefault
			tags = []string{"bank", "question"}
		}
		if d.ntfy.Send(ctx, title, message, priority, tags) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueueRetry(ctx context.Context, decision payout.Decision, vendorName, vendorURL string) {
	if d.queue == nil {
		d.logger.Error("notification delivery failed and no retry queue configured", "payout_id", decision.PayoutID)
		return
	}
	payload, err := json.Marshal(governanceNotifyPayload{Decision: decision, VendorName: vendorName, VendorURL: vendorURL})
	if err != nil {
		d.logger.Error("marshal notify retry payload failed", "payout_id", decision.PayoutID, "error", err)
		return
	}
	task := asynq.NewTask(governanceNotifyTaskType, payload, asynq.MaxRetry(5), asynq.TaskID("notify:"+decision.PayoutID))
	if _, err := d.queue.EnqueueContext(ctx, task); err != nil {
		d.logger.Error("enqueue notify retry failed", "payout_id", decision.PayoutID, "error", err)
	}
}

// RegisterRetryHandler wires the asynq task handler that replays a
// queued notification against this Dispatcher's transports.
func (d *Dispatcher) RegisterRetryHandler(mux *asynq.ServeMux) {
	mux.HandleFunc(governanceNotifyTaskType, func(ctx context.Context, t *asynq.Task) error {
		var p governanceNotifyPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("notify: unmarshal retry task: %w", err)
		}
		isApprovalRequest := p.Decision.Outcome == payout.Held
		if d.deliver(ctx, p.Decision, p.VendorName, p.VendorURL, isApprovalRequest) {
			return nil
		}
		return fmt.Errorf("notify: retry delivery failed for payout %s", p.Decision.PayoutID)
	})
}
