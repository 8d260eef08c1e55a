// Package ingress implements the Ingress Adapter (C10): push-webhook
// and pull-poll normalization of external payout events into
// PayoutIntent values submitted to the governance engine.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

// webhookSchemaJSON is the shape contract for an inbound push body,
// checked before it is unmarshalled into webhookEvent so a malformed
// third-party payload fails with one clear schema error instead of a
// confusing zero-value parse.
const webhookSchemaJSON = `{
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"event": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["payout"],
			"properties": {
				"payout": {
					"type": "object",
					"required": ["entity"],
					"properties": {
						"entity": {
							"type": "object",
							"required": ["id", "amount", "currency"],
							"properties": {
								"id": {"type": "string", "minLength": 1},
								"amount": {"type": "integer"},
								"currency": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`

var webhookSchema = compileWebhookSchema()

func compileWebhookSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.schema.json", strings.NewReader(webhookSchemaJSON)); err != nil {
		panic(fmt.Sprintf("ingress: invalid webhook schema resource: %v", err))
	}
	schema, err := compiler.Compile("webhook.schema.json")
	if err != nil {
		panic(fmt.Sprintf("ingress: webhook schema failed to compile: %v", err))
	}
	return schema
}

var (
	ErrInvalidSignature = errors.New("ingress: signature verification failed")
	ErrUnsupportedEvent = errors.New("ingress: event type not actionable")
)

// Governor is the narrow view of the governance engine the adapter
// needs.
type Governor interface {
	Evaluate(ctx context.Context, in payout.Intent) (payout.Decision, error)
}

// webhookEvent mirrors the payment backend's push payload shape.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payout struct {
			Entity payoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

type payoutEntity struct {
	ID          string            `json:"id"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Notes       map[string]string `json:"notes"`
	FundAccount struct {
		Contact struct {
			Name string `json:"name"`
		} `json:"contact"`
	} `json:"fund_account"`
}

// actionableEvents is the set of webhook event types the adapter acts
// on; everything else (e.g. payout.processed echoes) is ignored.
var actionableEvents = map[string]bool{
	"payout.queued":  true,
	"payout.pending": true,
}

// Adapter is the Ingress Adapter component (C10), push half.
type Adapter struct {
	governor Governor
	secret   string
	logger   *slog.Logger
	maxBody  int64
}

func New(governor Governor, signingSecret string) *Adapter {
	return &Adapter{
		governor: governor,
		secret:   signingSecret,
		logger:   slog.Default().With("component", "ingress"),
		maxBody:  1 << 20,
	}
}

// ServeHTTP handles POST push notifications from the payment backend
// (cmd/vyapaar-guard mounts it at /webhooks/payout).
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if err := VerifySignature(body, sig, a.secret); err != nil {
		a.logger.Warn("rejected webhook: bad signature", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	intent, err := ParseWebhookEvent(body)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ignored"}`))
			return
		}
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	decision, err := a.governor.Evaluate(r.Context(), intent)
	if err != nil {
		a.logger.Error("governance evaluation failed", "payout_id", intent.PayoutID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decision)
}

// VerifySignature checks sigHex against an HMAC-SHA256 of body using a
// constant-time comparison, matching the payment backend's webhook
// signing scheme.
func VerifySignature(body []byte, sigHex, secret string) error {
	if sigHex == "" {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigHex)) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhookEvent converts a raw webhook body into a PayoutIntent.
// Unknown/non-actionable event types return ErrUnsupportedEvent.
func ParseWebhookEvent(body []byte) (payout.Intent, error) {
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return payout.Intent{}, fmt.Errorf("ingress: parse webhook: %w", err)
	}
	if err := webhookSchema.Validate(generic); err != nil {
		return payout.Intent{}, fmt.Errorf("ingress: webhook payload failed schema validation: %w", err)
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return payout.Intent{}, fmt.Errorf("ingress: parse webhook: %w", err)
	}
	if !actionableEvents[evt.Event] {
		return payout.Intent{}, ErrUnsupportedEvent
	}

	entity := evt.Payload.Payout.Entity
	in := payout.Intent{
		PayoutID:    entity.ID,
		AmountMinor: entity.AmountMinor,
		Currency:    entity.Currency,
		AgentID:     entity.Notes["agent_id"],
		VendorURL:   entity.Notes["vendor_url"],
		VendorName:  entity.Notes["vendor_name"],
		VendorLEI:   entity.Notes["vendor_lei"],
		ContactName: entity.FundAccount.Contact.Name,
		Annotations: entity.Notes,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := in.Validate(); err != nil {
		return payout.Intent{}, fmt.Errorf("ingress: invalid intent from webhook: %w", err)
	}
	return in, nil
}
