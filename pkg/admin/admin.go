package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/guglxni/vyapaar-mcp/pkg/audit"
	"github.com/guglxni/vyapaar-mcp/pkg/breaker"
	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

// Evaluator is the narrow view of the governance engine submit_intent
// needs.
type Evaluator interface {
	Evaluate(ctx context.Context, in payout.Intent) (payout.Decision, error)
}

// BudgetReader is the narrow view of the budget ledger get_budget needs.
type BudgetReader interface {
	Current(ctx context.Context, agentID string) (int64, error)
}

// PolicyStore is the narrow view of the policy store get_budget and
// upsert_policy need.
type PolicyStore interface {
	Get(ctx context.Context, agentID string) (*payout.Policy, error)
	Upsert(ctx context.Context, p payout.Policy) error
}

// AuditReader is the narrow view of the audit sink get_audit needs.
type AuditReader interface {
	Query(ctx context.Context, agentID string, since time.Time, limit int) ([]audit.Record, error)
}

// MetricsHandler serves text-exposition metrics, backed by the
// Prometheus registry run alongside the OTel exporters.
type MetricsHandler interface {
	Handler() http.Handler
}

// ComponentStatus is one collaborator's health as reported by its
// circuit breaker.
type ComponentStatus struct {
	Status  string           `json:"status"`
	Breaker breaker.Snapshot `json:"breaker"`
}

// HealthReport is the health() response body.
type HealthReport struct {
	Components map[string]ComponentStatus `json:"components"`
}

// BudgetReport is the get_budget() response body.
type BudgetReport struct {
	AgentID        string `json:"agent_id"`
	CapMinor       int64  `json:"cap_minor"`
	SpentMinor     int64  `json:"spent_minor"`
	RemainingMinor int64  `json:"remaining_minor"`
	Currency       string `json:"currency"`
}

// Server wires every admin/query operation behind bearer auth.
type Server struct {
	evaluator Evaluator
	budget    BudgetReader
	policies  PolicyStore
	audit     AuditReader
	metrics   MetricsHandler
	breakers  map[string]*breaker.Breaker
	validator *JWTValidator
}

// Deps bundles Server's collaborators.
type Deps struct {
	Evaluator Evaluator
	Budget    BudgetReader
	Policies  PolicyStore
	Audit     AuditReader
	Metrics   MetricsHandler
	Breakers  map[string]*breaker.Breaker
	JWTSecret string
}

func New(d Deps) *Server {
	return &Server{
		evaluator: d.Evaluator,
		budget:    d.Budget,
		policies:  d.Policies,
		audit:     d.Audit,
		metrics:   d.Metrics,
		breakers:  d.Breakers,
		validator: NewJWTValidator(d.JWTSecret),
	}
}

// Handler builds the full admin/query surface as a single mux, every
// route wrapped in bearer-auth enforcement.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit_intent", requireAuth(s.validator, s.handleSubmitIntent))
	mux.HandleFunc("/get_budget", requireAuth(s.validator, s.handleGetBudget))
	mux.HandleFunc("/get_audit", requireAuth(s.validator, s.handleGetAudit))
	mux.HandleFunc("/upsert_policy", requireAuth(s.validator, s.handleUpsertPolicy))
	mux.HandleFunc("/health", requireAuth(s.validator, s.handleHealth))
	mux.HandleFunc("/metrics", requireAuth(s.validator, s.handleMetrics))
	return mux
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var in payout.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, "malformed intent body")
		return
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}

	decision, err := s.evaluator.Evaluate(r.Context(), in)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeBadRequest(w, "agent_id is required")
		return
	}

	policy, err := s.policies.Get(r.Context(), agentID)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if policy == nil {
		writeNotFound(w, "no policy configured for agent")
		return
	}

	spent, err := s.budget.Current(r.Context(), agentID)
	if err != nil {
		writeInternal(w, err)
		return
	}

	remaining := policy.DailyCapMinor - spent
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, BudgetReport{
		AgentID:        agentID,
		CapMinor:       policy.DailyCapMinor,
		SpentMinor:     spent,
		RemainingMinor: remaining,
		Currency:       policy.Currency,
	})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	agentID := r.URL.Query().Get("agent_id")

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "since must be RFC3339")
			return
		}
		since = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.audit.Query(r.Context(), agentID, since, limit)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	var p payout.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadRequest(w, "malformed policy body")
		return
	}
	if err := p.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.policies.Upsert(r.Context(), p); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	report := HealthReport{Components: make(map[string]ComponentStatus, len(s.breakers))}
	for name, br := range s.breakers {
		snap := br.Snapshot()
		report.Components[name] = ComponentStatus{
			Status:  statusFor(snap.State),
			Breaker: snap,
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func statusFor(state breaker.State) string {
	switch state {
	case breaker.Closed:
		return "ok"
	case breaker.HalfOpen:
		return "degraded"
	case breaker.Open:
		return "down"
	default:
		return "unknown"
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.metrics == nil {
		writeNotFound(w, "metrics not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
