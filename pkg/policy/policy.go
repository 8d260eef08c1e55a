// Package policy implements the durable Policy Store (C3): per-agent
// governance configuration backed by PostgreSQL.
package policy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

// Store is the Policy Store component (C3).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the agent_policies table if it does not already
// exist. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_policies (
			agent_id              TEXT PRIMARY KEY,
			currency              TEXT NOT NULL DEFAULT 'INR',
			daily_cap_minor       BIGINT NOT NULL,
			per_txn_cap_minor     BIGINT NOT NULL DEFAULT 0,
			approval_above_minor  BIGINT NOT NULL DEFAULT 0,
			allowed_domains       TEXT NOT NULL DEFAULT '',
			blocked_domains       TEXT NOT NULL DEFAULT '',
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("policy: migrate: %w", err)
	}
	return nil
}

// Get returns the policy for agentID, or (nil, nil) if none is configured.
func (s *Store) Get(ctx context.Context, agentID string) (*payout.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, currency, daily_cap_minor, per_txn_cap_minor, approval_above_minor,
		       allowed_domains, blocked_domains, created_at, updated_at
		FROM agent_policies WHERE agent_id = $1
	`, agentID)

	var p payout.Policy
	var allowed, blocked string
	err := row.Scan(&p.AgentID, &p.Currency, &p.DailyCapMinor, &p.PerTxnCapMinor, &p.ApprovalAboveMinor,
		&allowed, &blocked, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: get %s: %w", agentID, err)
	}
	p.AllowedDomains = splitDomains(allowed)
	p.BlockedDomains = splitDomains(blocked)
	return &p, nil
}

// Upsert creates or replaces the policy for p.AgentID.
func (s *Store) Upsert(ctx context.Context, p payout.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy: upsert %s: %w", p.AgentID, err)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_policies
			(agent_id, currency, daily_cap_minor, per_txn_cap_minor, approval_above_minor,
			 allowed_domains, blocked_domains, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (agent_id) DO UPDATE SET
			currency             = EXCLUDED.currency,
			daily_cap_minor      = EXCLUDED.daily_cap_minor,
			per_txn_cap_minor    = EXCLUDED.per_txn_cap_minor,
			approval_above_minor = EXCLUDED.approval_above_minor,
			allowed_domains      = EXCLUDED.allowed_domains,
			blocked_domains      = EXCLUDED.blocked_domains,
			updated_at           = EXCLUDED.updated_at
	`, p.AgentID, currencyOrDefault(p.Currency), p.DailyCapMinor, p.PerTxnCapMinor, p.ApprovalAboveMinor,
		joinDomains(p.AllowedDomains), joinDomains(p.BlockedDomains), now)
	if err != nil {
		return fmt.Errorf("policy: upsert %s: %w", p.AgentID, err)
	}
	return nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "INR"
	}
	return c
}

func joinDomains(d []string) string {
	return strings.Join(d, ",")
}

func splitDomains(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
