// Package audit implements the Audit Sink (C4): an append-only,
// hash-chained decision log backed primarily by PostgreSQL, with a
// local file fallback when the primary is unreachable.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

var ErrCommitFailed = errors.New("audit: commit failed on both primary and fallback")

// Record is the persisted, hash-chained form of a Decision.
type Record struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	PayoutID     string            `json:"payout_id"`
	AgentID      string            `json:"agent_id"`
	AmountMinor  int64             `json:"amount_minor"`
	Currency     string            `json:"currency"`
	VendorName   string            `json:"vendor_name,omitempty"`
	VendorURL    string            `json:"vendor_url,omitempty"`
	Outcome      payout.Outcome    `json:"outcome"`
	Reason       payout.ReasonCode `json:"reason"`
	Detail       string            `json:"detail,omitempty"`
	ThreatTags   []string          `json:"threat_tags,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	ProcessingMS int64             `json:"processing_ms"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	CommittedAt  time.Time         `json:"committed_at"`
}

// Sink is the Audit Sink component (C4).
type Sink struct {
	db           *sql.DB
	fallbackPath string

	mu        sync.Mutex
	seq       uint64
	chainHead string
}

func NewSink(db *sql.DB, fallbackPath string) *Sink {
	return &Sink{db: db, fallbackPath: fallbackPath, chainHead: "genesis"}
}

// Migrate creates the audit_logs table if it does not already exist.
func (s *Sink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			entry_id      TEXT PRIMARY KEY,
			sequence      BIGINT NOT NULL,
			payout_id     TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			amount_minor  BIGINT NOT NULL,
			currency      TEXT NOT NULL,
			vendor_name   TEXT,
			vendor_url    TEXT,
			outcome       TEXT NOT NULL,
			reason        TEXT NOT NULL,
			detail        TEXT,
			threat_tags   TEXT,
			processing_ms BIGINT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash    TEXT NOT NULL,
			committed_at  TIMESTAMPTZ NOT NULL,
			UNIQUE(payout_id, outcome, entry_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_logs (agent_id);
		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs (committed_at);
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Commit appends one terminal Decision to the chain and writes it
// durably. It never returns successfully without having written the
// record somewhere — primary store, or local fallback file.
func (s *Sink) Commit(ctx context.Context, d payout.Decision, vendorName, vendorURL string, annotations map[string]string) (*Record, error) {
	s.mu.Lock()
	s.seq++
	rec := Record{
		EntryID:      uuid.New().String(),
		Sequence:     s.seq,
		PayoutID:     d.PayoutID,
		AgentID:      d.AgentID,
		AmountMinor:  d.AmountMinor,
		Currency:     d.Currency,
		VendorName:   vendorName,
		VendorURL:    vendorURL,
		Outcome:      d.Outcome,
		Reason:       d.Reason,
		Detail:       d.Detail,
		ThreatTags:   d.ThreatTags,
		Annotations:  annotations,
		ProcessingMS: d.ProcessingMS,
		PreviousHash: s.chainHead,
		CommittedAt:  time.Now().UTC(),
	}
	rec.EntryHash = computeEntryHash(rec)
	s.chainHead = rec.EntryHash
	s.mu.Unlock()

	if err := s.writePrimary(ctx, rec); err != nil {
		if fbErr := s.writeFallback(rec); fbErr != nil {
			return nil, fmt.Errorf("%w: primary=%v fallback=%v", ErrCommitFailed, err, fbErr)
		}
	}
	return &rec, nil
}

func (s *Sink) writePrimary(ctx context.Context, rec Record) error {
	tags, err := json.Marshal(rec.ThreatTags)
	if err != nil {
		return fmt.Errorf("audit: marshal threat tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs
			(entry_id, sequence, payout_id, agent_id, amount_minor, currency, vendor_name, vendor_url,
			 outcome, reason, detail, threat_tags, processing_ms, previous_hash, entry_hash, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (payout_id, outcome, entry_hash) DO NOTHING
	`, rec.EntryID, rec.Sequence, rec.PayoutID, rec.AgentID, rec.AmountMinor, rec.Currency,
		rec.VendorName, rec.VendorURL, rec.Outcome, rec.Reason, rec.Detail, string(tags),
		rec.ProcessingMS, rec.PreviousHash, rec.EntryHash, rec.CommittedAt)
	if err != nil {
		return fmt.Errorf("audit: write primary: %w", err)
	}
	return nil
}

// writeFallback appends the record as one JSON line to the local
// fallback file, creating it if necessary. Used only when the primary
// store is unreachable.
func (s *Sink) writeFallback(rec Record) error {
	f, err := os.OpenFile(s.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open fallback file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal fallback record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write fallback record: %w", err)
	}
	return nil
}

// Query returns audit records for agentID committed since `since`,
// newest first, bounded by limit.
func (s *Sink) Query(ctx context.Context, agentID string, since time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, sequence, payout_id, agent_id, amount_minor, currency, vendor_name, vendor_url,
		       outcome, reason, detail, threat_tags, processing_ms, previous_hash, entry_hash, committed_at
		FROM audit_logs
		WHERE agent_id = $1 AND committed_at >= $2
		ORDER BY committed_at DESC
		LIMIT $3
	`, agentID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tags string
		if err := rows.Scan(&rec.EntryID, &rec.Sequence, &rec.PayoutID, &rec.AgentID, &rec.AmountMinor,
			&rec.Currency, &rec.VendorName, &rec.VendorURL, &rec.Outcome, &rec.Reason, &rec.Detail,
			&tags, &rec.ProcessingMS, &rec.PreviousHash, &rec.EntryHash, &rec.CommittedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &rec.ThreatTags)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// computeEntryHash hashes the chain-relevant fields of rec after JSON
// Canonicalization Scheme (RFC 8785) normalization, so the hash is
// stable regardless of struct field order or marshalling quirks —
// the same property the JSON signing path relies on elsewhere.
func computeEntryHash(rec Record) string {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		PayoutID     string `json:"payout_id"`
		Outcome      string `json:"outcome"`
		Reason       string `json:"reason"`
		PreviousHash string `json:"previous_hash"`
	}{
		Sequence:     rec.Sequence,
		PayoutID:     rec.PayoutID,
		Outcome:      string(rec.Outcome),
		Reason:       string(rec.Reason),
		PreviousHash: rec.PreviousHash,
	}
	data, _ := json.Marshal(hashable)
	canonical, err := jcs.Transform(data)
	if err != nil {
		canonical = data
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}
