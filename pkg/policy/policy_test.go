package policy

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guglxni/vyapaar-mcp/pkg/payout"
)

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	rows := sqlmock.NewRows([]string{
		"agent_id", "currency", "daily_cap_minor", "per_txn_cap_minor", "approval_above_minor",
		"allowed_domains", "blocked_domains", "created_at", "updated_at",
	}).AddRow("agent-1", "INR", 500000, 100000, 50000, "safe.example", "evil.example", time.Now(), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_id, currency, daily_cap_minor")).
		WithArgs("agent-1").
		WillReturnRows(rows)

	p, err := store.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(500000), p.DailyCapMinor)
	assert.Equal(t, []string{"safe.example"}, p.AllowedDomains)
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_id, currency, daily_cap_minor")).
		WithArgs("agent-404").
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "currency", "daily_cap_minor", "per_txn_cap_minor", "approval_above_minor",
			"allowed_domains", "blocked_domains", "created_at", "updated_at",
		}))

	p, err := store.Get(context.Background(), "agent-404")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestUpsert_RejectsInvalidPolicy(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	err = store.Upsert(context.Background(), payout.Policy{AgentID: "agent-1", DailyCapMinor: 100, PerTxnCapMinor: 200})
	require.Error(t, err)
}

func TestUpsert_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_policies")).
		WithArgs("agent-1", "INR", int64(500000), int64(100000), int64(50000), "safe.example", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Upsert(context.Background(), payout.Policy{
		AgentID:            "agent-1",
		DailyCapMinor:      500000,
		PerTxnCapMinor:     100000,
		ApprovalAboveMinor: 50000,
		AllowedDomains:     []string{"safe.example"},
	})
	require.NoError(t, err)
}
