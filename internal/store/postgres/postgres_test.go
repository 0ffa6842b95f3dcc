package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "ledger"}))
	assert.Equal(t, "postgres://u:p@db:6543/ledger?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "ledger", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestWithListOpts(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q, args := withListOpts("SELECT * FROM t WHERE TRUE", "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM t WHERE TRUE ORDER BY created_at DESC", q)
	assert.Empty(t, args)

	q, args = withListOpts("SELECT * FROM t WHERE TRUE", "close_date", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT * FROM t WHERE TRUE AND close_date >= $1 ORDER BY close_date DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)
}
