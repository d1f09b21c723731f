package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCarrier_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, naic, legal_name, domicile, rating, created_at, updated_at FROM hermes_carriers WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCarrier(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCarrier_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "naic", "legal_name", "domicile", "rating", "created_at", "updated_at"}).
		AddRow("carrier-1", "12345", "Acme Mutual", "OH", "A+", now, now)

	mock.ExpectQuery(`SELECT id, naic, legal_name, domicile, rating, created_at, updated_at FROM hermes_carriers WHERE id = \$1`).
		WithArgs("carrier-1").
		WillReturnRows(rows)

	c, err := s.GetCarrier(context.Background(), "carrier-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Mutual", c.LegalName)
	assert.Equal(t, "A+", c.Rating)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"count"}).AddRow(7)
	mock.ExpectQuery(`SELECT count\(\*\) FROM hermes_dlq`).WillReturnRows(rows)

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertMarketReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO hermes_market_reports`).
		WithArgs(pgxmock.AnyArg(), "OH", "homeowners", 90, 12, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "hardening", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := &model.MarketReport{
		State: "OH", LineOfBusiness: "homeowners", PeriodDays: 90, FilingCount: 12,
		Trend: "hardening", ComputedAt: time.Now(),
	}
	require.NoError(t, s.UpsertMarketReport(context.Background(), r))
	require.NotEmpty(t, r.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcknowledgeAlert_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE hermes_alerts SET acknowledged = true, read = true WHERE id = \$1`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.AcknowledgeAlert(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
