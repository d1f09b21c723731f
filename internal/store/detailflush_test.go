package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
)

func TestSQLiteFlushDetailUpdates_MergesMetadataAndDocs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	f, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking: "ABCD-134567890",
		State:         "OH",
		RawMetadata:   map[string]any{"raw_carrier_name": "Acme Mutual"},
	})
	require.NoError(t, err)

	pct := -6.2
	err = s.FlushDetailUpdates(ctx, []DetailUpdate{{
		FilingID: f.ID,
		Meta: map[string]any{
			"scrape_status":   "completed",
			"detail_metadata": map[string]string{"Filing Type": "Rate"},
		},
		RateChangePct: &pct,
		Docs: []model.FilingDocument{
			{FilingID: f.ID, Name: "rates.pdf", LocalPath: "/tmp/rates.pdf", SizeBytes: 1024, MimeType: "application/pdf", ChecksumSHA256: "aa"},
			{FilingID: f.ID, Name: "rules.pdf", LocalPath: "/tmp/rules.pdf", SizeBytes: 2048, MimeType: "application/pdf", ChecksumSHA256: "bb"},
		},
	}})
	require.NoError(t, err)

	got, err := s.GetFiling(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.RawMetadata["scrape_status"])
	assert.Equal(t, "Acme Mutual", got.RawMetadata["raw_carrier_name"], "flush must preserve prior metadata keys")
	require.NotNil(t, got.OverallRateChangePct)
	assert.InDelta(t, -6.2, *got.OverallRateChangePct, 1e-9)

	docs, err := s.ListDocumentsByFiling(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestSQLiteFlushDetailUpdates_RedownloadKeepsDocumentIdentity(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	f, err := s.UpsertFiling(ctx, &model.Filing{SERFFTracking: "ABCD-134567891", State: "OH"})
	require.NoError(t, err)

	first := []DetailUpdate{{FilingID: f.ID, Meta: map[string]any{"scrape_status": "completed"},
		Docs: []model.FilingDocument{{FilingID: f.ID, Name: "rates.pdf", SizeBytes: 1024, ChecksumSHA256: "aa"}}}}
	require.NoError(t, s.FlushDetailUpdates(ctx, first))

	docs, err := s.ListDocumentsByFiling(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	originalID := docs[0].ID

	// changed file: same (filing, name), new checksum and size
	second := []DetailUpdate{{FilingID: f.ID, Meta: map[string]any{"scrape_status": "completed"},
		Docs: []model.FilingDocument{{FilingID: f.ID, Name: "rates.pdf", SizeBytes: 4096, ChecksumSHA256: "cc"}}}}
	require.NoError(t, s.FlushDetailUpdates(ctx, second))

	docs, err = s.ListDocumentsByFiling(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, originalID, docs[0].ID)
	assert.Equal(t, int64(4096), docs[0].SizeBytes)
	assert.Equal(t, "cc", docs[0].ChecksumSHA256)
}

func TestSQLiteFlushDetailUpdates_EmptyIsNoOp(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.NoError(t, s.FlushDetailUpdates(context.Background(), nil))
}

func TestSQLiteFlushDetailUpdates_UnknownFilingSkipped(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.FlushDetailUpdates(context.Background(), []DetailUpdate{{
		FilingID: "no-such-filing",
		Meta:     map[string]any{"scrape_status": "completed"},
	}})
	require.NoError(t, err)
}

func TestPostgresFlushDetailUpdates_OneTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE hermes_filings SET raw_metadata = raw_metadata \|\|`).
		WithArgs("fil-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_hermes_filing_documents"}, detailDocColumns).WillReturnResult(1)
	mock.ExpectExec(`DELETE FROM`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	pct := 12.0
	err := s.FlushDetailUpdates(context.Background(), []DetailUpdate{{
		FilingID:      "fil-1",
		Meta:          map[string]any{"scrape_status": "completed"},
		RateChangePct: &pct,
		Docs:          []model.FilingDocument{{FilingID: "fil-1", Name: "rates.pdf", SizeBytes: 10, ChecksumSHA256: "aa"}},
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFlushDetailUpdates_MetadataOnlySkipsCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE hermes_filings SET raw_metadata = raw_metadata \|\|`).
		WithArgs("fil-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.FlushDetailUpdates(context.Background(), []DetailUpdate{{
		FilingID: "fil-1",
		Meta:     map[string]any{"scrape_status": "unauthorized"},
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
