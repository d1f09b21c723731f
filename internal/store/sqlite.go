package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	_ "modernc.org/sqlite"

	"github.com/sells-group/hermes/internal/model"
)

// SQLiteStore implements Store over an embedded modernc.org/sqlite database.
// It backs unit tests and small single-machine deployments where a Postgres
// instance isn't warranted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at dsn, enabling WAL mode
// and foreign keys the way the teacher's own sqlite backend does.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS hermes_carriers (
	id TEXT PRIMARY KEY,
	naic TEXT NOT NULL UNIQUE,
	legal_name TEXT NOT NULL,
	domicile TEXT NOT NULL DEFAULT '',
	rating TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hermes_filings (
	id TEXT PRIMARY KEY,
	serff_tracking TEXT NOT NULL,
	state TEXT NOT NULL,
	carrier_id TEXT NOT NULL,
	line_of_business TEXT NOT NULL DEFAULT '',
	filing_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	filed_date TEXT,
	effective_date TEXT,
	disposition_date TEXT,
	overall_rate_change_pct REAL,
	raw_metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (serff_tracking, state)
);
CREATE INDEX IF NOT EXISTS idx_hermes_filings_state ON hermes_filings(state);
CREATE INDEX IF NOT EXISTS idx_hermes_filings_carrier ON hermes_filings(carrier_id);

CREATE TABLE IF NOT EXISTS hermes_filing_documents (
	id TEXT PRIMARY KEY,
	filing_id TEXT NOT NULL,
	name TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL DEFAULT '',
	checksum_sha256 TEXT NOT NULL DEFAULT '',
	parsed_flag INTEGER NOT NULL DEFAULT 0,
	parse_confidence REAL,
	doc_type TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (filing_id, name)
);
CREATE INDEX IF NOT EXISTS idx_hermes_docs_parsed ON hermes_filing_documents(parsed_flag);

CREATE TABLE IF NOT EXISTS hermes_rate_tables (
	id TEXT PRIMARY KEY,
	filing_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	source_page INTEGER NOT NULL DEFAULT 0,
	is_current INTEGER NOT NULL DEFAULT 1,
	effective_date TEXT,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hermes_rate_tables_doc ON hermes_rate_tables(document_id, is_current);

CREATE TABLE IF NOT EXISTS hermes_underwriting_rules (
	id TEXT PRIMARY KEY,
	filing_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	is_current INTEGER NOT NULL DEFAULT 1,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hermes_rules_filing ON hermes_underwriting_rules(filing_id, is_current);

CREATE TABLE IF NOT EXISTS hermes_policy_forms (
	id TEXT PRIMARY KEY,
	filing_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	form_number TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	is_current INTEGER NOT NULL DEFAULT 1,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hermes_forms_filing ON hermes_policy_forms(filing_id, is_current);

CREATE TABLE IF NOT EXISTS hermes_pmi_rate_cards (
	id TEXT PRIMARY KEY,
	carrier_id TEXT NOT NULL,
	premium_type TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '',
	is_current INTEGER NOT NULL DEFAULT 1,
	superseded_by TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	effective_date TEXT,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_pmi_cards_current
	ON hermes_pmi_rate_cards(carrier_id, premium_type, state) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS hermes_title_rate_cards (
	id TEXT PRIMARY KEY,
	carrier_id TEXT NOT NULL,
	policy_type TEXT NOT NULL,
	state TEXT NOT NULL,
	is_promulgated INTEGER NOT NULL DEFAULT 0,
	is_current INTEGER NOT NULL DEFAULT 1,
	superseded_by TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	effective_date TEXT,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_title_cards_current
	ON hermes_title_rate_cards(carrier_id, policy_type, state) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS hermes_appetite_profiles (
	id TEXT PRIMARY KEY,
	carrier_id TEXT NOT NULL,
	state TEXT NOT NULL,
	line_of_business TEXT NOT NULL,
	is_current INTEGER NOT NULL DEFAULT 1,
	superseded_by TEXT NOT NULL DEFAULT '',
	computed_at TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_profiles_current
	ON hermes_appetite_profiles(carrier_id, state, line_of_business) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS hermes_appetite_signals (
	id TEXT PRIMARY KEY,
	profile_id TEXT NOT NULL DEFAULT '',
	carrier_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	strength INTEGER NOT NULL,
	date TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source_filing_id TEXT NOT NULL DEFAULT '',
	acknowledged INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hermes_signals_carrier ON hermes_appetite_signals(carrier_id, date);

CREATE TABLE IF NOT EXISTS hermes_scrape_log (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	pass TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	filings_seen INTEGER NOT NULL DEFAULT 0,
	filings_failed INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS hermes_scrape_cursors (
	state TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_scraped_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hermes_parse_log (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	parser_kind TEXT NOT NULL,
	status TEXT NOT NULL,
	confidence_avg REAL NOT NULL DEFAULT 0,
	confidence_min REAL NOT NULL DEFAULT 0,
	ai_calls INTEGER NOT NULL DEFAULT 0,
	ai_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hermes_quote_log (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	best_carrier_id TEXT NOT NULL DEFAULT '',
	best_rate TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hermes_parse_review_items (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	field_path TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT 'null',
	confidence REAL NOT NULL,
	priority TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hermes_review_unresolved ON hermes_parse_review_items(resolved, priority);

CREATE TABLE IF NOT EXISTS hermes_dlq (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hermes_market_reports (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	line_of_business TEXT NOT NULL,
	period_days INTEGER NOT NULL,
	filing_count INTEGER NOT NULL DEFAULT 0,
	avg_rate_change_pct REAL NOT NULL DEFAULT 0,
	median_rate_change_pct REAL NOT NULL DEFAULT 0,
	rate_increases INTEGER NOT NULL DEFAULT 0,
	rate_decreases INTEGER NOT NULL DEFAULT 0,
	trend TEXT NOT NULL DEFAULT '',
	previous_trend TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}',
	computed_at TEXT NOT NULL,
	UNIQUE (state, line_of_business, period_days)
);

CREATE TABLE IF NOT EXISTS hermes_alerts (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	carrier_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	read INTEGER NOT NULL DEFAULT 0,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hermes_alerts_unread ON hermes_alerts(read, severity);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

const sqliteTimeLayout = time.RFC3339Nano

func fmtTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(sqliteTimeLayout), Valid: true}
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return fmtTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Carriers ---

func (s *SQLiteStore) UpsertCarrier(ctx context.Context, c *model.Carrier) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hermes_carriers (id, naic, legal_name, domicile, rating, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(naic) DO UPDATE SET
			legal_name = CASE WHEN excluded.legal_name != '' THEN excluded.legal_name ELSE hermes_carriers.legal_name END,
			domicile   = CASE WHEN excluded.domicile != '' THEN excluded.domicile ELSE hermes_carriers.domicile END,
			rating     = CASE WHEN excluded.rating != '' THEN excluded.rating ELSE hermes_carriers.rating END,
			updated_at = excluded.updated_at`,
		c.ID, c.NAIC, c.LegalName, c.Domicile, c.Rating, fmtTime(now), fmtTime(now))
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert carrier")
	}
	got, err := s.GetCarrierByNAIC(ctx, c.NAIC)
	if err != nil {
		return err
	}
	*c = *got
	return nil
}

func (s *SQLiteStore) GetCarrier(ctx context.Context, id string) (*model.Carrier, error) {
	return s.scanCarrier(s.db.QueryRowContext(ctx,
		`SELECT id, naic, legal_name, domicile, rating, created_at, updated_at FROM hermes_carriers WHERE id = ?`, id))
}

func (s *SQLiteStore) GetCarrierByNAIC(ctx context.Context, naic string) (*model.Carrier, error) {
	return s.scanCarrier(s.db.QueryRowContext(ctx,
		`SELECT id, naic, legal_name, domicile, rating, created_at, updated_at FROM hermes_carriers WHERE naic = ?`, naic))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanCarrier(row rowScanner) (*model.Carrier, error) {
	var c model.Carrier
	var created, updated sql.NullString
	if err := row.Scan(&c.ID, &c.NAIC, &c.LegalName, &c.Domicile, &c.Rating, &created, &updated); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: scan carrier")
	}
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
	return &c, nil
}

// --- Filings ---

func (s *SQLiteStore) UpsertFiling(ctx context.Context, f *model.Filing) (*model.Filing, error) {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	rawJSON, err := json.Marshal(f.RawMetadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal raw_metadata")
	}

	existing, err := s.GetFilingByTracking(ctx, f.State, f.SERFFTracking)
	switch {
	case err == nil:
		f.ID = existing.ID
		if f.CarrierID == "" {
			f.CarrierID = existing.CarrierID
		}
		if f.LineOfBusiness == "" {
			f.LineOfBusiness = existing.LineOfBusiness
		}
		if f.FilingType == "" {
			f.FilingType = existing.FilingType
		}
		if f.Status == "" {
			f.Status = existing.Status
		}
		if f.FiledDate == nil {
			f.FiledDate = existing.FiledDate
		}
		if f.EffectiveDate == nil {
			f.EffectiveDate = existing.EffectiveDate
		}
		if f.DispositionDate == nil {
			f.DispositionDate = existing.DispositionDate
		}
		if f.OverallRateChangePct == nil {
			f.OverallRateChangePct = existing.OverallRateChangePct
		}
		merged := existing.RawMetadata
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range f.RawMetadata {
			merged[k] = v
		}
		f.RawMetadata = merged
		rawJSON, err = json.Marshal(f.RawMetadata)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal merged raw_metadata")
		}
		f.CreatedAt = existing.CreatedAt
	case eris.Is(err, ErrNotFound):
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
	default:
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hermes_filings (id, serff_tracking, state, carrier_id, line_of_business, filing_type,
			status, filed_date, effective_date, disposition_date, overall_rate_change_pct, raw_metadata,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			carrier_id = excluded.carrier_id, line_of_business = excluded.line_of_business,
			filing_type = excluded.filing_type, status = excluded.status, filed_date = excluded.filed_date,
			effective_date = excluded.effective_date, disposition_date = excluded.disposition_date,
			overall_rate_change_pct = excluded.overall_rate_change_pct, raw_metadata = excluded.raw_metadata,
			updated_at = excluded.updated_at`,
		f.ID, f.SERFFTracking, f.State, f.CarrierID, f.LineOfBusiness, string(f.FilingType), string(f.Status),
		fmtTimePtr(f.FiledDate), fmtTimePtr(f.EffectiveDate), fmtTimePtr(f.DispositionDate), f.OverallRateChangePct,
		string(rawJSON), fmtTime(f.CreatedAt), fmtTime(now))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert filing")
	}
	return s.GetFiling(ctx, f.ID)
}

func (s *SQLiteStore) scanFiling(row rowScanner) (*model.Filing, error) {
	var f model.Filing
	var filingType, status string
	var rawJSON string
	var filed, effective, disposition, created, updated sql.NullString
	if err := row.Scan(&f.ID, &f.SERFFTracking, &f.State, &f.CarrierID, &f.LineOfBusiness, &filingType, &status,
		&filed, &effective, &disposition, &f.OverallRateChangePct, &rawJSON, &created, &updated); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: scan filing")
	}
	f.FilingType = model.FilingType(filingType)
	f.Status = model.FilingStatus(status)
	f.FiledDate, f.EffectiveDate, f.DispositionDate = parseTimePtr(filed), parseTimePtr(effective), parseTimePtr(disposition)
	f.CreatedAt, f.UpdatedAt = parseTime(created), parseTime(updated)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &f.RawMetadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal raw_metadata")
		}
	}
	return &f, nil
}

func (s *SQLiteStore) GetFiling(ctx context.Context, id string) (*model.Filing, error) {
	return s.scanFiling(s.db.QueryRowContext(ctx, `SELECT id, serff_tracking, state, carrier_id,
		line_of_business, filing_type, status, filed_date, effective_date, disposition_date,
		overall_rate_change_pct, raw_metadata, created_at, updated_at FROM hermes_filings WHERE id = ?`, id))
}

func (s *SQLiteStore) GetFilingByTracking(ctx context.Context, state, tracking string) (*model.Filing, error) {
	return s.scanFiling(s.db.QueryRowContext(ctx, `SELECT id, serff_tracking, state, carrier_id,
		line_of_business, filing_type, status, filed_date, effective_date, disposition_date,
		overall_rate_change_pct, raw_metadata, created_at, updated_at FROM hermes_filings
		WHERE state = ? AND serff_tracking = ?`, state, tracking))
}

func (s *SQLiteStore) ListFilings(ctx context.Context, filter FilingFilter) ([]model.Filing, error) {
	query := `SELECT id, serff_tracking, state, carrier_id, line_of_business, filing_type, status,
		filed_date, effective_date, disposition_date, overall_rate_change_pct, raw_metadata,
		created_at, updated_at FROM hermes_filings WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.CarrierID != "" {
		query += " AND carrier_id = ?"
		args = append(args, filter.CarrierID)
	}
	if filter.LineOfBusiness != "" {
		query += " AND line_of_business = ?"
		args = append(args, filter.LineOfBusiness)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.FiledAfter.IsZero() {
		query += " AND filed_date >= ?"
		args = append(args, fmtTime(filter.FiledAfter))
	}
	if !filter.UpdatedAfter.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, fmtTime(filter.UpdatedAfter))
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list filings")
	}
	defer rows.Close()
	var out []model.Filing
	for rows.Next() {
		f, err := s.scanFiling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list filings iterate")
}

func (s *SQLiteStore) MarkFilingPermanentFailure(ctx context.Context, id string, reason string) error {
	f, err := s.GetFiling(ctx, id)
	if err != nil {
		return err
	}
	if f.RawMetadata == nil {
		f.RawMetadata = map[string]any{}
	}
	f.RawMetadata["scrape_status"] = reason
	raw, err := json.Marshal(f.RawMetadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal raw_metadata")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE hermes_filings SET raw_metadata = ?, updated_at = ? WHERE id = ?`,
		string(raw), fmtTime(time.Now().UTC()), id)
	return eris.Wrap(err, "sqlite: mark filing permanent failure")
}

// --- Documents ---

func (s *SQLiteStore) UpsertDocument(ctx context.Context, d *model.FilingDocument) (*model.FilingDocument, error) {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	var existingID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM hermes_filing_documents WHERE filing_id = ? AND name = ?`,
		d.FilingID, d.Name).Scan(&existingID)
	if err == nil {
		d.ID = existingID
	} else if err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: lookup document")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hermes_filing_documents (id, filing_id, name, local_path, size_bytes, mime_type,
			checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			local_path = CASE WHEN excluded.local_path != '' THEN excluded.local_path ELSE hermes_filing_documents.local_path END,
			size_bytes = CASE WHEN excluded.size_bytes > 0 THEN excluded.size_bytes ELSE hermes_filing_documents.size_bytes END,
			mime_type = CASE WHEN excluded.mime_type != '' THEN excluded.mime_type ELSE hermes_filing_documents.mime_type END,
			checksum_sha256 = CASE WHEN excluded.checksum_sha256 != '' THEN excluded.checksum_sha256 ELSE hermes_filing_documents.checksum_sha256 END,
			doc_type = CASE WHEN excluded.doc_type != '' THEN excluded.doc_type ELSE hermes_filing_documents.doc_type END,
			updated_at = excluded.updated_at`,
		d.ID, d.FilingID, d.Name, d.LocalPath, d.SizeBytes, d.MimeType, d.ChecksumSHA256,
		boolToInt(d.ParsedFlag), d.ParseConfidence, d.DocType, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert document")
	}
	return s.GetDocument(ctx, d.ID)
}

func (s *SQLiteStore) scanDocument(row rowScanner) (*model.FilingDocument, error) {
	var d model.FilingDocument
	var parsedFlag int
	var created, updated sql.NullString
	if err := row.Scan(&d.ID, &d.FilingID, &d.Name, &d.LocalPath, &d.SizeBytes, &d.MimeType, &d.ChecksumSHA256,
		&parsedFlag, &d.ParseConfidence, &d.DocType, &created, &updated); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: scan document")
	}
	d.ParsedFlag = parsedFlag != 0
	d.CreatedAt, d.UpdatedAt = parseTime(created), parseTime(updated)
	return &d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.FilingDocument, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `SELECT id, filing_id, name, local_path, size_bytes,
		mime_type, checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at
		FROM hermes_filing_documents WHERE id = ?`, id))
}

func (s *SQLiteStore) ListDocumentsByFiling(ctx context.Context, filingID string) ([]model.FilingDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, filing_id, name, local_path, size_bytes, mime_type,
		checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at
		FROM hermes_filing_documents WHERE filing_id = ? ORDER BY created_at`, filingID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()
	var out []model.FilingDocument
	for rows.Next() {
		d, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.FilingDocument, error) {
	query := `SELECT id, filing_id, name, local_path, size_bytes, mime_type, checksum_sha256,
		parsed_flag, parse_confidence, doc_type, created_at, updated_at FROM hermes_filing_documents WHERE 1=1`
	var args []any
	if filter.ParsedFlag != nil {
		query += " AND parsed_flag = ?"
		v := 0
		if *filter.ParsedFlag {
			v = 1
		}
		args = append(args, v)
	}
	if !filter.UpdatedAfter.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, fmtTime(filter.UpdatedAfter))
	}
	query += " ORDER BY created_at"
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents filtered")
	}
	defer rows.Close()
	var out []model.FilingDocument
	for rows.Next() {
		d, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list documents filtered iterate")
}

// FlushDetailUpdates commits one detail-pass batch atomically. SQLite has no
// jsonb union operator, so the metadata merge is read-merge-write in Go,
// inside the same transaction as the document rows.
func (s *SQLiteStore) FlushDetailUpdates(ctx context.Context, updates []DetailUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin detail flush")
	}
	defer tx.Rollback() //nolint:errcheck
	now := fmtTime(time.Now().UTC())

	for _, u := range updates {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT raw_metadata FROM hermes_filings WHERE id = ?`, u.FilingID).Scan(&raw)
		if eris.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: read filing metadata for flush")
		}
		meta := map[string]any{}
		if raw.Valid && raw.String != "" {
			_ = json.Unmarshal([]byte(raw.String), &meta)
		}
		if meta == nil { // raw_metadata stored as JSON null
			meta = map[string]any{}
		}
		for k, v := range u.Meta {
			meta[k] = v
		}
		merged, err := json.Marshal(meta)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal detail metadata")
		}
		if u.RateChangePct != nil {
			_, err = tx.ExecContext(ctx, `UPDATE hermes_filings SET raw_metadata = ?,
				overall_rate_change_pct = ?, updated_at = ? WHERE id = ?`,
				string(merged), *u.RateChangePct, now, u.FilingID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE hermes_filings SET raw_metadata = ?, updated_at = ?
				WHERE id = ?`, string(merged), now, u.FilingID)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: flush detail metadata")
		}

		for i := range u.Docs {
			d := &u.Docs[i]
			if d.ID == "" {
				d.ID = uuid.New().String()
			}
			var existingID string
			lookupErr := tx.QueryRowContext(ctx, `SELECT id FROM hermes_filing_documents WHERE filing_id = ? AND name = ?`,
				d.FilingID, d.Name).Scan(&existingID)
			if lookupErr == nil {
				d.ID = existingID
			} else if lookupErr != sql.ErrNoRows {
				return eris.Wrap(lookupErr, "sqlite: lookup document for flush")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO hermes_filing_documents (id, filing_id, name, local_path, size_bytes, mime_type,
					checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
				ON CONFLICT(id) DO UPDATE SET
					local_path = CASE WHEN excluded.local_path != '' THEN excluded.local_path ELSE hermes_filing_documents.local_path END,
					size_bytes = CASE WHEN excluded.size_bytes > 0 THEN excluded.size_bytes ELSE hermes_filing_documents.size_bytes END,
					mime_type = CASE WHEN excluded.mime_type != '' THEN excluded.mime_type ELSE hermes_filing_documents.mime_type END,
					checksum_sha256 = CASE WHEN excluded.checksum_sha256 != '' THEN excluded.checksum_sha256 ELSE hermes_filing_documents.checksum_sha256 END,
					doc_type = CASE WHEN excluded.doc_type != '' THEN excluded.doc_type ELSE hermes_filing_documents.doc_type END,
					updated_at = excluded.updated_at`,
				d.ID, d.FilingID, d.Name, d.LocalPath, d.SizeBytes, d.MimeType, d.ChecksumSHA256,
				boolToInt(d.ParsedFlag), d.ParseConfidence, d.DocType, now, now); err != nil {
				return eris.Wrap(err, "sqlite: flush document row")
			}
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit detail flush")
}

func (s *SQLiteStore) MarkDocumentParsed(ctx context.Context, id string, confidence float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hermes_filing_documents SET parsed_flag = 1,
		parse_confidence = ?, updated_at = ? WHERE id = ?`, confidence, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark document parsed")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Extracted artifacts ---

func (s *SQLiteStore) UpsertRateTable(ctx context.Context, rt *model.RateTable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE hermes_rate_tables SET is_current = 0
		WHERE document_id = ? AND is_current = 1 AND id != ?`, rt.DocumentID, rt.ID); err != nil {
		return eris.Wrap(err, "sqlite: supersede rate tables")
	}
	data, err := json.Marshal(rt)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rate table")
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `INSERT INTO hermes_rate_tables (id, filing_id, document_id, confidence,
		source_page, is_current, effective_date, data, created_at, updated_at)
		VALUES (?,?,?,?,?,1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET confidence=excluded.confidence, source_page=excluded.source_page,
			data=excluded.data, updated_at=excluded.updated_at`,
		rt.ID, rt.FilingID, rt.DocumentID, rt.Confidence, rt.SourcePage, fmtTimePtr(rt.EffectiveDate),
		string(data), fmtTime(now), fmtTime(now))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert rate table")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit rate table")
}

func (s *SQLiteStore) GetCurrentRateTable(ctx context.Context, documentID string) (*model.RateTable, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM hermes_rate_tables WHERE document_id = ? AND is_current = 1`,
		documentID).Scan(&data)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get current rate table")
	}
	var rt model.RateTable
	if err := json.Unmarshal([]byte(data), &rt); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rate table")
	}
	return &rt, nil
}

func (s *SQLiteStore) UpsertUnderwritingRule(ctx context.Context, r *model.UnderwritingRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal underwriting rule")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO hermes_underwriting_rules (id, filing_id, document_id, type,
		category, confidence, is_current, data, created_at) VALUES (?,?,?,?,?,?,1,?,?)
		ON CONFLICT(id) DO UPDATE SET confidence=excluded.confidence, data=excluded.data`,
		r.ID, r.FilingID, r.DocumentID, r.Type, r.Category, r.Confidence, string(data), fmtTime(time.Now().UTC()))
	return eris.Wrap(err, "sqlite: upsert underwriting rule")
}

func (s *SQLiteStore) ListCurrentUnderwritingRules(ctx context.Context, filingID string) ([]model.UnderwritingRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM hermes_underwriting_rules WHERE filing_id = ? AND is_current = 1`, filingID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list underwriting rules")
	}
	defer rows.Close()
	var out []model.UnderwritingRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan underwriting rule")
		}
		var r model.UnderwritingRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal underwriting rule")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list underwriting rules iterate")
}

func (s *SQLiteStore) UpsertPolicyForm(ctx context.Context, f *model.PolicyForm) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal policy form")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO hermes_policy_forms (id, filing_id, document_id, form_number,
		confidence, is_current, data, created_at) VALUES (?,?,?,?,?,1,?,?)
		ON CONFLICT(id) DO UPDATE SET confidence=excluded.confidence, data=excluded.data`,
		f.ID, f.FilingID, f.DocumentID, f.FormNumber, f.Confidence, string(data), fmtTime(time.Now().UTC()))
	return eris.Wrap(err, "sqlite: upsert policy form")
}

func (s *SQLiteStore) ListCurrentPolicyForms(ctx context.Context, filingID string) ([]model.PolicyForm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM hermes_policy_forms WHERE filing_id = ? AND is_current = 1`, filingID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list policy forms")
	}
	defer rows.Close()
	var out []model.PolicyForm
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy form")
		}
		var f model.PolicyForm
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal policy form")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list policy forms iterate")
}

// --- PMI rate cards ---

func (s *SQLiteStore) UpsertPMIRateCard(ctx context.Context, c *model.PMIRateCard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var prevID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM hermes_pmi_rate_cards WHERE carrier_id=? AND premium_type=?
		AND state=? AND is_current=1 AND id != ?`, c.CarrierID, string(c.PremiumType), c.State, c.ID).Scan(&prevID)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrap(err, "sqlite: find current pmi card")
	}
	if prevID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE hermes_pmi_rate_cards SET is_current=0, superseded_by=? WHERE id=?`,
			c.ID, prevID); err != nil {
			return eris.Wrap(err, "sqlite: supersede pmi card")
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pmi card")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO hermes_pmi_rate_cards (id, carrier_id, premium_type, state,
		is_current, version, effective_date, data, created_at) VALUES (?,?,?,?,1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data`,
		c.ID, c.CarrierID, string(c.PremiumType), c.State, c.Version, fmtTime(c.EffectiveDate), string(data), fmtTime(time.Now().UTC()))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert pmi card")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit pmi card")
}

func (s *SQLiteStore) GetCurrentPMIRateCard(ctx context.Context, carrierID string, premiumType model.PremiumType, state string) (*model.PMIRateCard, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM hermes_pmi_rate_cards WHERE carrier_id=? AND premium_type=?
		AND state=? AND is_current=1`, carrierID, string(premiumType), state).Scan(&data)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get current pmi card")
	}
	var c model.PMIRateCard
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pmi card")
	}
	return &c, nil
}

func (s *SQLiteStore) ListCurrentPMIRateCards(ctx context.Context, state string) ([]model.PMIRateCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM hermes_pmi_rate_cards WHERE is_current=1
		AND (state = ? OR state = '')`, state)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pmi cards")
	}
	defer rows.Close()
	var out []model.PMIRateCard
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pmi card")
		}
		var c model.PMIRateCard
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pmi card")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pmi cards iterate")
}

// --- Title rate cards ---

func (s *SQLiteStore) UpsertTitleRateCard(ctx context.Context, c *model.TitleRateCard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var prevID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM hermes_title_rate_cards WHERE carrier_id=? AND policy_type=?
		AND state=? AND is_current=1 AND id != ?`, c.CarrierID, string(c.PolicyType), c.State, c.ID).Scan(&prevID)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrap(err, "sqlite: find current title card")
	}
	if prevID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE hermes_title_rate_cards SET is_current=0, superseded_by=? WHERE id=?`,
			c.ID, prevID); err != nil {
			return eris.Wrap(err, "sqlite: supersede title card")
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal title card")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO hermes_title_rate_cards (id, carrier_id, policy_type, state,
		is_promulgated, is_current, version, effective_date, data, created_at) VALUES (?,?,?,?,?,1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data`,
		c.ID, c.CarrierID, string(c.PolicyType), c.State, boolToInt(c.IsPromulgated), c.Version,
		fmtTime(c.EffectiveDate), string(data), fmtTime(time.Now().UTC()))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert title card")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit title card")
}

func (s *SQLiteStore) GetCurrentTitleRateCard(ctx context.Context, carrierID string, policyType model.TitlePolicyType, state string) (*model.TitleRateCard, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM hermes_title_rate_cards WHERE carrier_id=? AND policy_type=?
		AND state=? AND is_current=1`, carrierID, string(policyType), state).Scan(&data)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get current title card")
	}
	var c model.TitleRateCard
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal title card")
	}
	return &c, nil
}

func (s *SQLiteStore) ListCurrentTitleRateCards(ctx context.Context, state string) ([]model.TitleRateCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM hermes_title_rate_cards WHERE is_current=1 AND state=?`, state)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list title cards")
	}
	defer rows.Close()
	var out []model.TitleRateCard
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan title card")
		}
		var c model.TitleRateCard
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal title card")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list title cards iterate")
}

// --- Appetite profiles & signals ---

func (s *SQLiteStore) UpsertAppetiteProfile(ctx context.Context, p *model.AppetiteProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	var prevID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM hermes_appetite_profiles WHERE carrier_id=? AND state=?
		AND line_of_business=? AND is_current=1 AND id != ?`, p.CarrierID, p.State, p.LineOfBusiness, p.ID).Scan(&prevID)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrap(err, "sqlite: find current profile")
	}
	if prevID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE hermes_appetite_profiles SET is_current=0, superseded_by=? WHERE id=?`,
			p.ID, prevID); err != nil {
			return eris.Wrap(err, "sqlite: supersede profile")
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal profile")
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `INSERT INTO hermes_appetite_profiles (id, carrier_id, state, line_of_business,
		is_current, computed_at, data, created_at, updated_at) VALUES (?,?,?,?,1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data, computed_at=excluded.computed_at, updated_at=excluded.updated_at`,
		p.ID, p.CarrierID, p.State, p.LineOfBusiness, fmtTime(p.ComputedAt), string(data), fmtTime(now), fmtTime(now))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert profile")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit profile")
}

func (s *SQLiteStore) GetCurrentAppetiteProfile(ctx context.Context, carrierID, state, line string) (*model.AppetiteProfile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM hermes_appetite_profiles WHERE carrier_id=? AND state=?
		AND line_of_business=? AND is_current=1`, carrierID, state, line).Scan(&data)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get current profile")
	}
	var p model.AppetiteProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal profile")
	}
	return &p, nil
}

func (s *SQLiteStore) ExpireStaleAppetiteProfiles(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE hermes_appetite_profiles SET is_current=0, updated_at=?
		WHERE is_current=1 AND computed_at < ?`, fmtTime(time.Now().UTC()), fmtTime(cutoff))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: expire stale profiles")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) ListCurrentAppetiteProfiles(ctx context.Context, state, line string) ([]model.AppetiteProfile, error) {
	query := `SELECT data FROM hermes_appetite_profiles WHERE is_current=1`
	var args []any
	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}
	if line != "" {
		query += " AND line_of_business = ?"
		args = append(args, line)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list profiles")
	}
	defer rows.Close()
	var out []model.AppetiteProfile
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		var p model.AppetiteProfile
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal profile")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list profiles iterate")
}

func (s *SQLiteStore) InsertAppetiteSignal(ctx context.Context, sig *model.AppetiteSignal) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_appetite_signals (id, profile_id, carrier_id, kind,
		strength, date, description, source_filing_id, acknowledged, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.ProfileID, sig.CarrierID, string(sig.Kind), sig.Strength, fmtTime(sig.Date), sig.Description,
		sig.SourceFilingID, boolToInt(sig.Acknowledged), fmtTime(sig.CreatedAt))
	return eris.Wrap(err, "sqlite: insert appetite signal")
}

func (s *SQLiteStore) ListAppetiteSignals(ctx context.Context, carrierID string, since time.Time) ([]model.AppetiteSignal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, profile_id, carrier_id, kind, strength, date, description,
		source_filing_id, acknowledged, created_at FROM hermes_appetite_signals
		WHERE carrier_id=? AND date >= ? ORDER BY date DESC`, carrierID, fmtTime(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list appetite signals")
	}
	defer rows.Close()
	var out []model.AppetiteSignal
	for rows.Next() {
		var sig model.AppetiteSignal
		var kind string
		var ack int
		var date, created sql.NullString
		if err := rows.Scan(&sig.ID, &sig.ProfileID, &sig.CarrierID, &kind, &sig.Strength, &date,
			&sig.Description, &sig.SourceFilingID, &ack, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan appetite signal")
		}
		sig.Kind = model.SignalKind(kind)
		sig.Date, sig.CreatedAt = parseTime(date), parseTime(created)
		sig.Acknowledged = ack != 0
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list appetite signals iterate")
}

func (s *SQLiteStore) AcknowledgeAppetiteSignal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hermes_appetite_signals SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: acknowledge signal")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scrape cursors ---

func (s *SQLiteStore) UpsertScrapeCursor(ctx context.Context, c *model.ScrapeCursor) error {
	now := time.Now().UTC()
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	// last_scraped_at is NOT NULL, so a never-scraped cursor stores the zero
	// time as text; parseTime reads it back as the zero time.
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_scrape_cursors (state, enabled, last_scraped_at, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(state) DO UPDATE SET enabled=excluded.enabled, last_scraped_at=excluded.last_scraped_at, updated_at=excluded.updated_at`,
		c.State, enabled, c.LastScrapedAt.UTC().Format(sqliteTimeLayout), fmtTime(now))
	return eris.Wrap(err, "sqlite: upsert scrape cursor")
}

func (s *SQLiteStore) ListEnabledScrapeCursors(ctx context.Context) ([]model.ScrapeCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, enabled, last_scraped_at, updated_at FROM hermes_scrape_cursors WHERE enabled = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scrape cursors")
	}
	defer rows.Close()

	var cursors []model.ScrapeCursor
	for rows.Next() {
		var c model.ScrapeCursor
		var enabled int
		var lastScraped, updated sql.NullString
		if err := rows.Scan(&c.State, &enabled, &lastScraped, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scrape cursor")
		}
		c.Enabled = enabled == 1
		c.LastScrapedAt = parseTime(lastScraped)
		c.UpdatedAt = parseTime(updated)
		cursors = append(cursors, c)
	}
	return cursors, eris.Wrap(rows.Err(), "sqlite: iterate scrape cursors")
}

func (s *SQLiteStore) CountUnparsedDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hermes_filing_documents WHERE parsed_flag = 0`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count unparsed documents")
}

func (s *SQLiteStore) CountStuckScrapes(ctx context.Context, startedBefore time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hermes_scrape_log WHERE finished_at IS NULL AND started_at < ?`,
		fmtTime(startedBefore)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stuck scrapes")
}

// --- Logs ---

func (s *SQLiteStore) InsertScrapeLog(ctx context.Context, l *model.ScrapeLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	errsJSON, _ := json.Marshal(l.Errors)
	summaryJSON, _ := json.Marshal(l.Summary)
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_scrape_log (id, state, pass, started_at, finished_at,
		filings_seen, filings_failed, errors, summary) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.State, l.Pass, fmtTime(l.StartedAt), fmtTimePtr(l.FinishedAt), l.FilingsSeen, l.FilingsFailed,
		string(errsJSON), string(summaryJSON))
	return eris.Wrap(err, "sqlite: insert scrape log")
}

func (s *SQLiteStore) FinishScrapeLog(ctx context.Context, id string, finishedAt time.Time, seen, failed int, errs []string) error {
	errsJSON, _ := json.Marshal(errs)
	_, err := s.db.ExecContext(ctx, `UPDATE hermes_scrape_log SET finished_at=?, filings_seen=?,
		filings_failed=?, errors=? WHERE id=?`, fmtTime(finishedAt), seen, failed, string(errsJSON), id)
	return eris.Wrap(err, "sqlite: finish scrape log")
}

func (s *SQLiteStore) InsertParseLog(ctx context.Context, l *model.ParseLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	data, _ := json.Marshal(struct {
		CountsByKind map[string]int `json:"counts_by_kind,omitempty"`
		Errors       []string       `json:"errors,omitempty"`
		Warnings     []string       `json:"warnings,omitempty"`
	}{l.CountsByKind, l.Errors, l.Warnings})
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_parse_log (id, document_id, parser_kind, status,
		confidence_avg, confidence_min, ai_calls, ai_tokens, cost_usd, duration_ms, data, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.DocumentID, l.ParserKind, string(l.Status), l.ConfidenceAvg, l.ConfidenceMin,
		l.AICalls, l.AITokens, l.CostUSD, l.DurationMs, string(data), fmtTime(l.CreatedAt))
	return eris.Wrap(err, "sqlite: insert parse log")
}

func (s *SQLiteStore) InsertQuoteLog(ctx context.Context, l *model.QuoteLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	data, _ := json.Marshal(struct {
		Request         map[string]any `json:"request"`
		ResponseSummary map[string]any `json:"response_summary"`
	}{l.Request, l.ResponseSummary})
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_quote_log (id, kind, elapsed_ms, best_carrier_id,
		best_rate, data, created_at) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.Kind, l.ElapsedMs, l.BestCarrierID, l.BestRate, string(data), fmtTime(l.CreatedAt))
	return eris.Wrap(err, "sqlite: insert quote log")
}

// --- Review queue ---

func (s *SQLiteStore) InsertReviewItem(ctx context.Context, r *model.ParseReviewItem) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	valueJSON, err := json.Marshal(r.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal review value")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO hermes_parse_review_items (id, document_id, field_path, value,
		confidence, priority, resolved, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.DocumentID, r.FieldPath, string(valueJSON), r.Confidence, string(r.Priority),
		boolToInt(r.Resolved), fmtTime(r.CreatedAt))
	return eris.Wrap(err, "sqlite: insert review item")
}

func (s *SQLiteStore) ListUnresolvedReviewItems(ctx context.Context, priority model.ReviewPriority, limit int) ([]model.ParseReviewItem, error) {
	query := `SELECT id, document_id, field_path, value, confidence, priority, resolved, created_at
		FROM hermes_parse_review_items WHERE resolved = 0`
	var args []any
	if priority != "" {
		query += " AND priority = ?"
		args = append(args, string(priority))
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review items")
	}
	defer rows.Close()
	var out []model.ParseReviewItem
	for rows.Next() {
		var r model.ParseReviewItem
		var valueJSON, pr string
		var resolved int
		var created sql.NullString
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.FieldPath, &valueJSON, &r.Confidence, &pr, &resolved, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review item")
		}
		r.Priority = model.ReviewPriority(pr)
		r.Resolved = resolved != 0
		r.CreatedAt = parseTime(created)
		_ = json.Unmarshal([]byte(valueJSON), &r.Value)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list review items iterate")
}

func (s *SQLiteStore) ResolveReviewItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hermes_parse_review_items SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve review item")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry model.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_dlq (id, kind, reference_id, error, retry_count,
		max_retries, next_retry_at, created_at, last_failed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		entry.ID, string(entry.Kind), entry.ReferenceID, entry.Error, entry.RetryCount, entry.MaxRetries,
		fmtTime(entry.NextRetryAt), fmtTime(entry.CreatedAt), fmtTime(entry.LastFailedAt))
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter model.DLQFilter) ([]model.DLQEntry, error) {
	query := `SELECT id, kind, reference_id, error, retry_count, max_retries, next_retry_at,
		created_at, last_failed_at FROM hermes_dlq WHERE next_retry_at <= ?`
	args := []any{fmtTime(time.Now().UTC())}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY next_retry_at LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()
	var out []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var kind string
		var next, created, lastFailed sql.NullString
		if err := rows.Scan(&e.ID, &kind, &e.ReferenceID, &e.Error, &e.RetryCount, &e.MaxRetries,
			&next, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Kind = model.DLQKind(kind)
		e.NextRetryAt, e.CreatedAt, e.LastFailedAt = parseTime(next), parseTime(created), parseTime(lastFailed)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hermes_dlq SET retry_count = retry_count + 1, next_retry_at = ?,
		error = ?, last_failed_at = ? WHERE id = ?`, fmtTime(nextRetryAt), lastErr, fmtTime(time.Now().UTC()), id)
	return eris.Wrap(err, "sqlite: increment dlq retry")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hermes_dlq WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM hermes_dlq`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// --- Market reports ---

func (s *SQLiteStore) UpsertMarketReport(ctx context.Context, r *model.MarketReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	extra, err := json.Marshal(struct {
		NewEntrants  []string `json:"new_entrants,omitempty"`
		Withdrawals  []string `json:"withdrawals,omitempty"`
		TopSignalIDs []string `json:"top_signal_ids,omitempty"`
	}{r.NewEntrants, r.Withdrawals, r.TopSignalIDs})
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal market report")
	}

	var prevTrend string
	err = s.db.QueryRowContext(ctx, `SELECT trend FROM hermes_market_reports WHERE state=? AND line_of_business=?
		AND period_days=?`, r.State, r.LineOfBusiness, r.PeriodDays).Scan(&prevTrend)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrap(err, "sqlite: lookup previous market report")
	}
	if prevTrend != "" {
		r.PreviousTrend = prevTrend
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO hermes_market_reports (id, state, line_of_business, period_days,
		filing_count, avg_rate_change_pct, median_rate_change_pct, rate_increases, rate_decreases, trend,
		previous_trend, data, computed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(state, line_of_business, period_days) DO UPDATE SET
			filing_count=excluded.filing_count, avg_rate_change_pct=excluded.avg_rate_change_pct,
			median_rate_change_pct=excluded.median_rate_change_pct, rate_increases=excluded.rate_increases,
			rate_decreases=excluded.rate_decreases, previous_trend=excluded.previous_trend,
			trend=excluded.trend, data=excluded.data, computed_at=excluded.computed_at`,
		r.ID, r.State, r.LineOfBusiness, r.PeriodDays, r.FilingCount, r.AvgRateChangePct,
		r.MedianRateChangePct, r.RateIncreases, r.RateDecreases, r.Trend, r.PreviousTrend,
		string(extra), fmtTime(r.ComputedAt))
	return eris.Wrap(err, "sqlite: upsert market report")
}

func (s *SQLiteStore) GetLatestMarketReport(ctx context.Context, state, line string, periodDays int) (*model.MarketReport, error) {
	var r model.MarketReport
	var data string
	var computed sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, state, line_of_business, period_days, filing_count,
		avg_rate_change_pct, median_rate_change_pct, rate_increases, rate_decreases, trend, previous_trend,
		data, computed_at FROM hermes_market_reports WHERE state=? AND line_of_business=? AND period_days=?`,
		state, line, periodDays).Scan(&r.ID, &r.State, &r.LineOfBusiness, &r.PeriodDays, &r.FilingCount,
		&r.AvgRateChangePct, &r.MedianRateChangePct, &r.RateIncreases, &r.RateDecreases, &r.Trend,
		&r.PreviousTrend, &data, &computed)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get latest market report")
	}
	r.ComputedAt = parseTime(computed)
	var extra struct {
		NewEntrants  []string `json:"new_entrants,omitempty"`
		Withdrawals  []string `json:"withdrawals,omitempty"`
		TopSignalIDs []string `json:"top_signal_ids,omitempty"`
	}
	if err := json.Unmarshal([]byte(data), &extra); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal market report")
	}
	r.NewEntrants, r.Withdrawals, r.TopSignalIDs = extra.NewEntrants, extra.Withdrawals, extra.TopSignalIDs
	return &r, nil
}

// --- Alerts ---

func (s *SQLiteStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO hermes_alerts (id, signal_id, carrier_id, severity, message,
		read, acknowledged, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.SignalID, a.CarrierID, a.Severity, a.Message, boolToInt(a.Read), boolToInt(a.Acknowledged), fmtTime(a.CreatedAt))
	return eris.Wrap(err, "sqlite: insert alert")
}

func (s *SQLiteStore) ListUnreadAlerts(ctx context.Context, minSeverity string, limit int) ([]model.Alert, error) {
	query := `SELECT id, signal_id, carrier_id, severity, message, read, acknowledged, created_at
		FROM hermes_alerts WHERE read = 0`
	var args []any
	if minSeverity != "" {
		query += " AND severity = ?"
		args = append(args, minSeverity)
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unread alerts")
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var read, ack int
		var created sql.NullString
		if err := rows.Scan(&a.ID, &a.SignalID, &a.CarrierID, &a.Severity, &a.Message, &read, &ack, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		a.Read, a.Acknowledged = read != 0, ack != 0
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unread alerts iterate")
}

func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hermes_alerts SET acknowledged = 1, read = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: acknowledge alert")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
