package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/db"
	"github.com/sells-group/hermes/internal/model"
)

// PgxPool is the subset of *pgxpool.Pool PostgresStore uses. pgxmock's pool
// satisfies it too, which is how the unit tests drive this backend without a
// live Postgres instance.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store over a pgxpool connection pool. It is the
// production backend.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgres creates a PostgresStore with a bounded connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for callers that need the bulk-write
// helpers in internal/db directly (it satisfies db.TxPool).
func (s *PostgresStore) Pool() PgxPool { return s.pool }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS hermes_carriers (
	id         TEXT PRIMARY KEY,
	naic       TEXT NOT NULL UNIQUE,
	legal_name TEXT NOT NULL,
	domicile   TEXT NOT NULL DEFAULT '',
	rating     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hermes_filings (
	id                       TEXT PRIMARY KEY,
	serff_tracking           TEXT NOT NULL,
	state                    TEXT NOT NULL,
	carrier_id               TEXT NOT NULL REFERENCES hermes_carriers(id),
	line_of_business         TEXT NOT NULL DEFAULT '',
	filing_type              TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL DEFAULT '',
	filed_date               TIMESTAMPTZ,
	effective_date           TIMESTAMPTZ,
	disposition_date         TIMESTAMPTZ,
	overall_rate_change_pct  DOUBLE PRECISION,
	raw_metadata             JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (serff_tracking, state)
);
CREATE INDEX IF NOT EXISTS idx_hermes_filings_state ON hermes_filings(state);
CREATE INDEX IF NOT EXISTS idx_hermes_filings_carrier ON hermes_filings(carrier_id);

CREATE TABLE IF NOT EXISTS hermes_filing_documents (
	id               TEXT PRIMARY KEY,
	filing_id        TEXT NOT NULL REFERENCES hermes_filings(id),
	name             TEXT NOT NULL,
	local_path       TEXT NOT NULL DEFAULT '',
	size_bytes       BIGINT NOT NULL DEFAULT 0,
	mime_type        TEXT NOT NULL DEFAULT '',
	checksum_sha256  TEXT NOT NULL DEFAULT '',
	parsed_flag      BOOLEAN NOT NULL DEFAULT false,
	parse_confidence DOUBLE PRECISION,
	doc_type         TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (filing_id, name)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_docs_checksum
	ON hermes_filing_documents(filing_id, checksum_sha256) WHERE checksum_sha256 != '';
CREATE INDEX IF NOT EXISTS idx_hermes_docs_parsed ON hermes_filing_documents(parsed_flag);

CREATE TABLE IF NOT EXISTS hermes_rate_tables (
	id             TEXT PRIMARY KEY,
	filing_id      TEXT NOT NULL,
	document_id    TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_page    INT NOT NULL DEFAULT 0,
	is_current     BOOLEAN NOT NULL DEFAULT true,
	effective_date TIMESTAMPTZ,
	data           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hermes_rate_tables_doc ON hermes_rate_tables(document_id, is_current);
CREATE INDEX IF NOT EXISTS idx_hermes_rate_tables_filing ON hermes_rate_tables(filing_id, is_current);

CREATE TABLE IF NOT EXISTS hermes_underwriting_rules (
	id          TEXT PRIMARY KEY,
	filing_id   TEXT NOT NULL,
	document_id TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_current  BOOLEAN NOT NULL DEFAULT true,
	data        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hermes_rules_filing ON hermes_underwriting_rules(filing_id, is_current);

CREATE TABLE IF NOT EXISTS hermes_policy_forms (
	id          TEXT PRIMARY KEY,
	filing_id   TEXT NOT NULL,
	document_id TEXT NOT NULL,
	form_number TEXT NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_current  BOOLEAN NOT NULL DEFAULT true,
	data        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hermes_forms_filing ON hermes_policy_forms(filing_id, is_current);

CREATE TABLE IF NOT EXISTS hermes_pmi_rate_cards (
	id             TEXT PRIMARY KEY,
	carrier_id     TEXT NOT NULL,
	premium_type   TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT '',
	is_current     BOOLEAN NOT NULL DEFAULT true,
	superseded_by  TEXT NOT NULL DEFAULT '',
	version        INT NOT NULL DEFAULT 1,
	effective_date TIMESTAMPTZ,
	data           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_pmi_cards_current
	ON hermes_pmi_rate_cards(carrier_id, premium_type, state) WHERE is_current;

CREATE TABLE IF NOT EXISTS hermes_title_rate_cards (
	id             TEXT PRIMARY KEY,
	carrier_id     TEXT NOT NULL,
	policy_type    TEXT NOT NULL,
	state          TEXT NOT NULL,
	is_promulgated BOOLEAN NOT NULL DEFAULT false,
	is_current     BOOLEAN NOT NULL DEFAULT true,
	superseded_by  TEXT NOT NULL DEFAULT '',
	version        INT NOT NULL DEFAULT 1,
	effective_date TIMESTAMPTZ,
	data           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_title_cards_current
	ON hermes_title_rate_cards(carrier_id, policy_type, state) WHERE is_current;

CREATE TABLE IF NOT EXISTS hermes_appetite_profiles (
	id              TEXT PRIMARY KEY,
	carrier_id      TEXT NOT NULL,
	state           TEXT NOT NULL,
	line_of_business TEXT NOT NULL,
	is_current      BOOLEAN NOT NULL DEFAULT true,
	superseded_by   TEXT NOT NULL DEFAULT '',
	computed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	data            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hermes_profiles_current
	ON hermes_appetite_profiles(carrier_id, state, line_of_business) WHERE is_current;

CREATE TABLE IF NOT EXISTS hermes_appetite_signals (
	id               TEXT PRIMARY KEY,
	profile_id       TEXT NOT NULL DEFAULT '',
	carrier_id       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	strength         INT NOT NULL,
	date             TIMESTAMPTZ NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	source_filing_id TEXT NOT NULL DEFAULT '',
	acknowledged     BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hermes_signals_carrier ON hermes_appetite_signals(carrier_id, date);

CREATE TABLE IF NOT EXISTS hermes_scrape_log (
	id             TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	pass           TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	filings_seen   INT NOT NULL DEFAULT 0,
	filings_failed INT NOT NULL DEFAULT 0,
	errors         JSONB NOT NULL DEFAULT '[]'::jsonb,
	summary        JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS hermes_scrape_cursors (
	state           TEXT PRIMARY KEY,
	enabled         BOOLEAN NOT NULL DEFAULT true,
	last_scraped_at TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hermes_parse_log (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	parser_kind    TEXT NOT NULL,
	status         TEXT NOT NULL,
	confidence_avg DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence_min DOUBLE PRECISION NOT NULL DEFAULT 0,
	ai_calls       INT NOT NULL DEFAULT 0,
	ai_tokens      BIGINT NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	data           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hermes_quote_log (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	elapsed_ms      BIGINT NOT NULL DEFAULT 0,
	best_carrier_id TEXT NOT NULL DEFAULT '',
	best_rate       TEXT NOT NULL DEFAULT '',
	data            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hermes_parse_review_items (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	field_path  TEXT NOT NULL,
	value       JSONB NOT NULL DEFAULT 'null'::jsonb,
	confidence  DOUBLE PRECISION NOT NULL,
	priority    TEXT NOT NULL,
	resolved    BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hermes_review_unresolved ON hermes_parse_review_items(resolved, priority);

CREATE TABLE IF NOT EXISTS hermes_dlq (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	reference_id   TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	retry_count    INT NOT NULL DEFAULT 0,
	max_retries    INT NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hermes_market_reports (
	id                    TEXT PRIMARY KEY,
	state                 TEXT NOT NULL,
	line_of_business      TEXT NOT NULL,
	period_days           INT NOT NULL,
	filing_count          INT NOT NULL DEFAULT 0,
	avg_rate_change_pct   DOUBLE PRECISION NOT NULL DEFAULT 0,
	median_rate_change_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	rate_increases        INT NOT NULL DEFAULT 0,
	rate_decreases        INT NOT NULL DEFAULT 0,
	trend                 TEXT NOT NULL DEFAULT '',
	previous_trend        TEXT NOT NULL DEFAULT '',
	data                  JSONB NOT NULL DEFAULT '{}'::jsonb,
	computed_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (state, line_of_business, period_days)
);

CREATE TABLE IF NOT EXISTS hermes_alerts (
	id           TEXT PRIMARY KEY,
	signal_id    TEXT NOT NULL,
	carrier_id   TEXT NOT NULL,
	severity     TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	read         BOOLEAN NOT NULL DEFAULT false,
	acknowledged BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hermes_alerts_unread ON hermes_alerts(read, severity);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func newID() string { return uuid.New().String() }

// --- Carriers ---

func (s *PostgresStore) UpsertCarrier(ctx context.Context, c *model.Carrier) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = newID()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hermes_carriers (id, naic, legal_name, domicile, rating, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (naic) DO UPDATE SET
			legal_name = COALESCE(NULLIF(EXCLUDED.legal_name, ''), hermes_carriers.legal_name),
			domicile   = COALESCE(NULLIF(EXCLUDED.domicile, ''), hermes_carriers.domicile),
			rating     = COALESCE(NULLIF(EXCLUDED.rating, ''), hermes_carriers.rating),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`,
		c.ID, c.NAIC, c.LegalName, c.Domicile, c.Rating, now,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return eris.Wrap(err, "postgres: upsert carrier")
}

func (s *PostgresStore) GetCarrier(ctx context.Context, id string) (*model.Carrier, error) {
	return s.scanCarrier(s.pool.QueryRow(ctx,
		`SELECT id, naic, legal_name, domicile, rating, created_at, updated_at FROM hermes_carriers WHERE id = $1`, id))
}

func (s *PostgresStore) GetCarrierByNAIC(ctx context.Context, naic string) (*model.Carrier, error) {
	return s.scanCarrier(s.pool.QueryRow(ctx,
		`SELECT id, naic, legal_name, domicile, rating, created_at, updated_at FROM hermes_carriers WHERE naic = $1`, naic))
}

func (s *PostgresStore) scanCarrier(row pgx.Row) (*model.Carrier, error) {
	var c model.Carrier
	if err := row.Scan(&c.ID, &c.NAIC, &c.LegalName, &c.Domicile, &c.Rating, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan carrier")
	}
	return &c, nil
}

// --- Filings ---

func (s *PostgresStore) UpsertFiling(ctx context.Context, f *model.Filing) (*model.Filing, error) {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = newID()
	}
	rawJSON, err := json.Marshal(f.RawMetadata)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal raw_metadata")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO hermes_filings (id, serff_tracking, state, carrier_id, line_of_business,
			filing_type, status, filed_date, effective_date, disposition_date,
			overall_rate_change_pct, raw_metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		ON CONFLICT (serff_tracking, state) DO UPDATE SET
			carrier_id              = COALESCE(NULLIF(EXCLUDED.carrier_id, ''), hermes_filings.carrier_id),
			line_of_business        = COALESCE(NULLIF(EXCLUDED.line_of_business, ''), hermes_filings.line_of_business),
			filing_type             = COALESCE(NULLIF(EXCLUDED.filing_type, ''), hermes_filings.filing_type),
			status                  = COALESCE(NULLIF(EXCLUDED.status, ''), hermes_filings.status),
			filed_date              = COALESCE(EXCLUDED.filed_date, hermes_filings.filed_date),
			effective_date          = COALESCE(EXCLUDED.effective_date, hermes_filings.effective_date),
			disposition_date        = COALESCE(EXCLUDED.disposition_date, hermes_filings.disposition_date),
			overall_rate_change_pct = COALESCE(EXCLUDED.overall_rate_change_pct, hermes_filings.overall_rate_change_pct),
			raw_metadata            = hermes_filings.raw_metadata || EXCLUDED.raw_metadata,
			updated_at              = EXCLUDED.updated_at
		RETURNING id, serff_tracking, state, carrier_id, line_of_business, filing_type, status,
			filed_date, effective_date, disposition_date, overall_rate_change_pct, raw_metadata,
			created_at, updated_at`,
		f.ID, f.SERFFTracking, f.State, f.CarrierID, f.LineOfBusiness, string(f.FilingType), string(f.Status),
		f.FiledDate, f.EffectiveDate, f.DispositionDate, f.OverallRateChangePct, rawJSON, now,
	)
	return s.scanFiling(row)
}

func (s *PostgresStore) scanFiling(row pgx.Row) (*model.Filing, error) {
	var f model.Filing
	var rawJSON []byte
	var filingType, status string
	if err := row.Scan(&f.ID, &f.SERFFTracking, &f.State, &f.CarrierID, &f.LineOfBusiness, &filingType, &status,
		&f.FiledDate, &f.EffectiveDate, &f.DispositionDate, &f.OverallRateChangePct, &rawJSON,
		&f.CreatedAt, &f.UpdatedAt); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan filing")
	}
	f.FilingType = model.FilingType(filingType)
	f.Status = model.FilingStatus(status)
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &f.RawMetadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal raw_metadata")
		}
	}
	return &f, nil
}

func (s *PostgresStore) GetFiling(ctx context.Context, id string) (*model.Filing, error) {
	return s.scanFiling(s.pool.QueryRow(ctx, `SELECT id, serff_tracking, state, carrier_id, line_of_business,
		filing_type, status, filed_date, effective_date, disposition_date, overall_rate_change_pct,
		raw_metadata, created_at, updated_at FROM hermes_filings WHERE id = $1`, id))
}

func (s *PostgresStore) GetFilingByTracking(ctx context.Context, state, tracking string) (*model.Filing, error) {
	return s.scanFiling(s.pool.QueryRow(ctx, `SELECT id, serff_tracking, state, carrier_id, line_of_business,
		filing_type, status, filed_date, effective_date, disposition_date, overall_rate_change_pct,
		raw_metadata, created_at, updated_at FROM hermes_filings WHERE state = $1 AND serff_tracking = $2`, state, tracking))
}

func (s *PostgresStore) ListFilings(ctx context.Context, filter FilingFilter) ([]model.Filing, error) {
	query := `SELECT id, serff_tracking, state, carrier_id, line_of_business, filing_type, status,
		filed_date, effective_date, disposition_date, overall_rate_change_pct, raw_metadata,
		created_at, updated_at FROM hermes_filings WHERE true`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}
	if filter.State != "" {
		query += " AND state = " + arg(filter.State)
	}
	if filter.CarrierID != "" {
		query += " AND carrier_id = " + arg(filter.CarrierID)
	}
	if filter.LineOfBusiness != "" {
		query += " AND line_of_business = " + arg(filter.LineOfBusiness)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}
	if !filter.FiledAfter.IsZero() {
		query += " AND filed_date >= " + arg(filter.FiledAfter)
	}
	if !filter.UpdatedAfter.IsZero() {
		query += " AND updated_at >= " + arg(filter.UpdatedAfter)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list filings")
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
	return out, eris.Wrap(rows.Err(), "postgres: list filings iterate")
}

func (s *PostgresStore) MarkFilingPermanentFailure(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE hermes_filings SET
		raw_metadata = raw_metadata || jsonb_build_object('scrape_status', $2::text),
		updated_at = $3
		WHERE id = $1`, id, reason, time.Now().UTC())
	return eris.Wrap(err, "postgres: mark filing permanent failure")
}

// --- Documents ---

func (s *PostgresStore) UpsertDocument(ctx context.Context, d *model.FilingDocument) (*model.FilingDocument, error) {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = newID()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO hermes_filing_documents (id, filing_id, name, local_path, size_bytes, mime_type,
			checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		ON CONFLICT (filing_id, name) DO UPDATE SET
			local_path       = COALESCE(NULLIF(EXCLUDED.local_path, ''), hermes_filing_documents.local_path),
			size_bytes       = CASE WHEN EXCLUDED.size_bytes > 0 THEN EXCLUDED.size_bytes ELSE hermes_filing_documents.size_bytes END,
			mime_type        = COALESCE(NULLIF(EXCLUDED.mime_type, ''), hermes_filing_documents.mime_type),
			checksum_sha256  = COALESCE(NULLIF(EXCLUDED.checksum_sha256, ''), hermes_filing_documents.checksum_sha256),
			doc_type         = COALESCE(NULLIF(EXCLUDED.doc_type, ''), hermes_filing_documents.doc_type),
			updated_at       = EXCLUDED.updated_at
		RETURNING id, filing_id, name, local_path, size_bytes, mime_type, checksum_sha256, parsed_flag,
			parse_confidence, doc_type, created_at, updated_at`,
		d.ID, d.FilingID, d.Name, d.LocalPath, d.SizeBytes, d.MimeType, d.ChecksumSHA256,
		d.ParsedFlag, d.ParseConfidence, d.DocType, now,
	)
	return s.scanDocument(row)
}

func (s *PostgresStore) scanDocument(row pgx.Row) (*model.FilingDocument, error) {
	var d model.FilingDocument
	if err := row.Scan(&d.ID, &d.FilingID, &d.Name, &d.LocalPath, &d.SizeBytes, &d.MimeType,
		&d.ChecksumSHA256, &d.ParsedFlag, &d.ParseConfidence, &d.DocType, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan document")
	}
	return &d, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.FilingDocument, error) {
	return s.scanDocument(s.pool.QueryRow(ctx, `SELECT id, filing_id, name, local_path, size_bytes, mime_type,
		checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at
		FROM hermes_filing_documents WHERE id = $1`, id))
}

func (s *PostgresStore) ListDocumentsByFiling(ctx context.Context, filingID string) ([]model.FilingDocument, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, filing_id, name, local_path, size_bytes, mime_type,
		checksum_sha256, parsed_flag, parse_confidence, doc_type, created_at, updated_at
		FROM hermes_filing_documents WHERE filing_id = $1 ORDER BY created_at`, filingID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
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
	return out, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.FilingDocument, error) {
	query := `SELECT id, filing_id, name, local_path, size_bytes, mime_type, checksum_sha256,
		parsed_flag, parse_confidence, doc_type, created_at, updated_at FROM hermes_filing_documents WHERE true`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}
	if filter.ParsedFlag != nil {
		query += " AND parsed_flag = " + arg(*filter.ParsedFlag)
	}
	if !filter.UpdatedAfter.IsZero() {
		query += " AND updated_at >= " + arg(filter.UpdatedAfter)
	}
	query += " ORDER BY created_at"
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents filtered")
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
	return out, eris.Wrap(rows.Err(), "postgres: list documents filtered iterate")
}

// detailDocColumns is the column order FlushDetailUpdates COPYs document
// rows in.
var detailDocColumns = []string{"id", "filing_id", "name", "local_path", "size_bytes", "mime_type",
	"checksum_sha256", "parsed_flag", "parse_confidence", "doc_type", "created_at", "updated_at"}

// FlushDetailUpdates commits one detail-pass batch in a single transaction:
// each filing's harvested-metadata merge (jsonb union, preserving prior
// keys) and rate-change percent, then every new document row COPYed in bulk
// through internal/db.
func (s *PostgresStore) FlushDetailUpdates(ctx context.Context, updates []DetailUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := time.Now().UTC()

	var docRows [][]any
	for i := range updates {
		for j := range updates[i].Docs {
			d := &updates[i].Docs[j]
			if d.ID == "" {
				d.ID = newID()
			}
			docRows = append(docRows, []any{d.ID, d.FilingID, d.Name, d.LocalPath, d.SizeBytes,
				d.MimeType, d.ChecksumSHA256, d.ParsedFlag, d.ParseConfidence, d.DocType, now, now})
		}
	}

	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, u := range updates {
			meta := u.Meta
			if meta == nil {
				meta = map[string]any{}
			}
			merged, err := json.Marshal(meta)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal detail metadata")
			}
			if _, err := tx.Exec(ctx, `UPDATE hermes_filings SET raw_metadata = raw_metadata || $2::jsonb,
				overall_rate_change_pct = COALESCE($3, overall_rate_change_pct), updated_at = $4
				WHERE id = $1`, u.FilingID, merged, u.RateChangePct, now); err != nil {
				return eris.Wrap(err, "postgres: flush detail metadata")
			}
		}
		if _, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
			Table:        "hermes_filing_documents",
			Columns:      detailDocColumns,
			ConflictKeys: []string{"filing_id", "name"},
		}, docRows); err != nil {
			return err
		}
		return nil
	})
}

func (s *PostgresStore) MarkDocumentParsed(ctx context.Context, id string, confidence float64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hermes_filing_documents SET parsed_flag = true,
		parse_confidence = $2, updated_at = $3 WHERE id = $1`, id, confidence, time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "postgres: mark document parsed")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Extracted artifacts ---

func (s *PostgresStore) UpsertRateTable(ctx context.Context, rt *model.RateTable) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if rt.ID == "" {
			rt.ID = newID()
		}
		if _, err := tx.Exec(ctx, `UPDATE hermes_rate_tables SET is_current = false
			WHERE document_id = $1 AND is_current = true AND id != $2`, rt.DocumentID, rt.ID); err != nil {
			return eris.Wrap(err, "postgres: supersede rate tables")
		}
		data, err := json.Marshal(rt)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal rate table")
		}
		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `INSERT INTO hermes_rate_tables (id, filing_id, document_id, confidence,
			source_page, is_current, effective_date, data, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,true,$6,$7,$8,$8)
			ON CONFLICT (id) DO UPDATE SET confidence=$4, source_page=$5, data=$7, updated_at=$8`,
			rt.ID, rt.FilingID, rt.DocumentID, rt.Confidence, rt.SourcePage, rt.EffectiveDate, data, now)
		return eris.Wrap(err, "postgres: insert rate table")
	})
}

func (s *PostgresStore) GetCurrentRateTable(ctx context.Context, documentID string) (*model.RateTable, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM hermes_rate_tables WHERE document_id = $1 AND is_current = true`,
		documentID).Scan(&data)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get current rate table")
	}
	var rt model.RateTable
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rate table")
	}
	return &rt, nil
}

func (s *PostgresStore) UpsertUnderwritingRule(ctx context.Context, r *model.UnderwritingRule) error {
	if r.ID == "" {
		r.ID = newID()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal underwriting rule")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO hermes_underwriting_rules (id, filing_id, document_id, type,
		category, confidence, is_current, data, created_at) VALUES ($1,$2,$3,$4,$5,$6,true,$7,$8)
		ON CONFLICT (id) DO UPDATE SET confidence=$6, data=$7`,
		r.ID, r.FilingID, r.DocumentID, r.Type, r.Category, r.Confidence, data, time.Now().UTC())
	return eris.Wrap(err, "postgres: upsert underwriting rule")
}

func (s *PostgresStore) ListCurrentUnderwritingRules(ctx context.Context, filingID string) ([]model.UnderwritingRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM hermes_underwriting_rules WHERE filing_id = $1 AND is_current = true`, filingID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list underwriting rules")
	}
	defer rows.Close()
	var out []model.UnderwritingRule
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan underwriting rule")
		}
		var r model.UnderwritingRule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal underwriting rule")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list underwriting rules iterate")
}

func (s *PostgresStore) UpsertPolicyForm(ctx context.Context, f *model.PolicyForm) error {
	if f.ID == "" {
		f.ID = newID()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal policy form")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO hermes_policy_forms (id, filing_id, document_id, form_number,
		confidence, is_current, data, created_at) VALUES ($1,$2,$3,$4,$5,true,$6,$7)
		ON CONFLICT (id) DO UPDATE SET confidence=$5, data=$6`,
		f.ID, f.FilingID, f.DocumentID, f.FormNumber, f.Confidence, data, time.Now().UTC())
	return eris.Wrap(err, "postgres: upsert policy form")
}

func (s *PostgresStore) ListCurrentPolicyForms(ctx context.Context, filingID string) ([]model.PolicyForm, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM hermes_policy_forms WHERE filing_id = $1 AND is_current = true`, filingID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list policy forms")
	}
	defer rows.Close()
	var out []model.PolicyForm
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy form")
		}
		var f model.PolicyForm
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal policy form")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list policy forms iterate")
}

// --- PMI rate cards ---

func (s *PostgresStore) UpsertPMIRateCard(ctx context.Context, c *model.PMIRateCard) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if c.ID == "" {
			c.ID = newID()
		}
		var prevID string
		err := tx.QueryRow(ctx, `SELECT id FROM hermes_pmi_rate_cards WHERE carrier_id=$1 AND premium_type=$2
			AND state=$3 AND is_current = true AND id != $4`, c.CarrierID, string(c.PremiumType), c.State, c.ID).Scan(&prevID)
		if err != nil && !eris.Is(err, pgx.ErrNoRows) {
			return eris.Wrap(err, "postgres: find current pmi card")
		}
		if prevID != "" {
			if _, err := tx.Exec(ctx, `UPDATE hermes_pmi_rate_cards SET is_current=false, superseded_by=$2 WHERE id=$1`,
				prevID, c.ID); err != nil {
				return eris.Wrap(err, "postgres: supersede pmi card")
			}
		}
		data, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal pmi card")
		}
		_, err = tx.Exec(ctx, `INSERT INTO hermes_pmi_rate_cards (id, carrier_id, premium_type, state,
			is_current, version, effective_date, data, created_at) VALUES ($1,$2,$3,$4,true,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET data=$7`,
			c.ID, c.CarrierID, string(c.PremiumType), c.State, c.Version, c.EffectiveDate, data, time.Now().UTC())
		return eris.Wrap(err, "postgres: insert pmi card")
	})
}

func (s *PostgresStore) GetCurrentPMIRateCard(ctx context.Context, carrierID string, premiumType model.PremiumType, state string) (*model.PMIRateCard, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM hermes_pmi_rate_cards WHERE carrier_id=$1 AND premium_type=$2
		AND state=$3 AND is_current=true`, carrierID, string(premiumType), state).Scan(&data)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get current pmi card")
	}
	var c model.PMIRateCard
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pmi card")
	}
	return &c, nil
}

func (s *PostgresStore) ListCurrentPMIRateCards(ctx context.Context, state string) ([]model.PMIRateCard, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM hermes_pmi_rate_cards WHERE is_current=true
		AND (state = $1 OR state = '')`, state)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pmi cards")
	}
	defer rows.Close()
	var out []model.PMIRateCard
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pmi card")
		}
		var c model.PMIRateCard
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal pmi card")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pmi cards iterate")
}

// --- Title rate cards ---

func (s *PostgresStore) UpsertTitleRateCard(ctx context.Context, c *model.TitleRateCard) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if c.ID == "" {
			c.ID = newID()
		}
		var prevID string
		err := tx.QueryRow(ctx, `SELECT id FROM hermes_title_rate_cards WHERE carrier_id=$1 AND policy_type=$2
			AND state=$3 AND is_current=true AND id != $4`, c.CarrierID, string(c.PolicyType), c.State, c.ID).Scan(&prevID)
		if err != nil && !eris.Is(err, pgx.ErrNoRows) {
			return eris.Wrap(err, "postgres: find current title card")
		}
		if prevID != "" {
			if _, err := tx.Exec(ctx, `UPDATE hermes_title_rate_cards SET is_current=false, superseded_by=$2 WHERE id=$1`,
				prevID, c.ID); err != nil {
				return eris.Wrap(err, "postgres: supersede title card")
			}
		}
		data, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal title card")
		}
		_, err = tx.Exec(ctx, `INSERT INTO hermes_title_rate_cards (id, carrier_id, policy_type, state,
			is_promulgated, is_current, version, effective_date, data, created_at)
			VALUES ($1,$2,$3,$4,$5,true,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE SET data=$8`,
			c.ID, c.CarrierID, string(c.PolicyType), c.State, c.IsPromulgated, c.Version, c.EffectiveDate, data, time.Now().UTC())
		return eris.Wrap(err, "postgres: insert title card")
	})
}

func (s *PostgresStore) GetCurrentTitleRateCard(ctx context.Context, carrierID string, policyType model.TitlePolicyType, state string) (*model.TitleRateCard, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM hermes_title_rate_cards WHERE carrier_id=$1 AND policy_type=$2
		AND state=$3 AND is_current=true`, carrierID, string(policyType), state).Scan(&data)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get current title card")
	}
	var c model.TitleRateCard
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal title card")
	}
	return &c, nil
}

func (s *PostgresStore) ListCurrentTitleRateCards(ctx context.Context, state string) ([]model.TitleRateCard, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM hermes_title_rate_cards WHERE is_current=true AND state=$1`, state)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list title cards")
	}
	defer rows.Close()
	var out []model.TitleRateCard
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan title card")
		}
		var c model.TitleRateCard
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal title card")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list title cards iterate")
}

// --- Appetite profiles & signals ---

func (s *PostgresStore) UpsertAppetiteProfile(ctx context.Context, p *model.AppetiteProfile) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if p.ID == "" {
			p.ID = newID()
		}
		var prevID string
		err := tx.QueryRow(ctx, `SELECT id FROM hermes_appetite_profiles WHERE carrier_id=$1 AND state=$2
			AND line_of_business=$3 AND is_current=true AND id != $4`, p.CarrierID, p.State, p.LineOfBusiness, p.ID).Scan(&prevID)
		if err != nil && !eris.Is(err, pgx.ErrNoRows) {
			return eris.Wrap(err, "postgres: find current profile")
		}
		if prevID != "" {
			if _, err := tx.Exec(ctx, `UPDATE hermes_appetite_profiles SET is_current=false, superseded_by=$2 WHERE id=$1`,
				prevID, p.ID); err != nil {
				return eris.Wrap(err, "postgres: supersede profile")
			}
		}
		data, err := json.Marshal(p)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal profile")
		}
		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `INSERT INTO hermes_appetite_profiles (id, carrier_id, state, line_of_business,
			is_current, computed_at, data, created_at, updated_at) VALUES ($1,$2,$3,$4,true,$5,$6,$7,$7)
			ON CONFLICT (id) DO UPDATE SET data=$6, computed_at=$5, updated_at=$7`,
			p.ID, p.CarrierID, p.State, p.LineOfBusiness, p.ComputedAt, data, now)
		return eris.Wrap(err, "postgres: insert profile")
	})
}

func (s *PostgresStore) GetCurrentAppetiteProfile(ctx context.Context, carrierID, state, line string) (*model.AppetiteProfile, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM hermes_appetite_profiles WHERE carrier_id=$1 AND state=$2
		AND line_of_business=$3 AND is_current=true`, carrierID, state, line).Scan(&data)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get current profile")
	}
	var p model.AppetiteProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal profile")
	}
	return &p, nil
}

func (s *PostgresStore) ExpireStaleAppetiteProfiles(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE hermes_appetite_profiles SET is_current=false, updated_at=$1
		WHERE is_current=true AND computed_at < $2`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: expire stale profiles")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListCurrentAppetiteProfiles(ctx context.Context, state, line string) ([]model.AppetiteProfile, error) {
	query := `SELECT data FROM hermes_appetite_profiles WHERE is_current=true`
	args := []any{}
	if state != "" {
		args = append(args, state)
		query += " AND state = $" + itoa(len(args))
	}
	if line != "" {
		args = append(args, line)
		query += " AND line_of_business = $" + itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list profiles")
	}
	defer rows.Close()
	var out []model.AppetiteProfile
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		var p model.AppetiteProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal profile")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list profiles iterate")
}

func (s *PostgresStore) InsertAppetiteSignal(ctx context.Context, sig *model.AppetiteSignal) error {
	if sig.ID == "" {
		sig.ID = newID()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_appetite_signals (id, profile_id, carrier_id, kind,
		strength, date, description, source_filing_id, acknowledged, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sig.ID, sig.ProfileID, sig.CarrierID, string(sig.Kind), sig.Strength, sig.Date, sig.Description,
		sig.SourceFilingID, sig.Acknowledged, sig.CreatedAt)
	return eris.Wrap(err, "postgres: insert appetite signal")
}

func (s *PostgresStore) ListAppetiteSignals(ctx context.Context, carrierID string, since time.Time) ([]model.AppetiteSignal, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, profile_id, carrier_id, kind, strength, date, description,
		source_filing_id, acknowledged, created_at FROM hermes_appetite_signals
		WHERE carrier_id=$1 AND date >= $2 ORDER BY date DESC`, carrierID, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list appetite signals")
	}
	defer rows.Close()
	var out []model.AppetiteSignal
	for rows.Next() {
		var sig model.AppetiteSignal
		var kind string
		if err := rows.Scan(&sig.ID, &sig.ProfileID, &sig.CarrierID, &kind, &sig.Strength, &sig.Date,
			&sig.Description, &sig.SourceFilingID, &sig.Acknowledged, &sig.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan appetite signal")
		}
		sig.Kind = model.SignalKind(kind)
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list appetite signals iterate")
}

func (s *PostgresStore) AcknowledgeAppetiteSignal(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hermes_appetite_signals SET acknowledged = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "postgres: acknowledge signal")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scrape cursors ---

func (s *PostgresStore) UpsertScrapeCursor(ctx context.Context, c *model.ScrapeCursor) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_scrape_cursors (state, enabled, last_scraped_at, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (state) DO UPDATE SET enabled=$2, last_scraped_at=$3, updated_at=now()`,
		c.State, c.Enabled, c.LastScrapedAt)
	return eris.Wrap(err, "postgres: upsert scrape cursor")
}

func (s *PostgresStore) ListEnabledScrapeCursors(ctx context.Context) ([]model.ScrapeCursor, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, enabled, last_scraped_at, updated_at FROM hermes_scrape_cursors WHERE enabled = true`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scrape cursors")
	}
	defer rows.Close()

	var cursors []model.ScrapeCursor
	for rows.Next() {
		var c model.ScrapeCursor
		if err := rows.Scan(&c.State, &c.Enabled, &c.LastScrapedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scrape cursor")
		}
		cursors = append(cursors, c)
	}
	return cursors, eris.Wrap(rows.Err(), "postgres: iterate scrape cursors")
}

func (s *PostgresStore) CountUnparsedDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hermes_filing_documents WHERE parsed_flag = false`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count unparsed documents")
}

func (s *PostgresStore) CountStuckScrapes(ctx context.Context, startedBefore time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hermes_scrape_log WHERE finished_at IS NULL AND started_at < $1`,
		startedBefore).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stuck scrapes")
}

// --- Logs ---

func (s *PostgresStore) InsertScrapeLog(ctx context.Context, l *model.ScrapeLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	errsJSON, _ := json.Marshal(l.Errors)
	summaryJSON, _ := json.Marshal(l.Summary)
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_scrape_log (id, state, pass, started_at, finished_at,
		filings_seen, filings_failed, errors, summary) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.State, l.Pass, l.StartedAt, l.FinishedAt, l.FilingsSeen, l.FilingsFailed, errsJSON, summaryJSON)
	return eris.Wrap(err, "postgres: insert scrape log")
}

func (s *PostgresStore) FinishScrapeLog(ctx context.Context, id string, finishedAt time.Time, seen, failed int, errs []string) error {
	errsJSON, _ := json.Marshal(errs)
	_, err := s.pool.Exec(ctx, `UPDATE hermes_scrape_log SET finished_at=$2, filings_seen=$3,
		filings_failed=$4, errors=$5 WHERE id=$1`, id, finishedAt, seen, failed, errsJSON)
	return eris.Wrap(err, "postgres: finish scrape log")
}

func (s *PostgresStore) InsertParseLog(ctx context.Context, l *model.ParseLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	data, _ := json.Marshal(struct {
		CountsByKind map[string]int `json:"counts_by_kind,omitempty"`
		Errors       []string       `json:"errors,omitempty"`
		Warnings     []string       `json:"warnings,omitempty"`
	}{l.CountsByKind, l.Errors, l.Warnings})
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_parse_log (id, document_id, parser_kind, status,
		confidence_avg, confidence_min, ai_calls, ai_tokens, cost_usd, duration_ms, data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		l.ID, l.DocumentID, l.ParserKind, string(l.Status), l.ConfidenceAvg, l.ConfidenceMin,
		l.AICalls, l.AITokens, l.CostUSD, l.DurationMs, data, l.CreatedAt)
	return eris.Wrap(err, "postgres: insert parse log")
}

func (s *PostgresStore) InsertQuoteLog(ctx context.Context, l *model.QuoteLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	data, _ := json.Marshal(struct {
		Request         map[string]any `json:"request"`
		ResponseSummary map[string]any `json:"response_summary"`
	}{l.Request, l.ResponseSummary})
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_quote_log (id, kind, elapsed_ms, best_carrier_id,
		best_rate, data, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.ID, l.Kind, l.ElapsedMs, l.BestCarrierID, l.BestRate, data, l.CreatedAt)
	return eris.Wrap(err, "postgres: insert quote log")
}

// --- Review queue ---

func (s *PostgresStore) InsertReviewItem(ctx context.Context, r *model.ParseReviewItem) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	valueJSON, err := json.Marshal(r.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal review value")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO hermes_parse_review_items (id, document_id, field_path, value,
		confidence, priority, resolved, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.DocumentID, r.FieldPath, valueJSON, r.Confidence, string(r.Priority), r.Resolved, r.CreatedAt)
	return eris.Wrap(err, "postgres: insert review item")
}

func (s *PostgresStore) ListUnresolvedReviewItems(ctx context.Context, priority model.ReviewPriority, limit int) ([]model.ParseReviewItem, error) {
	query := `SELECT id, document_id, field_path, value, confidence, priority, resolved, created_at
		FROM hermes_parse_review_items WHERE resolved = false`
	args := []any{}
	if priority != "" {
		args = append(args, string(priority))
		query += " AND priority = $" + itoa(len(args))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY created_at LIMIT $" + itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review items")
	}
	defer rows.Close()
	var out []model.ParseReviewItem
	for rows.Next() {
		var r model.ParseReviewItem
		var valueJSON []byte
		var pr string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.FieldPath, &valueJSON, &r.Confidence, &pr, &r.Resolved, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review item")
		}
		r.Priority = model.ReviewPriority(pr)
		_ = json.Unmarshal(valueJSON, &r.Value)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list review items iterate")
}

func (s *PostgresStore) ResolveReviewItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hermes_parse_review_items SET resolved = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "postgres: resolve review item")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry model.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_dlq (id, kind, reference_id, error, retry_count,
		max_retries, next_retry_at, created_at, last_failed_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, string(entry.Kind), entry.ReferenceID, entry.Error, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter model.DLQFilter) ([]model.DLQEntry, error) {
	query := `SELECT id, kind, reference_id, error, retry_count, max_retries, next_retry_at,
		created_at, last_failed_at FROM hermes_dlq WHERE next_retry_at <= $1`
	args := []any{time.Now().UTC()}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += " AND kind = $" + itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY next_retry_at LIMIT $" + itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()
	var out []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.ReferenceID, &e.Error, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Kind = model.DLQKind(kind)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `UPDATE hermes_dlq SET retry_count = retry_count + 1, next_retry_at = $2,
		error = $3, last_failed_at = $4 WHERE id = $1`, id, nextRetryAt, lastErr, time.Now().UTC())
	return eris.Wrap(err, "postgres: increment dlq retry")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM hermes_dlq WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM hermes_dlq`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

// --- Market reports ---

func (s *PostgresStore) UpsertMarketReport(ctx context.Context, r *model.MarketReport) error {
	if r.ID == "" {
		r.ID = newID()
	}
	data, err := json.Marshal(struct {
		NewEntrants  []string `json:"new_entrants,omitempty"`
		Withdrawals  []string `json:"withdrawals,omitempty"`
		TopSignalIDs []string `json:"top_signal_ids,omitempty"`
	}{r.NewEntrants, r.Withdrawals, r.TopSignalIDs})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal market report")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO hermes_market_reports (id, state, line_of_business, period_days,
		filing_count, avg_rate_change_pct, median_rate_change_pct, rate_increases, rate_decreases,
		trend, previous_trend, data, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (state, line_of_business, period_days) DO UPDATE SET
			filing_count=$5, avg_rate_change_pct=$6, median_rate_change_pct=$7, rate_increases=$8,
			rate_decreases=$9, previous_trend=hermes_market_reports.trend, trend=$10, data=$12, computed_at=$13`,
		r.ID, r.State, r.LineOfBusiness, r.PeriodDays, r.FilingCount, r.AvgRateChangePct,
		r.MedianRateChangePct, r.RateIncreases, r.RateDecreases, r.Trend, r.PreviousTrend, data, r.ComputedAt)
	return eris.Wrap(err, "postgres: upsert market report")
}

func (s *PostgresStore) GetLatestMarketReport(ctx context.Context, state, line string, periodDays int) (*model.MarketReport, error) {
	var r model.MarketReport
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT id, state, line_of_business, period_days, filing_count,
		avg_rate_change_pct, median_rate_change_pct, rate_increases, rate_decreases, trend, previous_trend,
		data, computed_at FROM hermes_market_reports WHERE state=$1 AND line_of_business=$2 AND period_days=$3`,
		state, line, periodDays).Scan(&r.ID, &r.State, &r.LineOfBusiness, &r.PeriodDays, &r.FilingCount,
		&r.AvgRateChangePct, &r.MedianRateChangePct, &r.RateIncreases, &r.RateDecreases, &r.Trend,
		&r.PreviousTrend, &data, &r.ComputedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get latest market report")
	}
	var extra struct {
		NewEntrants  []string `json:"new_entrants,omitempty"`
		Withdrawals  []string `json:"withdrawals,omitempty"`
		TopSignalIDs []string `json:"top_signal_ids,omitempty"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal market report")
	}
	r.NewEntrants, r.Withdrawals, r.TopSignalIDs = extra.NewEntrants, extra.Withdrawals, extra.TopSignalIDs
	return &r, nil
}

// --- Alerts ---

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO hermes_alerts (id, signal_id, carrier_id, severity, message,
		read, acknowledged, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.SignalID, a.CarrierID, a.Severity, a.Message, a.Read, a.Acknowledged, a.CreatedAt)
	return eris.Wrap(err, "postgres: insert alert")
}

func (s *PostgresStore) ListUnreadAlerts(ctx context.Context, minSeverity string, limit int) ([]model.Alert, error) {
	query := `SELECT id, signal_id, carrier_id, severity, message, read, acknowledged, created_at
		FROM hermes_alerts WHERE read = false`
	args := []any{}
	if minSeverity != "" {
		args = append(args, minSeverity)
		query += " AND severity = $" + itoa(len(args))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unread alerts")
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(&a.ID, &a.SignalID, &a.CarrierID, &a.Severity, &a.Message, &a.Read, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unread alerts iterate")
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hermes_alerts SET acknowledged = true, read = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "postgres: acknowledge alert")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func withTx(ctx context.Context, pool PgxPool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
