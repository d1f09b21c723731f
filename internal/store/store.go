// Package store defines the persistence interface shared by every
// component, plus Postgres and SQLite implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/hermes/internal/model"
)

// FilingFilter specifies criteria for listing filings.
type FilingFilter struct {
	State          string             `json:"state,omitempty"`
	CarrierID      string             `json:"carrier_id,omitempty"`
	LineOfBusiness string             `json:"line_of_business,omitempty"`
	Status         model.FilingStatus `json:"status,omitempty"`
	FiledAfter     time.Time          `json:"filed_after,omitempty"`
	UpdatedAfter   time.Time          `json:"updated_after,omitempty"`
	Limit          int                `json:"limit,omitempty"`
	Offset         int                `json:"offset,omitempty"`
}

// DocumentFilter specifies criteria for listing filing documents across
// filings, used by the task surface to claim unparsed work and to find
// recently-parsed documents.
type DocumentFilter struct {
	ParsedFlag   *bool     `json:"parsed_flag,omitempty"`
	UpdatedAfter time.Time `json:"updated_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// DetailUpdate is one filing's detail-pass outcome: the harvested metadata
// map (including the scrape_status marker), the rate-change percent when the
// page sweep found one, and the documents downloaded for it. The scrape
// orchestrator buffers these and flushes a batch per transaction.
type DetailUpdate struct {
	FilingID      string
	Meta          map[string]any
	RateChangePct *float64
	Docs          []model.FilingDocument
}

// Store defines the persistence interface for every Hermes component.
// Implementations: PostgresStore (production, pgx/v5) and SQLiteStore
// (embedded, modernc.org/sqlite, used for tests and small deployments).
type Store interface {
	// Carriers
	UpsertCarrier(ctx context.Context, c *model.Carrier) error
	GetCarrier(ctx context.Context, id string) (*model.Carrier, error)
	GetCarrierByNAIC(ctx context.Context, naic string) (*model.Carrier, error)

	// Filings
	UpsertFiling(ctx context.Context, f *model.Filing) (*model.Filing, error)
	GetFiling(ctx context.Context, id string) (*model.Filing, error)
	GetFilingByTracking(ctx context.Context, state, tracking string) (*model.Filing, error)
	ListFilings(ctx context.Context, filter FilingFilter) ([]model.Filing, error)
	MarkFilingPermanentFailure(ctx context.Context, id string, reason string) error

	// Documents
	UpsertDocument(ctx context.Context, d *model.FilingDocument) (*model.FilingDocument, error)
	GetDocument(ctx context.Context, id string) (*model.FilingDocument, error)
	ListDocumentsByFiling(ctx context.Context, filingID string) ([]model.FilingDocument, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.FilingDocument, error)
	MarkDocumentParsed(ctx context.Context, id string, confidence float64) error
	// FlushDetailUpdates commits one scrape detail-pass batch — every
	// filing's metadata merge plus its new document rows — in a single
	// transaction, so a crash mid-flush loses the whole batch, never half
	// a filing.
	FlushDetailUpdates(ctx context.Context, updates []DetailUpdate) error

	// Extracted artifacts — UpsertRateTable flips any prior is_current row
	// for the same document false before inserting the new current version.
	// UpsertUnderwritingRule and UpsertPolicyForm insert or update by ID and
	// leave earlier rows of the same document current.
	UpsertRateTable(ctx context.Context, rt *model.RateTable) error
	GetCurrentRateTable(ctx context.Context, documentID string) (*model.RateTable, error)
	UpsertUnderwritingRule(ctx context.Context, r *model.UnderwritingRule) error
	ListCurrentUnderwritingRules(ctx context.Context, filingID string) ([]model.UnderwritingRule, error)
	UpsertPolicyForm(ctx context.Context, f *model.PolicyForm) error
	ListCurrentPolicyForms(ctx context.Context, filingID string) ([]model.PolicyForm, error)

	// PMI rate cards — natural key (carrier_id, premium_type, state).
	// Upsert installs a new current version and supersedes the old one in
	// one transaction.
	UpsertPMIRateCard(ctx context.Context, c *model.PMIRateCard) error
	GetCurrentPMIRateCard(ctx context.Context, carrierID string, premiumType model.PremiumType, state string) (*model.PMIRateCard, error)
	ListCurrentPMIRateCards(ctx context.Context, state string) ([]model.PMIRateCard, error)

	// Title rate cards — natural key (carrier_id, policy_type, state).
	UpsertTitleRateCard(ctx context.Context, c *model.TitleRateCard) error
	GetCurrentTitleRateCard(ctx context.Context, carrierID string, policyType model.TitlePolicyType, state string) (*model.TitleRateCard, error)
	ListCurrentTitleRateCards(ctx context.Context, state string) ([]model.TitleRateCard, error)

	// Appetite profiles — natural key (carrier_id, state, line_of_business).
	UpsertAppetiteProfile(ctx context.Context, p *model.AppetiteProfile) error
	GetCurrentAppetiteProfile(ctx context.Context, carrierID, state, line string) (*model.AppetiteProfile, error)
	ListCurrentAppetiteProfiles(ctx context.Context, state, line string) ([]model.AppetiteProfile, error)
	// ExpireStaleAppetiteProfiles flips is_current false on every current
	// profile whose computed_at predates cutoff, and returns how many rows
	// were flipped.
	ExpireStaleAppetiteProfiles(ctx context.Context, cutoff time.Time) (int, error)

	// Appetite signals
	InsertAppetiteSignal(ctx context.Context, s *model.AppetiteSignal) error
	ListAppetiteSignals(ctx context.Context, carrierID string, since time.Time) ([]model.AppetiteSignal, error)
	AcknowledgeAppetiteSignal(ctx context.Context, id string) error

	// Append-only logs
	InsertScrapeLog(ctx context.Context, l *model.ScrapeLog) error
	FinishScrapeLog(ctx context.Context, id string, finishedAt time.Time, seen, failed int, errs []string) error
	InsertParseLog(ctx context.Context, l *model.ParseLog) error
	InsertQuoteLog(ctx context.Context, l *model.QuoteLog) error

	// Scrape cursors — per-state enablement and incremental progress for
	// the daily_scrape_incremental task.
	UpsertScrapeCursor(ctx context.Context, c *model.ScrapeCursor) error
	ListEnabledScrapeCursors(ctx context.Context) ([]model.ScrapeCursor, error)

	// Health-check aggregates
	CountUnparsedDocuments(ctx context.Context) (int, error)
	CountStuckScrapes(ctx context.Context, startedBefore time.Time) (int, error)

	// Review queue
	InsertReviewItem(ctx context.Context, r *model.ParseReviewItem) error
	ListUnresolvedReviewItems(ctx context.Context, priority model.ReviewPriority, limit int) ([]model.ParseReviewItem, error)
	ResolveReviewItem(ctx context.Context, id string) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry model.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter model.DLQFilter) ([]model.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Market reports
	UpsertMarketReport(ctx context.Context, r *model.MarketReport) error
	GetLatestMarketReport(ctx context.Context, state, line string, periodDays int) (*model.MarketReport, error)

	// Alerts
	InsertAlert(ctx context.Context, a *model.Alert) error
	ListUnreadAlerts(ctx context.Context, minSeverity string, limit int) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
