package model

import "time"

// ScrapeCursor tracks per-state scrape-enablement and incremental progress
// for the daily_scrape_incremental task (spec.md §4.9).
type ScrapeCursor struct {
	State         string    `json:"state"`
	Enabled       bool      `json:"enabled"`
	LastScrapedAt time.Time `json:"last_scraped_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
