package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "hermes.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// storeOpenSubmissionsCounter adapts store.Store to alert.OpenSubmissionsCounter
// by counting a carrier's pending filings.
type storeOpenSubmissionsCounter struct {
	store store.Store
}

func (c *storeOpenSubmissionsCounter) CountOpenSubmissions(ctx context.Context, carrierID string) (int, error) {
	filings, err := c.store.ListFilings(ctx, store.FilingFilter{
		CarrierID: carrierID,
		Status:    "pending",
		Limit:     10000,
	})
	if err != nil {
		return 0, err
	}
	return len(filings), nil
}
