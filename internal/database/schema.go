package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id              TEXT PRIMARY KEY,
		url             TEXT NOT NULL DEFAULT '',
		title           TEXT NOT NULL DEFAULT '',
		location        TEXT,
		city            TEXT,
		property_type   TEXT,
		land_m2         DOUBLE PRECISION,
		built_m2        DOUBLE PRECISION,
		first_seen_date DATE NOT NULL,
		last_seen_date  DATE NOT NULL,
		description     TEXT,
		latitude        DOUBLE PRECISION,
		longitude       DOUBLE PRECISION,
		portal_date     DATE,
		tags            TEXT[]
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_untagged ON listings (id) WHERE tags IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_listings_city_type ON listings (city, property_type)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_last_seen ON listings (last_seen_date)`,
	`CREATE TABLE IF NOT EXISTS scrape_logs (
		id         UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		status     TEXT NOT NULL,
		reason     TEXT,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scrape_logs_created_at ON scrape_logs (created_at)`,
}

// Migrate creates the listings and scrape_logs tables when missing.
// All statements run in one transaction.
func Migrate(ctx context.Context, m *Manager) error {
	return m.WithTx(ctx, func(tx pgx.Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}
