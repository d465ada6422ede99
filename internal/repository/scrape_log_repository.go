package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	"github.com/stwalsh4118/atlas/listings/internal/models"
)

// ScrapeLogRepository persists session snapshots.
type ScrapeLogRepository interface {
	// Save inserts the log and fills in its ID (when zero) and CreatedAt.
	Save(ctx context.Context, entry *models.ScrapeLog) error
}

type scrapeLogRepository struct {
	db *database.Manager
}

// NewScrapeLogRepository creates a ScrapeLogRepository on top of the manager.
func NewScrapeLogRepository(db *database.Manager) ScrapeLogRepository {
	return &scrapeLogRepository{db: db}
}

const insertScrapeLogSQL = `
	INSERT INTO scrape_logs (id, session_id, status, reason, payload)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING created_at
`

func (r *scrapeLogRepository) Save(ctx context.Context, entry *models.ScrapeLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	payload := entry.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, insertScrapeLogSQL,
			entry.ID,
			entry.SessionID,
			string(entry.Status),
			entry.Reason,
			payload,
		).Scan(&entry.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to save scrape log for session %s: %w", entry.SessionID, err)
	}
	return nil
}
