package models

import (
	"time"

	"github.com/google/uuid"
)

// ScrapeLogStatus is the final state of a scrape session.
type ScrapeLogStatus string

const (
	ScrapeLogCompleted ScrapeLogStatus = "completed"
	ScrapeLogAborted   ScrapeLogStatus = "aborted"
)

// ScrapeLog is the durable record of one finished scrape session.
// Payload holds the session stats snapshot and is stored as JSONB.
type ScrapeLog struct {
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload"`
	Reason    *string                `json:"reason,omitempty"`
	Status    ScrapeLogStatus        `json:"status"`
	ID        uuid.UUID              `json:"id"`
	SessionID uuid.UUID              `json:"session_id"`
}
