package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	"github.com/stwalsh4118/atlas/listings/internal/logger"
	"github.com/stwalsh4118/atlas/listings/internal/models"
	"github.com/stwalsh4118/atlas/listings/internal/tagging"
)

// UpsertOutcome tells what an upsert did to the listings table.
type UpsertOutcome string

const (
	OutcomeCreated UpsertOutcome = "created"
	OutcomeUpdated UpsertOutcome = "updated"
	OutcomeFailed  UpsertOutcome = "failed"
)

// UpsertResult is the outcome of a single upsert. Err is set only when
// Outcome is OutcomeFailed; the transaction has been rolled back then.
type UpsertResult struct {
	Err     error
	Outcome UpsertOutcome
}

// Created reports whether the call inserted a new row.
func (r UpsertResult) Created() bool {
	return r.Outcome == OutcomeCreated
}

// Failed reports whether the write was rolled back.
func (r UpsertResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// UpsertParams is one observation of a listing.
type UpsertParams struct {
	Listing      models.ListingInput
	City         string
	PropertyType string
	// AsOf is the observation date, YYYY-MM-DD.
	AsOf string
}

// ListingRepository defines data access for listings.
type ListingRepository interface {
	// Upsert inserts the listing or merges it into the existing row.
	// It never returns a Go error; failures come back as OutcomeFailed.
	Upsert(ctx context.Context, p UpsertParams) UpsertResult

	// FindByID returns nil, nil when the listing does not exist.
	FindByID(ctx context.Context, id string) (*models.Listing, error)

	// ApplyTags classifies every untagged listing in one transaction and
	// returns the number of rows tagged.
	ApplyTags(ctx context.Context) (int64, error)

	// VerifyTagRules compiles every rule pattern in PostgreSQL so a rule the
	// server rejects fails at startup instead of during a tagging run.
	VerifyTagRules(ctx context.Context) error

	// PreviewTags returns the tags ApplyTags would give a listing with this
	// description. Nothing is written.
	PreviewTags(description string) []string
}

type listingRepository struct {
	db    *database.Manager
	rules *tagging.RuleSet
	log   *logger.Logger
}

// NewListingRepository creates a ListingRepository on top of the manager.
func NewListingRepository(db *database.Manager, rules *tagging.RuleSet, log *logger.Logger) ListingRepository {
	if log == nil {
		log = logger.Nop()
	}
	return &listingRepository{
		db:    db,
		rules: rules,
		log:   log.WithComponent("listing_repository"),
	}
}

// Write-once columns (first_seen_date, city, property_type, location,
// land_m2, built_m2) are absent from the conflict branch. The remaining
// columns keep their stored value when the incoming one is NULL or empty.
// xmax is 0 only for a freshly inserted tuple.
const upsertListingSQL = `
	INSERT INTO listings
		(id, url, title, location, city, property_type, land_m2, built_m2,
		 first_seen_date, last_seen_date, description, latitude, longitude,
		 portal_date)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $9::date, $10, $11, $12, $13::date)
	ON CONFLICT (id) DO UPDATE SET
		last_seen_date = EXCLUDED.last_seen_date,
		url            = COALESCE(NULLIF(EXCLUDED.url, ''), listings.url),
		title          = COALESCE(NULLIF(EXCLUDED.title, ''), listings.title),
		description    = COALESCE(NULLIF(EXCLUDED.description, ''), listings.description),
		latitude       = COALESCE(EXCLUDED.latitude, listings.latitude),
		longitude      = COALESCE(EXCLUDED.longitude, listings.longitude),
		portal_date    = COALESCE(EXCLUDED.portal_date, listings.portal_date)
	RETURNING (xmax = 0) AS is_new_entry
`

func (r *listingRepository) Upsert(ctx context.Context, p UpsertParams) UpsertResult {
	in := p.Listing
	var isNew bool

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, upsertListingSQL,
			in.ID,
			in.URL,
			in.Title,
			nullable(in.LocationName),
			nullable(p.City),
			nullable(p.PropertyType),
			in.LandM2,
			in.BuiltM2,
			p.AsOf,
			nullable(in.Description),
			in.Latitude,
			in.Longitude,
			nullable(in.PortalDate),
		).Scan(&isNew)
	})
	if err != nil {
		r.log.Warn("Listing upsert rolled back", map[string]interface{}{
			"listing_id": in.ID,
			"error":      err.Error(),
		})
		return UpsertResult{
			Outcome: OutcomeFailed,
			Err:     fmt.Errorf("failed to upsert listing %s: %w", in.ID, err),
		}
	}

	if isNew {
		return UpsertResult{Outcome: OutcomeCreated}
	}
	return UpsertResult{Outcome: OutcomeUpdated}
}

const selectListingSQL = `
	SELECT
		id, url, title, location, city, property_type, land_m2, built_m2,
		first_seen_date, last_seen_date, description, latitude, longitude,
		portal_date, tags
	FROM listings
	WHERE id = $1
`

func (r *listingRepository) FindByID(ctx context.Context, id string) (*models.Listing, error) {
	if err := r.db.EnsureConnection(ctx); err != nil {
		return nil, err
	}

	var l models.Listing
	err := r.db.Conn().QueryRow(ctx, selectListingSQL, id).Scan(
		&l.ID,
		&l.URL,
		&l.Title,
		&l.LocationName,
		&l.City,
		&l.PropertyType,
		&l.LandM2,
		&l.BuiltM2,
		&l.FirstSeenDate,
		&l.LastSeenDate,
		&l.Description,
		&l.Latitude,
		&l.Longitude,
		&l.PortalDate,
		&l.Tags,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query listing %s: %w", id, err)
	}

	return &l, nil
}

func (r *listingRepository) ApplyTags(ctx context.Context) (int64, error) {
	sql, args := r.rules.UpdateStatement()

	var tagged int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		tagged = tag.RowsAffected()
		return nil
	})
	if err != nil {
		r.log.Error("Tagging run rolled back", err, map[string]interface{}{
			"rules": r.rules.Len(),
		})
		return 0, fmt.Errorf("failed to apply tags: %w", err)
	}

	r.log.Info("Tagging run committed", map[string]interface{}{
		"rules":  r.rules.Len(),
		"tagged": tagged,
	})
	return tagged, nil
}

const verifyPatternSQL = `SELECT '' ~* $1`

func (r *listingRepository) VerifyTagRules(ctx context.Context) error {
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, rule := range r.rules.Rules() {
			var matched bool
			if err := tx.QueryRow(ctx, verifyPatternSQL, rule.Pattern).Scan(&matched); err != nil {
				return fmt.Errorf("rule %s: pattern %q: %w", rule.Label, rule.Pattern, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to verify tag rules: %w", err)
	}

	r.log.Debug("Tag rules verified", map[string]interface{}{
		"rules": r.rules.Len(),
	})
	return nil
}

func (r *listingRepository) PreviewTags(description string) []string {
	return r.rules.Classify(description)
}

// nullable maps blank strings to SQL NULL.
func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
