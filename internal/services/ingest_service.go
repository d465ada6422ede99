package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	apperrors "github.com/stwalsh4118/atlas/listings/internal/errors"
	"github.com/stwalsh4118/atlas/listings/internal/logger"
	"github.com/stwalsh4118/atlas/listings/internal/models"
	"github.com/stwalsh4118/atlas/listings/internal/monitoring"
	"github.com/stwalsh4118/atlas/listings/internal/repository"
	"github.com/stwalsh4118/atlas/listings/internal/stats"
)

// Coordinate validation constants
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// DateLayout is the format of as-of and portal dates.
const DateLayout = "2006-01-02"

// Service-level errors
var (
	ErrSessionNotFound = errors.New("scrape session not found")
	ErrInvalidListing  = errors.New("invalid listing")
)

// ConnectionChecker is the part of the connection manager the service
// exposes to health endpoints.
type ConnectionChecker interface {
	EnsureConnection(ctx context.Context) error
	Stats() database.ConnStats
}

// IngestService drives scrape sessions: it upserts listings, tracks the
// session stats and persists the snapshot when the session ends.
type IngestService interface {
	// StartSession opens a new session and returns its id.
	StartSession(marketTotal int) uuid.UUID

	// Ingest validates and upserts one listing for the session.
	// Returns ErrSessionNotFound or ErrInvalidListing without touching the
	// database. A failed write is reported through the result, not the error.
	Ingest(ctx context.Context, sessionID uuid.UUID, p repository.UpsertParams) (repository.UpsertResult, error)

	// FinishSession persists a completed scrape log and discards the session.
	FinishSession(ctx context.Context, sessionID uuid.UUID) (stats.Snapshot, error)

	// AbortSession persists an aborted scrape log with the cause and
	// discards the session.
	AbortSession(ctx context.Context, sessionID uuid.UUID, cause error) (stats.Snapshot, error)

	// SessionStats returns the live snapshot of an open session.
	SessionStats(sessionID uuid.UUID) (stats.Snapshot, error)

	// GetListing returns nil, nil when the listing does not exist.
	GetListing(ctx context.Context, id string) (*models.Listing, error)

	// ApplyTags runs the one-shot classification.
	ApplyTags(ctx context.Context) (int64, error)

	// PreviewTags classifies a description without touching the database.
	PreviewTags(description string) []string

	// CheckConnection makes sure the database is reachable, reconnecting if needed.
	CheckConnection(ctx context.Context) error

	// ConnectionStats returns the manager's lifecycle counters.
	ConnectionStats() database.ConnStats
}

// ingestService serializes every call with mu because the connection
// manager holds a single connection.
type ingestService struct {
	listings repository.ListingRepository
	logs     repository.ScrapeLogRepository
	conn     ConnectionChecker
	metrics  *monitoring.Metrics
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*stats.ScrapeStats
}

// NewIngestService creates a new instance of IngestService.
func NewIngestService(
	listings repository.ListingRepository,
	logs repository.ScrapeLogRepository,
	conn ConnectionChecker,
	metrics *monitoring.Metrics,
	log *logger.Logger,
) IngestService {
	if log == nil {
		log = logger.Nop()
	}
	return &ingestService{
		listings: listings,
		logs:     logs,
		conn:     conn,
		metrics:  metrics,
		log:      log.WithComponent("ingest_service"),
		now:      time.Now,
		sessions: make(map[uuid.UUID]*stats.ScrapeStats),
	}
}

func (s *ingestService) StartSession(marketTotal int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	st := stats.NewWithClock(s.now)
	st.SetMarketTotal(marketTotal)
	s.sessions[id] = st

	s.metrics.IncSession("started")
	s.log.WithSessionID(id.String()).Info("Scrape session started", map[string]interface{}{
		"total_listings_in_market": marketTotal,
	})
	return id
}

func (s *ingestService) Ingest(ctx context.Context, sessionID uuid.UUID, p repository.UpsertParams) (repository.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return repository.UpsertResult{}, ErrSessionNotFound
	}

	if err := validateParams(p); err != nil {
		s.log.WithSessionID(sessionID.String()).Warn("Invalid listing rejected", map[string]interface{}{
			"listing_id": p.Listing.ID,
			"error":      err.Error(),
		})
		return repository.UpsertResult{}, err
	}

	res := s.listings.Upsert(ctx, p)
	s.metrics.IncUpsert(string(res.Outcome))

	st.IncProcessed()
	if !res.Failed() {
		st.Capture(p.Listing.ID)
		if p.Listing.HasPortalDate() {
			st.MarkDated(p.Listing.ID)
		}
	}

	if res.Failed() {
		s.log.WithSessionID(sessionID.String()).Error("Listing upsert failed", res.Err, map[string]interface{}{
			"listing_id": p.Listing.ID,
		})
	} else {
		s.log.WithSessionID(sessionID.String()).Debug("Listing upserted", map[string]interface{}{
			"listing_id": p.Listing.ID,
			"outcome":    string(res.Outcome),
		})
	}

	return res, nil
}

func (s *ingestService) FinishSession(ctx context.Context, sessionID uuid.UUID) (stats.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeSession(ctx, sessionID, models.ScrapeLogCompleted, nil)
}

func (s *ingestService) AbortSession(ctx context.Context, sessionID uuid.UUID, cause error) (stats.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := "aborted"
	if cause != nil {
		reason = cause.Error()
	}

	var blocking *apperrors.CriticalBlockingError
	if errors.As(cause, &blocking) {
		s.log.WithSessionID(sessionID.String()).Warn("Scrape blocked by portal", map[string]interface{}{
			"reason": blocking.Reason,
		})
	}

	return s.closeSession(ctx, sessionID, models.ScrapeLogAborted, &reason)
}

// closeSession must be called with mu held. The session is discarded even
// when the scrape log cannot be saved; the snapshot is still logged.
func (s *ingestService) closeSession(ctx context.Context, sessionID uuid.UUID, status models.ScrapeLogStatus, reason *string) (stats.Snapshot, error) {
	st, ok := s.sessions[sessionID]
	if !ok {
		return stats.Snapshot{}, ErrSessionNotFound
	}
	delete(s.sessions, sessionID)

	snap := st.Snapshot()
	payload := snap.Payload()
	log := s.log.WithSessionID(sessionID.String())

	fields := map[string]interface{}{"status": string(status)}
	for k, v := range payload {
		fields[k] = v
	}
	log.Info("Scrape session finished", fields)
	s.metrics.IncSession(string(status))

	entry := &models.ScrapeLog{
		SessionID: sessionID,
		Status:    status,
		Reason:    reason,
		Payload:   payload,
	}
	if err := s.logs.Save(ctx, entry); err != nil {
		log.Error("Failed to save scrape log", err, nil)
		return snap, fmt.Errorf("failed to save scrape log: %w", err)
	}

	return snap, nil
}

func (s *ingestService) SessionStats(sessionID uuid.UUID) (stats.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return stats.Snapshot{}, ErrSessionNotFound
	}
	return st.Snapshot(), nil
}

func (s *ingestService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.listings.FindByID(ctx, id)
	if err != nil {
		s.log.Error("Failed to query listing", err, map[string]interface{}{
			"listing_id": id,
		})
		return nil, fmt.Errorf("failed to query listing: %w", err)
	}
	return l, nil
}

func (s *ingestService) ApplyTags(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.listings.ApplyTags(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.AddTagged(n)
	return n, nil
}

// PreviewTags reads only the immutable rule set, so it does not take mu.
func (s *ingestService) PreviewTags(description string) []string {
	return s.listings.PreviewTags(description)
}

func (s *ingestService) CheckConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.EnsureConnection(ctx)
}

func (s *ingestService) ConnectionStats() database.ConnStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.Stats()
}

func validateParams(p repository.UpsertParams) error {
	in := p.Listing

	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidListing)
	}
	if strings.TrimSpace(p.City) == "" {
		return fmt.Errorf("%w: city is required", ErrInvalidListing)
	}
	if strings.TrimSpace(p.PropertyType) == "" {
		return fmt.Errorf("%w: property type is required", ErrInvalidListing)
	}
	if _, err := time.Parse(DateLayout, p.AsOf); err != nil {
		return fmt.Errorf("%w: as_of must be YYYY-MM-DD, got %q", ErrInvalidListing, p.AsOf)
	}
	if in.HasPortalDate() {
		if _, err := time.Parse(DateLayout, strings.TrimSpace(in.PortalDate)); err != nil {
			return fmt.Errorf("%w: portal_date must be YYYY-MM-DD, got %q", ErrInvalidListing, in.PortalDate)
		}
	}
	if in.Latitude != nil && (*in.Latitude < MinLatitude || *in.Latitude > MaxLatitude) {
		return fmt.Errorf("%w: latitude must be between %f and %f, got %f",
			ErrInvalidListing, MinLatitude, MaxLatitude, *in.Latitude)
	}
	if in.Longitude != nil && (*in.Longitude < MinLongitude || *in.Longitude > MaxLongitude) {
		return fmt.Errorf("%w: longitude must be between %f and %f, got %f",
			ErrInvalidListing, MinLongitude, MaxLongitude, *in.Longitude)
	}
	return nil
}
