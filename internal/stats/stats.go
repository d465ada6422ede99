// Package stats collects the metrics of a single scrape session.
package stats

import (
	"time"
)

// ScrapeStats accumulates counters and id sets for one scrape run.
// It is not safe for concurrent use.
type ScrapeStats struct {
	StartTime             time.Time
	ListingsProcessed     int
	TotalListingsInMarket int

	capturedIDs map[string]struct{}
	idsWithDate map[string]struct{}
	now         func() time.Time
}

// Snapshot is the serializable form of ScrapeStats.
type Snapshot struct {
	StartTime             float64  `json:"start_time"`
	Duration              int      `json:"duration"`
	ListingsProcessed     int      `json:"listings_processed"`
	TotalListingsInMarket int      `json:"total_listings_in_market"`
	CapturedCount         int      `json:"captured_count"`
	DateCount             int      `json:"date_count"`
	CapturedIDs           []string `json:"captured_ids"`
	IDsWithDate           []string `json:"ids_with_date"`
}

// New starts a session clock now.
func New() *ScrapeStats {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(now func() time.Time) *ScrapeStats {
	return &ScrapeStats{
		StartTime:   now(),
		capturedIDs: make(map[string]struct{}),
		idsWithDate: make(map[string]struct{}),
		now:         now,
	}
}

// Duration is the whole seconds elapsed since the session started.
func (s *ScrapeStats) Duration() int {
	d := s.now().Sub(s.StartTime)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func (s *ScrapeStats) IncProcessed() {
	s.ListingsProcessed++
}

func (s *ScrapeStats) SetMarketTotal(n int) {
	s.TotalListingsInMarket = n
}

// Capture records a listing id as stored during this session.
func (s *ScrapeStats) Capture(id string) {
	s.capturedIDs[id] = struct{}{}
}

// MarkDated records that the portal reported a date for id.
func (s *ScrapeStats) MarkDated(id string) {
	s.idsWithDate[id] = struct{}{}
}

func (s *ScrapeStats) CapturedCount() int {
	return len(s.capturedIDs)
}

func (s *ScrapeStats) DateCount() int {
	return len(s.idsWithDate)
}

// Snapshot captures the current state. Id lists come out in arbitrary
// order and are never nil.
func (s *ScrapeStats) Snapshot() Snapshot {
	return Snapshot{
		StartTime:             float64(s.StartTime.UnixNano()) / float64(time.Second),
		Duration:              s.Duration(),
		ListingsProcessed:     s.ListingsProcessed,
		TotalListingsInMarket: s.TotalListingsInMarket,
		CapturedCount:         len(s.capturedIDs),
		DateCount:             len(s.idsWithDate),
		CapturedIDs:           keys(s.capturedIDs),
		IDsWithDate:           keys(s.idsWithDate),
	}
}

// ToLogPayload returns the snapshot as a flat field map for structured
// logging and the scrape_logs JSONB column.
func (s *ScrapeStats) ToLogPayload() map[string]interface{} {
	return s.Snapshot().Payload()
}

// Payload flattens the snapshot into a field map.
func (sn Snapshot) Payload() map[string]interface{} {
	return map[string]interface{}{
		"start_time":               sn.StartTime,
		"duration":                 sn.Duration,
		"listings_processed":       sn.ListingsProcessed,
		"total_listings_in_market": sn.TotalListingsInMarket,
		"captured_count":           sn.CapturedCount,
		"date_count":               sn.DateCount,
		"captured_ids":             sn.CapturedIDs,
		"ids_with_date":            sn.IDsWithDate,
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
