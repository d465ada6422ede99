package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Listing is a stored listing row.
// Nullable columns use pointers to distinguish zero values from NULL.
type Listing struct {
	FirstSeenDate time.Time  `json:"first_seen_date"`
	LastSeenDate  time.Time  `json:"last_seen_date"`
	PortalDate    *time.Time `json:"portal_date,omitempty"`
	LocationName  *string    `json:"location_name,omitempty"`
	City          *string    `json:"city,omitempty"`
	PropertyType  *string    `json:"property_type,omitempty"`
	Description   *string    `json:"description,omitempty"`
	LandM2        *float64   `json:"land_m2,omitempty"`
	BuiltM2       *float64   `json:"built_m2,omitempty"`
	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	// Tags is nil until the tagging run has classified the row.
	Tags  []string `json:"tags"`
	ID    string   `json:"id"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

// Tagged reports whether the row has been classified.
func (l *Listing) Tagged() bool {
	return l.Tags != nil
}

// ListingInput is one normalized scrape record as handed over by the scraper.
// Empty strings and nil pointers mean "not observed this time".
type ListingInput struct {
	LandM2       *float64 `mapstructure:"land_m2" json:"land_m2"`
	BuiltM2      *float64 `mapstructure:"built_m2" json:"built_m2"`
	Latitude     *float64 `mapstructure:"latitude" json:"latitude"`
	Longitude    *float64 `mapstructure:"longitude" json:"longitude"`
	ID           string   `mapstructure:"id" json:"id"`
	URL          string   `mapstructure:"url" json:"url"`
	Title        string   `mapstructure:"title" json:"title"`
	LocationName string   `mapstructure:"location_name" json:"location_name"`
	Description  string   `mapstructure:"description" json:"description"`
	// PortalDate is the portal-reported publication date, YYYY-MM-DD.
	PortalDate string `mapstructure:"portal_date" json:"portal_date"`
}

// HasPortalDate reports whether the portal published a date for the record.
func (in ListingInput) HasPortalDate() bool {
	return strings.TrimSpace(in.PortalDate) != ""
}

// DecodeListingInput converts a scraper field mapping into a ListingInput.
// Values are weakly typed, so "120.5" decodes into a float field; unknown
// keys are ignored.
func DecodeListingInput(fields map[string]interface{}) (ListingInput, error) {
	var in ListingInput

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           &in,
		TagName:          "mapstructure",
	})
	if err != nil {
		return ListingInput{}, fmt.Errorf("failed to build listing decoder: %w", err)
	}

	if err := dec.Decode(dropEmpty(fields)); err != nil {
		return ListingInput{}, fmt.Errorf("failed to decode listing fields: %w", err)
	}

	in.ID = strings.TrimSpace(in.ID)
	return in, nil
}

// dropEmpty removes nil and blank string values so weak decoding does not
// turn a missing coordinate into 0.
func dropEmpty(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = v
	}
	return out
}
