// Package ebird provides a client for the eBird API v2 taxonomy endpoint
package ebird

import "time"

// TaxonomyEntry represents a single entry from the eBird taxonomy
type TaxonomyEntry struct {
	ScientificName string  `json:"sciName"`
	CommonName     string  `json:"comName"`
	SpeciesCode    string  `json:"speciesCode"`
	Category       string  `json:"category"` // species, spuh, slash, hybrid, issf, ...
	TaxonOrder     float64 `json:"taxonOrder"`
	Order          string  `json:"order"`
	FamilyComName  string  `json:"familyComName"`
	FamilySciName  string  `json:"familySciName"`
	ReportAs       string  `json:"reportAs,omitempty"`
	Extinct        bool    `json:"extinct,omitempty"`
}

// Config holds configuration for the eBird client
type Config struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	CacheTTL  time.Duration
	RateLimit float64 // requests per second
}

// Error represents an eBird API error response
type Error struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return e.Detail
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.ebird.org/v2",
		Timeout:   30 * time.Second,
		CacheTTL:  24 * time.Hour, // taxonomy rarely changes
		RateLimit: 10,
	}
}
