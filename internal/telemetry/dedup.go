package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// DeduplicationConfig holds configuration for error deduplication
type DeduplicationConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// DefaultDeduplicationConfig returns default deduplication settings
func DefaultDeduplicationConfig() DeduplicationConfig {
	return DeduplicationConfig{
		Enabled:    true,
		TTL:        5 * time.Minute,
		MaxEntries: 10000,
	}
}

// Deduplicator suppresses repeats of the same error within a TTL.
// Expired entries are pruned when the table is full.
type Deduplicator struct {
	config DeduplicationConfig
	seen   *cache.Cache

	totalSeen       atomic.Uint64
	totalSuppressed atomic.Uint64
}

// NewDeduplicator creates a deduplicator
func NewDeduplicator(config DeduplicationConfig) *Deduplicator {
	if config.TTL <= 0 {
		config.TTL = DefaultDeduplicationConfig().TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultDeduplicationConfig().MaxEntries
	}
	// no janitor goroutine; pruning happens on insert
	return &Deduplicator{config: config, seen: cache.New(config.TTL, 0)}
}

// ShouldProcess reports whether an error with these attributes is new
// within the TTL. A nil or disabled deduplicator lets everything through.
func (d *Deduplicator) ShouldProcess(component, category, message string) bool {
	if d == nil || !d.config.Enabled {
		return true
	}
	d.totalSeen.Add(1)

	key := hashKey(component, category, message)
	if d.seen.ItemCount() >= d.config.MaxEntries {
		d.seen.DeleteExpired()
		if d.seen.ItemCount() >= d.config.MaxEntries {
			// still full of live entries; report rather than grow without bound
			return true
		}
	}
	if err := d.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		d.totalSuppressed.Add(1)
		return false
	}
	return true
}

// Stats returns the number of errors seen and suppressed
func (d *Deduplicator) Stats() (seen, suppressed uint64) {
	if d == nil {
		return 0, 0
	}
	return d.totalSeen.Load(), d.totalSuppressed.Load()
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
