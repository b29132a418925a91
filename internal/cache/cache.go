// Package cache persists the last-known snapshot of a market so a view can be
// populated before its first live read completes. Entries carry the time they
// were saved and are ignored once older than MaxAge.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
)

// MaxAge is how long a cached snapshot may be used.
const MaxAge = 5 * time.Minute

// ErrMiss is returned when no entry exists for a market.
var ErrMiss = errors.New("cache: miss")

// Entry is one cached market snapshot.
type Entry struct {
	Market    domain.Market             `json:"market"`
	Pool      domain.Pool               `json:"pool"`
	Snapshots []domain.PositionSnapshot `json:"snapshots,omitempty"`
	SavedAt   time.Time                 `json:"saved_at"`
}

// Fresh reports whether e may still be used at now.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = MaxAge
	}
	return !e.SavedAt.IsZero() && now.Sub(e.SavedAt) <= maxAge
}

// SnapshotCache stores one Entry per market identity.
type SnapshotCache interface {
	Get(ctx context.Context, id domain.MarketID) (Entry, error)
	Put(ctx context.Context, id domain.MarketID, e Entry) error
	Close() error
}

// Lookup returns the entry for id only if it exists and is fresh at now.
// Read failures are treated as a miss; the cache is never authoritative.
func Lookup(ctx context.Context, c SnapshotCache, id domain.MarketID, now time.Time, maxAge time.Duration) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	e, err := c.Get(ctx, id)
	if err != nil || !e.Fresh(now, maxAge) {
		return Entry{}, false
	}
	return e, true
}

// Nop is a cache that never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, domain.MarketID) (Entry, error) { return Entry{}, ErrMiss }
func (Nop) Put(context.Context, domain.MarketID, Entry) error   { return nil }
func (Nop) Close() error                                        { return nil }

var _ SnapshotCache = Nop{}
