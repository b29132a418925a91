package history

import (
	"context"
	"sync"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
)

// DefaultRefreshPeriod is the rebuild cadence of the series.
const DefaultRefreshPeriod = 500 * time.Millisecond

// ──────────────────────────────────────────────────────────────────────────────
// Clock
// ──────────────────────────────────────────────────────────────────────────────

// Clock is the advancing "current time" of a market view. Run moves it
// forward once per tick while it is at or before maturity and returns as
// soon as it passes maturity, so the loop never outlives the market.
type Clock struct {
	mu       sync.RWMutex
	current  time.Time
	maturity time.Time
	tick     time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewClock creates a clock that stops after maturity. now defaults to
// time.Now.
func NewClock(maturity time.Time, tick time.Duration, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{current: now(), maturity: maturity, tick: tick, now: now, done: make(chan struct{})}
}

// Now returns the last advanced time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// SetMaturity moves the stop time, e.g. once the first ledger read lands.
func (c *Clock) SetMaturity(m time.Time) {
	c.mu.Lock()
	c.maturity = m
	c.mu.Unlock()
}

// Done is closed once the clock has stopped on its own.
func (c *Clock) Done() <-chan struct{} { return c.done }

// Run advances the clock until it passes maturity or ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	if c.advance() {
		close(c.done)
		return nil
	}
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.advance() {
				close(c.done)
				return nil
			}
		}
	}
}

// advance sets current to now and reports whether the terminal time passed.
func (c *Clock) advance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.now()
	return c.current.After(c.maturity)
}

// ──────────────────────────────────────────────────────────────────────────────
// Refresher
// ──────────────────────────────────────────────────────────────────────────────

// Publisher receives every rebuilt series.
type Publisher interface {
	PublishSeries(id domain.MarketID, series []Point)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(id domain.MarketID, series []Point)

func (f PublisherFunc) PublishSeries(id domain.MarketID, series []Point) { f(id, series) }

// Refresher rebuilds the series on its own fixed period, independent of the
// clock tick, and publishes the result.
type Refresher struct {
	id     domain.MarketID
	period time.Duration
	input  func() Input
	pub    Publisher

	mu     sync.RWMutex
	latest []Point
}

// NewRefresher creates a refresher. input is called on every cycle to gather
// the latest snapshots, live pool and clock time.
func NewRefresher(id domain.MarketID, period time.Duration, input func() Input, pub Publisher) *Refresher {
	if period <= 0 {
		period = DefaultRefreshPeriod
	}
	return &Refresher{id: id, period: period, input: input, pub: pub}
}

// Latest returns the most recently built series.
func (r *Refresher) Latest() []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Rebuild runs one cycle immediately.
func (r *Refresher) Rebuild() []Point {
	series := BuildSeries(r.input())
	r.mu.Lock()
	r.latest = series
	r.mu.Unlock()
	if r.pub != nil {
		r.pub.PublishSeries(r.id, series)
	}
	return series
}

// Run rebuilds every period until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	r.Rebuild()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Rebuild()
		}
	}
}
