// Package history rebuilds the LONG/SHORT percentage series of a market from
// sparse pool snapshots and the live pool, and drives its periodic refresh.
package history

import (
	"slices"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/settlement"
	"github.com/shopspring/decimal"
)

// DedupThreshold is how far a snapshot must be from the bidding start to be
// kept; closer ones would collide with the baseline point.
const DedupThreshold = 10 * time.Second

// PointKind tags where a point came from.
type PointKind string

const (
	KindBaseline PointKind = "baseline" // synthetic 50/50 at bidding start
	KindMain     PointKind = "main"     // historical snapshot
	KindCurrent  PointKind = "current"  // live pool at now
	KindFinal    PointKind = "final"    // live pool frozen at maturity
)

// Point is one entry of the series.
type Point struct {
	Timestamp time.Time       `json:"timestamp"`
	LongPct   decimal.Decimal `json:"long_pct"`
	ShortPct  decimal.Decimal `json:"short_pct"`
	Kind      PointKind       `json:"kind"`
}

// Input is everything BuildSeries needs.
type Input struct {
	Snapshots    []domain.PositionSnapshot
	BiddingStart time.Time
	Maturity     time.Time
	Live         domain.Pool
	Now          time.Time
	// Threshold overrides DedupThreshold when non-zero.
	Threshold time.Duration
}

// BuildSeries merges the baseline, the snapshots and the live pool into a
// series sorted by timestamp. It always contains the baseline point; before
// bidding starts, or while the start time is still unset, it contains
// nothing else.
func BuildSeries(in Input) []Point {
	fifty := decimal.NewFromInt(50)
	out := make([]Point, 0, len(in.Snapshots)+3)
	out = append(out, Point{Timestamp: in.BiddingStart, LongPct: fifty, ShortPct: fifty, Kind: KindBaseline})

	// zero start: bidding has not begun, so no activity exists yet
	if in.BiddingStart.IsZero() || in.Now.Before(in.BiddingStart) {
		return out
	}

	threshold := in.Threshold
	if threshold == 0 {
		threshold = DedupThreshold
	}
	for _, s := range in.Snapshots {
		if absDuration(s.Timestamp.Sub(in.BiddingStart)) <= threshold {
			continue
		}
		out = append(out, pointAt(s.Timestamp, s.Pool(), KindMain))
	}

	if in.Now.After(in.BiddingStart) && !in.Now.After(in.Maturity) {
		out = append(out, pointAt(in.Now, in.Live, KindCurrent))
	}
	if !in.Now.Before(in.Maturity) {
		out = append(out, pointAt(in.Maturity, in.Live, KindFinal))
	}

	slices.SortStableFunc(out, func(a, b Point) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func pointAt(ts time.Time, p domain.Pool, kind PointKind) Point {
	long, _ := settlement.PercentSplit(p)
	long = long.Round(2)
	return Point{Timestamp: ts, LongPct: long, ShortPct: decimal.NewFromInt(100).Sub(long), Kind: kind}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
