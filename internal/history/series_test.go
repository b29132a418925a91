package history_test

import (
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start    = time.Unix(1_700_000_000, 0)
	maturity = start.Add(time.Hour)
)

func snap(offset time.Duration, long, short int64) domain.PositionSnapshot {
	return domain.PositionSnapshot{
		Timestamp: start.Add(offset),
		Long:      decimal.NewFromInt(long),
		Short:     decimal.NewFromInt(short),
	}
}

func live(long, short int64) domain.Pool {
	return domain.Pool{Long: decimal.NewFromInt(long), Short: decimal.NewFromInt(short)}
}

func kinds(series []history.Point) []history.PointKind {
	out := make([]history.PointKind, len(series))
	for i, p := range series {
		out[i] = p.Kind
	}
	return out
}

func assertSorted(t *testing.T, series []history.Point) {
	t.Helper()
	for i := 1; i < len(series); i++ {
		assert.False(t, series[i].Timestamp.Before(series[i-1].Timestamp),
			"point %d (%s) before point %d (%s)", i, series[i].Timestamp, i-1, series[i-1].Timestamp)
	}
}

func TestBuildSeries_BeforeBiddingIsBaselineOnly(t *testing.T) {
	series := history.BuildSeries(history.Input{
		Snapshots:    []domain.PositionSnapshot{snap(time.Minute, 1, 1)},
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(5, 5),
		Now:          start.Add(-time.Second),
	})
	require.Len(t, series, 1)
	assert.Equal(t, history.KindBaseline, series[0].Kind)
	assert.True(t, series[0].LongPct.Equal(decimal.NewFromInt(50)))
	assert.True(t, series[0].ShortPct.Equal(decimal.NewFromInt(50)))
}

func TestBuildSeries_UnsetBiddingStartIsBaselineOnly(t *testing.T) {
	got := history.BuildSeries(history.Input{
		Maturity: maturity,
		Live:     live(3, 1),
		Now:      start,
	})
	require.Len(t, got, 1)
	assert.Equal(t, history.KindBaseline, got[0].Kind)

	got = history.BuildSeries(history.Input{Maturity: maturity, Now: maturity.Add(time.Minute)})
	require.Len(t, got, 1, "no frozen point for a market that never opened")
}

func TestBuildSeries_DropsSnapshotsNearBaseline(t *testing.T) {
	series := history.BuildSeries(history.Input{
		Snapshots: []domain.PositionSnapshot{
			snap(5*time.Second, 1, 0),   // within threshold
			snap(10*time.Second, 1, 1),  // exactly at threshold, still dropped
			snap(11*time.Second, 3, 1),  // kept
			snap(-20*time.Second, 9, 1), // before start but far enough, kept
		},
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(3, 1),
		Now:          start.Add(time.Minute),
	})
	assert.Equal(t, []history.PointKind{
		history.KindMain, history.KindBaseline, history.KindMain, history.KindCurrent,
	}, kinds(series))
	assert.True(t, series[2].LongPct.Equal(decimal.NewFromInt(75)), "long%% = %s", series[2].LongPct)
	assertSorted(t, series)
}

func TestBuildSeries_SortsOutOfOrderSnapshots(t *testing.T) {
	series := history.BuildSeries(history.Input{
		Snapshots: []domain.PositionSnapshot{
			snap(30*time.Minute, 3, 7),
			snap(10*time.Minute, 1, 1),
			snap(20*time.Minute, 2, 3),
		},
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(3, 7),
		Now:          start.Add(40 * time.Minute),
	})
	require.Len(t, series, 5)
	assertSorted(t, series)
	assert.Equal(t, history.KindCurrent, series[4].Kind)
	assert.True(t, series[4].Timestamp.Equal(start.Add(40*time.Minute)))
	assert.True(t, series[4].LongPct.Equal(decimal.NewFromInt(30)))
}

func TestBuildSeries_AfterMaturityFreezesAtMaturity(t *testing.T) {
	series := history.BuildSeries(history.Input{
		Snapshots:    []domain.PositionSnapshot{snap(time.Minute, 1, 3)},
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(1, 3),
		Now:          maturity.Add(time.Hour),
	})
	assert.Equal(t, []history.PointKind{history.KindBaseline, history.KindMain, history.KindFinal}, kinds(series))
	last := series[len(series)-1]
	assert.True(t, last.Timestamp.Equal(maturity), "final point must sit at maturity")
	assert.True(t, last.LongPct.Equal(decimal.NewFromInt(25)))
}

func TestBuildSeries_AtMaturityHasCurrentAndFinal(t *testing.T) {
	series := history.BuildSeries(history.Input{
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(1, 1),
		Now:          maturity,
	})
	assert.Equal(t, []history.PointKind{history.KindBaseline, history.KindCurrent, history.KindFinal}, kinds(series))
}

func TestBuildSeries_EmptyLivePoolIsEvenSplit(t *testing.T) {
	series := history.BuildSeries(history.Input{
		BiddingStart: start,
		Maturity:     maturity,
		Live:         domain.Pool{},
		Now:          start.Add(time.Minute),
	})
	require.Len(t, series, 2)
	assert.True(t, series[1].LongPct.Equal(decimal.NewFromInt(50)))
}

func TestBuildSeries_PercentagesSumTo100(t *testing.T) {
	series := history.BuildSeries(history.Input{
		Snapshots:    []domain.PositionSnapshot{snap(time.Minute, 1, 2), snap(2*time.Minute, 12345, 87655)},
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(1, 7),
		Now:          start.Add(3 * time.Minute),
	})
	hundred := decimal.NewFromInt(100)
	for _, p := range series {
		assert.True(t, p.LongPct.Add(p.ShortPct).Equal(hundred), "%s + %s", p.LongPct, p.ShortPct)
	}
}

func TestBuildSeries_CustomThreshold(t *testing.T) {
	series := history.BuildSeries(history.Input{
		Snapshots:    []domain.PositionSnapshot{snap(30*time.Second, 1, 1)},
		BiddingStart: start,
		Maturity:     maturity,
		Live:         live(1, 1),
		Now:          start.Add(time.Minute),
		Threshold:    time.Minute,
	})
	assert.Equal(t, []history.PointKind{history.KindBaseline, history.KindCurrent}, kinds(series))
}
