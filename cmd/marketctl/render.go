package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/settlement"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// printMarkets writes one row per market.
func printMarkets(out io.Writer, rows []domain.MarketSummary) {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Pair", "Phase", "Strike", "Long", "Short", "Long%", "Maturity")
	for _, s := range rows {
		table.Append(
			string(s.Market.ID),
			s.Market.TradingPair,
			s.Market.Phase.String(),
			s.Market.StrikePrice.String(),
			s.Pool.Long.String(),
			s.Pool.Short.String(),
			s.LongPercent.StringFixed(2),
			fmtTime(s.Market.MaturityTime),
		)
	}
	table.Render()
}

// printMarket writes the state of one market and its gates at s.AsOf.
func printMarket(out io.Writer, s domain.MarketSummary) {
	m := s.Market
	final := "-"
	outcome := "-"
	if m.FinalPrice != nil {
		final = m.FinalPrice.String()
		outcome = string(settlement.WinningSide(m.StrikePrice, *m.FinalPrice))
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("id", string(m.ID))
	table.Append("pair", m.TradingPair)
	table.Append("phase", m.Phase.String())
	table.Append("owner", string(m.Owner))
	table.Append("strike", m.StrikePrice.String())
	table.Append("final", final)
	table.Append("outcome", outcome)
	table.Append("fee", fmt.Sprintf("%d‰", m.FeeRateMilli))
	table.Append("bidding start", fmtTime(m.BiddingStartTime))
	table.Append("maturity", fmtTime(m.MaturityTime))
	table.Append("resolved", fmtTime(m.ResolveTime))
	table.Append("pool long", s.Pool.Long.String())
	table.Append("pool short", s.Pool.Short.String())
	table.Render()

	gates := tablewriter.NewWriter(out)
	gates.Header("Gate", "Open")
	gates.Append("bid", yesNo(s.Gates.CanBid))
	gates.Append("resolve", yesNo(s.Gates.CanResolve))
	gates.Append("expire", yesNo(s.Gates.CanExpire))
	gates.Append("claim", yesNo(s.Gates.CanClaim))
	gates.Render()
}

// printPreview writes the quote for every amount on both sides.
func printPreview(out io.Writer, pool domain.Pool, feeRateMilli int64, amounts []decimal.Decimal) error {
	table := tablewriter.NewWriter(out)
	table.Header("Side", "Amount", "Fee", "Net", "Payout", "Profit%")
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		for _, amt := range amounts {
			q, err := settlement.Preview(pool, side, amt, feeRateMilli)
			if err != nil {
				return err
			}
			profit := q.ProfitPct.StringFixed(2)
			if !q.Counterparty {
				profit += " (no counterparty)"
			}
			table.Append(string(side), q.Amount.String(), q.Fee.String(), q.Net.String(), q.Payout.String(), profit)
		}
	}
	table.Render()
	return nil
}

// printSeries writes the reconstructed position history.
func printSeries(out io.Writer, points []history.Point) {
	table := tablewriter.NewWriter(out)
	table.Header("Time", "Long%", "Short%", "Kind")
	for _, p := range points {
		table.Append(fmtTime(p.Timestamp), p.LongPct.StringFixed(2), p.ShortPct.StringFixed(2), string(p.Kind))
	}
	table.Render()
}

// printClaim writes what participant would receive, or why nothing.
func printClaim(out io.Writer, m domain.Market, pool domain.Pool, p domain.Participant, pos domain.Position) {
	table := tablewriter.NewWriter(out)
	table.Header("Participant", "Long", "Short", "Gross", "Fee", "Net", "Status")
	row := []any{string(p), pos.Long.String(), pos.Short.String(), "-", "-", "-", ""}
	s, err := settlement.Claimable(m, pool, pos)
	switch {
	case err == nil && m.Phase != domain.PhaseExpiry:
		row[3], row[4], row[5] = s.Gross.String(), s.Fee.String(), s.Net.String()
		row[6] = "winner, claim opens at expiry"
	case err == nil:
		row[3], row[4], row[5] = s.Gross.String(), s.Fee.String(), s.Net.String()
		row[6] = "claimable"
	case errors.Is(err, domain.ErrAlreadyClaimed):
		row[6] = "already claimed"
	case errors.Is(err, domain.ErrNotAWinner):
		row[6] = "not a winner"
	default:
		row[6] = err.Error()
	}
	table.Append(row...)
	table.Render()
}
