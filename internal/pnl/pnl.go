// Package pnl is the single source of truth for every derived number the
// engine stores or serves: fill volume, daily and monthly rollups, win rate
// and per-market statistics.
//
// Everything here is pure. No clock reads, no randomness, no I/O: the same
// input always yields the same output, which is what lets a recompute run
// any number of times and converge on identical rows.
package pnl

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

// ErrMalformedEvent is returned by ValidateEvent for events that cannot be
// aggregated.
var ErrMalformedEvent = errors.New("pnl: malformed event")

var hundred = decimal.NewFromInt(100)

// Daily holds the metrics of one day's events.
type Daily struct {
	RealizedPerpsPnl decimal.Decimal
	FundingPnl       decimal.Decimal
	Fees             decimal.Decimal // ≤ 0 when fees were paid, rebates are positive
	TradesCount      int
	Volume           decimal.Decimal
	ClosedPnl        decimal.Decimal // realized trading PnL only, never funding or fees
}

// NetPnl folds funding and fees into closed PnL. Stored as DailyPnl.PerpsPnl.
func (d Daily) NetPnl() decimal.Decimal {
	return d.ClosedPnl.Add(d.FundingPnl).Add(d.Fees)
}

// Monthly holds the rollup of one month's DailyPnl rows.
type Monthly struct {
	TotalPnl       decimal.Decimal
	ClosedPnl      decimal.Decimal
	Funding        decimal.Decimal
	Fees           decimal.Decimal
	Volume         decimal.Decimal
	TradesCount    int
	TradingDays    int
	ProfitableDays int
}

// FillVolume returns |size| × exec_price, or zero when either is missing.
func FillVolume(e model.EconomicEvent) decimal.Decimal {
	if e.Size == nil || e.ExecPrice == nil {
		return decimal.Zero
	}
	return e.Size.Abs().Mul(*e.ExecPrice)
}

// DailyMetrics aggregates one day of canonical events.
//
// Realized PnL, trade count and volume come from PERP_FILL events only.
// Funding sums funding_usd and fees subtract fee_usd across the perp event
// family; spot events do not contribute.
func DailyMetrics(events []model.EconomicEvent) Daily {
	var d Daily
	for _, e := range events {
		if !isPerp(e.EventType) {
			continue
		}
		if e.EventType == model.EventPerpFill {
			d.TradesCount++
			d.RealizedPerpsPnl = d.RealizedPerpsPnl.Add(value(e.RealizedPnlUsd))
			d.Volume = d.Volume.Add(FillVolume(e))
		}
		d.FundingPnl = d.FundingPnl.Add(value(e.FundingUsd))
		d.Fees = d.Fees.Sub(value(e.FeeUsd))
	}
	d.ClosedPnl = d.RealizedPerpsPnl
	return d
}

// MonthlyMetrics rolls DailyPnl rows up into a month.
func MonthlyMetrics(rows []model.DailyPnl) Monthly {
	var m Monthly
	for _, r := range rows {
		m.TotalPnl = m.TotalPnl.Add(r.PerpsPnl)
		m.ClosedPnl = m.ClosedPnl.Add(r.ClosedPnl)
		m.Funding = m.Funding.Add(r.Funding)
		m.Fees = m.Fees.Add(r.Fees)
		m.Volume = m.Volume.Add(r.Volume)
		m.TradesCount += r.TradesCount
		if r.TradesCount > 0 {
			m.TradingDays++
		}
		if r.ClosedPnl.IsPositive() {
			m.ProfitableDays++
		}
	}
	return m
}

// WinRate returns wins/total as a percentage, 0 when total is 0.
func WinRate(wins, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(wins) * 100 / float64(total)
}

// ValidateEvent rejects events the rollups cannot make sense of.
func ValidateEvent(e model.EconomicEvent) error {
	if e.Ts.IsZero() {
		return fmt.Errorf("%w: missing timestamp (dedupe=%s)", ErrMalformedEvent, e.DedupeKey)
	}
	switch e.EventType {
	case model.EventPerpFill, model.EventSpotBuy, model.EventSpotSell:
		if e.Size == nil || e.ExecPrice == nil {
			return fmt.Errorf("%w: %s without size or price (dedupe=%s)", ErrMalformedEvent, e.EventType, e.DedupeKey)
		}
		if e.ExecPrice.IsNegative() {
			return fmt.Errorf("%w: negative price %s (dedupe=%s)", ErrMalformedEvent, e.ExecPrice, e.DedupeKey)
		}
	case model.EventPerpFunding, model.EventPerpFee, model.EventSpotTransIn, model.EventSpotTransOut:
	default:
		return fmt.Errorf("%w: unknown event type %q (dedupe=%s)", ErrMalformedEvent, e.EventType, e.DedupeKey)
	}
	return nil
}

// MarketStat summarizes the closed trades of one market.
type MarketStat struct {
	Market             string          `json:"market"`
	Trades             int             `json:"trades"`
	Wins               int             `json:"wins"`
	Losses             int             `json:"losses"`
	WinRate            float64         `json:"win_rate"`
	RealizedPnl        decimal.Decimal `json:"realized_pnl"`
	NetPnl             decimal.Decimal `json:"net_pnl"`
	Fees               decimal.Decimal `json:"fees"`
	Funding            decimal.Decimal `json:"funding"`
	Volume             decimal.Decimal `json:"volume"`
	AvgDurationSeconds int64           `json:"avg_duration_seconds"`
	BestTrade          decimal.Decimal `json:"best_trade"`
	WorstTrade         decimal.Decimal `json:"worst_trade"`
}

// MarketStats groups closed trades by market, sorted by market name.
// A trade with net PnL of exactly zero counts toward neither wins nor losses.
func MarketStats(trades []model.ClosedTrade) []MarketStat {
	byMarket := make(map[string]*MarketStat)
	durations := make(map[string]int64)
	for _, t := range trades {
		s, ok := byMarket[t.Market]
		if !ok {
			s = &MarketStat{Market: t.Market, BestTrade: t.NetPnl, WorstTrade: t.NetPnl}
			byMarket[t.Market] = s
		}
		s.Trades++
		if t.IsWin {
			s.Wins++
		} else if t.NetPnl.IsNegative() {
			s.Losses++
		}
		s.RealizedPnl = s.RealizedPnl.Add(t.RealizedPnl)
		s.NetPnl = s.NetPnl.Add(t.NetPnl)
		s.Fees = s.Fees.Add(t.Fees)
		s.Funding = s.Funding.Add(t.FundingAllocated)
		s.Volume = s.Volume.Add(t.NotionalValue)
		if t.NetPnl.GreaterThan(s.BestTrade) {
			s.BestTrade = t.NetPnl
		}
		if t.NetPnl.LessThan(s.WorstTrade) {
			s.WorstTrade = t.NetPnl
		}
		durations[t.Market] += t.DurationSeconds
	}

	out := make([]MarketStat, 0, len(byMarket))
	for market, s := range byMarket {
		s.WinRate = WinRate(s.Wins, s.Trades)
		s.AvgDurationSeconds = durations[market] / int64(s.Trades)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Percent returns part/whole×100 rounded to 2 places, 0 when whole is 0.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}

func isPerp(eventType string) bool {
	switch eventType {
	case model.EventPerpFill, model.EventPerpFunding, model.EventPerpFee:
		return true
	}
	return false
}

func value(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
