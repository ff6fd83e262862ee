package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/normalize"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/pnl"
)

// MatchTrades derives closed round trips from perp fills using a running
// signed position per market and a size-weighted average entry price.
//
// A trade spans flat to flat: fills that extend the position re-average the
// entry, fills that reduce it realize (exit - avg entry) x qty x direction
// and accumulate into the same trade, and the trade is emitted when the
// position returns to zero. A fill that crosses zero closes the trade and
// opens the next one with the excess size; its fee is split pro rata.
// Positions still open at the end produce no trade.
//
// Funding paid or received on the market between entry and exit (inclusive)
// is allocated to the trade. Leverage is the peak position notional over the
// equity the entry day opened with, or 0 without positive equity.
func MatchTrades(fills, funding []model.EconomicEvent, equity map[string]decimal.Decimal) []model.ClosedTrade {
	byMarket := make(map[string][]model.EconomicEvent)
	for _, f := range fills {
		if f.EventType != model.EventPerpFill || pnl.ValidateEvent(f) != nil {
			continue
		}
		byMarket[f.Market] = append(byMarket[f.Market], f)
	}
	fundingByMarket := make(map[string][]model.EconomicEvent)
	for _, f := range funding {
		if f.EventType == model.EventPerpFunding {
			fundingByMarket[f.Market] = append(fundingByMarket[f.Market], f)
		}
	}

	markets := make([]string, 0, len(byMarket))
	for m := range byMarket {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	var trades []model.ClosedTrade
	for _, market := range markets {
		events := byMarket[market]
		sort.SliceStable(events, func(i, j int) bool { return events[i].Ts.Before(events[j].Ts) })

		m := &matcher{market: market, funding: fundingByMarket[market], equity: equity}
		for _, e := range events {
			m.apply(e)
		}
		trades = append(trades, m.closed...)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].ExitTime.Equal(trades[j].ExitTime) {
			return trades[i].ExitTime.Before(trades[j].ExitTime)
		}
		return trades[i].Market < trades[j].Market
	})
	return trades
}

type openTrade struct {
	walletID     int64
	side         string
	entryTime    time.Time
	closedQty    decimal.Decimal
	closedCost   decimal.Decimal // Σ avg entry × closed qty
	exitNotional decimal.Decimal
	realized     decimal.Decimal
	fees         decimal.Decimal
	peakNotional decimal.Decimal
}

type matcher struct {
	market  string
	funding []model.EconomicEvent
	equity  map[string]decimal.Decimal

	pos    decimal.Decimal // signed
	avg    decimal.Decimal
	open   *openTrade
	closed []model.ClosedTrade
}

func (m *matcher) apply(e model.EconomicEvent) {
	qty := e.Size.Abs()
	if qty.IsZero() {
		return
	}
	px := *e.ExecPrice
	fee := decimal.Zero
	if e.FeeUsd != nil {
		fee = *e.FeeUsd
	}
	dir := decimal.NewFromInt(-1)
	if normalize.IsBuy(e) {
		dir = decimal.NewFromInt(1)
	}

	switch {
	case m.pos.IsZero():
		m.start(e, qty.Mul(dir), px, fee)
	case m.pos.Sign() == dir.Sign():
		size := m.pos.Abs()
		m.avg = size.Mul(m.avg).Add(qty.Mul(px)).Div(size.Add(qty))
		m.pos = m.pos.Add(qty.Mul(dir))
		m.open.fees = m.open.fees.Add(fee)
		m.open.peakNotional = decimal.Max(m.open.peakNotional, m.pos.Abs().Mul(m.avg))
	default:
		closeQty := decimal.Min(qty, m.pos.Abs())
		posSign := decimal.NewFromInt(int64(m.pos.Sign()))
		t := m.open
		t.realized = t.realized.Add(px.Sub(m.avg).Mul(closeQty).Mul(posSign))
		t.closedQty = t.closedQty.Add(closeQty)
		t.closedCost = t.closedCost.Add(m.avg.Mul(closeQty))
		t.exitNotional = t.exitNotional.Add(px.Mul(closeQty))
		t.fees = t.fees.Add(fee.Mul(closeQty).Div(qty))
		m.pos = m.pos.Add(closeQty.Mul(dir))

		if m.pos.IsZero() {
			m.emit(e.Ts)
		}
		if excess := qty.Sub(closeQty); excess.IsPositive() {
			m.start(e, excess.Mul(dir), px, fee.Mul(excess).Div(qty))
		}
	}
}

func (m *matcher) start(e model.EconomicEvent, signed, px, fee decimal.Decimal) {
	side := model.SideShort
	if signed.IsPositive() {
		side = model.SideLong
	}
	m.pos = signed
	m.avg = px
	m.open = &openTrade{
		walletID:     e.WalletID,
		side:         side,
		entryTime:    e.Ts,
		fees:         fee,
		peakNotional: signed.Abs().Mul(px),
	}
}

func (m *matcher) emit(exit time.Time) {
	t := m.open
	m.open = nil
	m.avg = decimal.Zero

	avgEntry := t.closedCost.Div(t.closedQty)
	funding := decimal.Zero
	for _, f := range m.funding {
		// [entry, exit): on a flip the payment at the fill time belongs to
		// the trade that opens there.
		if f.FundingUsd != nil && !f.Ts.Before(t.entryTime) && f.Ts.Before(exit) {
			funding = funding.Add(*f.FundingUsd)
		}
	}
	net := t.realized.Add(funding).Sub(t.fees)

	leverage := decimal.Zero
	if eq, ok := m.equity[dayKey(t.entryTime)]; ok && eq.IsPositive() {
		leverage = t.peakNotional.Div(eq).Round(4)
	}

	m.closed = append(m.closed, model.ClosedTrade{
		WalletID:         t.walletID,
		Market:           m.market,
		Side:             t.side,
		EntryTime:        t.entryTime,
		ExitTime:         exit,
		Size:             t.closedQty,
		AvgEntryPrice:    avgEntry,
		AvgExitPrice:     t.exitNotional.Div(t.closedQty),
		RealizedPnl:      t.realized,
		Fees:             t.fees,
		FundingAllocated: funding,
		NetPnl:           net,
		NotionalValue:    avgEntry.Mul(t.closedQty),
		Leverage:         leverage,
		DurationSeconds:  int64(exit.Sub(t.entryTime) / time.Second),
		IsWin:            net.IsPositive(),
	})
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
