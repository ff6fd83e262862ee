package pnl

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var ts = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

func fill(size, px, realized, fee string) model.EconomicEvent {
	return model.EconomicEvent{
		Ts:             ts,
		EventType:      model.EventPerpFill,
		Market:         "ETH",
		Size:           dp(size),
		ExecPrice:      dp(px),
		RealizedPnlUsd: dp(realized),
		FeeUsd:         dp(fee),
	}
}

func funding(usd string) model.EconomicEvent {
	return model.EconomicEvent{
		Ts:         ts,
		EventType:  model.EventPerpFunding,
		Market:     "ETH",
		FundingUsd: dp(usd),
	}
}

func TestFillVolume(t *testing.T) {
	assert.True(t, d("200").Equal(FillVolume(fill("2", "100", "0", "0"))))
	assert.True(t, d("200").Equal(FillVolume(fill("-2", "100", "0", "0"))), "volume uses |size|")
	assert.True(t, FillVolume(funding("1")).IsZero(), "missing size/price is zero volume")
}

func TestDailyMetrics(t *testing.T) {
	events := []model.EconomicEvent{
		fill("2", "100", "0", "0.5"),
		fill("1", "110", "10", "0.25"),
		fill("1", "90", "-10", "0.25"),
		funding("-1.5"),
		funding("0.5"),
		{Ts: ts, EventType: model.EventSpotBuy, Market: "@107", Size: dp("10"), ExecPrice: dp("5"), FeeUsd: dp("1")},
	}

	m := DailyMetrics(events)
	assert.Equal(t, 3, m.TradesCount)
	assert.True(t, d("0").Equal(m.RealizedPerpsPnl), "realized %s", m.RealizedPerpsPnl)
	assert.True(t, m.ClosedPnl.Equal(m.RealizedPerpsPnl))
	assert.True(t, d("-1").Equal(m.FundingPnl), "funding %s", m.FundingPnl)
	assert.True(t, d("-1").Equal(m.Fees), "fees %s", m.Fees)
	assert.True(t, d("400").Equal(m.Volume), "volume %s", m.Volume)
	assert.True(t, d("-2").Equal(m.NetPnl()), "net %s", m.NetPnl())
}

func TestDailyMetrics_Empty(t *testing.T) {
	m := DailyMetrics(nil)
	assert.Zero(t, m.TradesCount)
	assert.True(t, m.Volume.IsZero())
	assert.True(t, m.NetPnl().IsZero())
}

func TestDailyMetrics_Deterministic(t *testing.T) {
	events := []model.EconomicEvent{fill("0.1", "3000.5", "12.3", "0.7"), funding("-0.02")}
	a := DailyMetrics(events)
	b := DailyMetrics(events)
	assert.Equal(t, a, b)
}

func TestMonthlyMetrics(t *testing.T) {
	rows := []model.DailyPnl{
		{ClosedPnl: d("10"), Funding: d("-1"), Fees: d("-2"), PerpsPnl: d("7"), Volume: d("1000"), TradesCount: 4},
		{ClosedPnl: d("-5"), Funding: d("0.5"), Fees: d("-1"), PerpsPnl: d("-5.5"), Volume: d("500"), TradesCount: 2},
		{ClosedPnl: d("0"), Funding: d("-0.5"), PerpsPnl: d("-0.5")},
	}

	m := MonthlyMetrics(rows)
	assert.True(t, d("1").Equal(m.TotalPnl), "total %s", m.TotalPnl)
	assert.True(t, d("5").Equal(m.ClosedPnl))
	assert.True(t, d("-1").Equal(m.Funding))
	assert.True(t, d("-3").Equal(m.Fees))
	assert.True(t, d("1500").Equal(m.Volume))
	assert.Equal(t, 6, m.TradesCount)
	assert.Equal(t, 2, m.TradingDays)
	assert.Equal(t, 1, m.ProfitableDays)
}

func TestWinRate(t *testing.T) {
	assert.Equal(t, 60.0, WinRate(3, 5))
	assert.Equal(t, 0.0, WinRate(0, 0))
	assert.Equal(t, 100.0, WinRate(2, 2))
}

func TestValidateEvent(t *testing.T) {
	require.NoError(t, ValidateEvent(fill("1", "100", "0", "0")))
	require.NoError(t, ValidateEvent(funding("1")))

	noPrice := fill("1", "100", "0", "0")
	noPrice.ExecPrice = nil
	assert.True(t, errors.Is(ValidateEvent(noPrice), ErrMalformedEvent))

	negative := fill("1", "-1", "0", "0")
	assert.True(t, errors.Is(ValidateEvent(negative), ErrMalformedEvent))

	noTs := funding("1")
	noTs.Ts = time.Time{}
	assert.True(t, errors.Is(ValidateEvent(noTs), ErrMalformedEvent))

	unknown := funding("1")
	unknown.EventType = "BOGUS"
	assert.True(t, errors.Is(ValidateEvent(unknown), ErrMalformedEvent))
}

func TestMarketStats(t *testing.T) {
	trades := []model.ClosedTrade{
		{Market: "ETH", NetPnl: d("10"), RealizedPnl: d("11"), Fees: d("1"), NotionalValue: d("200"), DurationSeconds: 60, IsWin: true},
		{Market: "BTC", NetPnl: d("-5"), RealizedPnl: d("-4"), Fees: d("1"), NotionalValue: d("1000"), DurationSeconds: 120},
		{Market: "ETH", NetPnl: d("0"), NotionalValue: d("100"), DurationSeconds: 30},
		{Market: "ETH", NetPnl: d("-2"), RealizedPnl: d("-2"), NotionalValue: d("100"), DurationSeconds: 30},
	}

	stats := MarketStats(trades)
	require.Len(t, stats, 2)
	assert.Equal(t, "BTC", stats[0].Market)
	assert.Equal(t, "ETH", stats[1].Market)

	eth := stats[1]
	assert.Equal(t, 3, eth.Trades)
	assert.Equal(t, 1, eth.Wins)
	assert.Equal(t, 1, eth.Losses, "zero net trade is not a loss")
	assert.InDelta(t, 33.333, eth.WinRate, 0.001)
	assert.True(t, d("8").Equal(eth.NetPnl))
	assert.True(t, d("400").Equal(eth.Volume))
	assert.Equal(t, int64(40), eth.AvgDurationSeconds)
	assert.True(t, d("10").Equal(eth.BestTrade))
	assert.True(t, d("-2").Equal(eth.WorstTrade))
}

func TestPercent(t *testing.T) {
	assert.True(t, d("25").Equal(Percent(d("1"), d("4"))))
	assert.True(t, Percent(d("1"), decimal.Zero).IsZero())
}
