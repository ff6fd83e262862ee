package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/normalize"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var t0 = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func perpFill(market, side, size, px, fee string, ts time.Time) model.EconomicEvent {
	return model.EconomicEvent{
		WalletID:       1,
		Ts:             ts,
		Day:            model.DayOf(ts),
		EventType:      model.EventPerpFill,
		Venue:          model.VenueHyperliquid,
		Market:         market,
		Size:           dp(size),
		ExecPrice:      dp(px),
		RealizedPnlUsd: dp("0"),
		FeeUsd:         dp(fee),
		DedupeKey:      "fill:" + market + ":" + ts.Format(time.RFC3339Nano) + side,
		Meta:           map[string]any{normalize.MetaRawSide: side},
	}
}

func fundingEvent(market, usd string, ts time.Time) model.EconomicEvent {
	return model.EconomicEvent{
		WalletID:   1,
		Ts:         ts,
		Day:        model.DayOf(ts),
		EventType:  model.EventPerpFunding,
		Market:     market,
		FundingUsd: dp(usd),
		DedupeKey:  "funding:" + ts.Format(time.RFC3339Nano) + ":" + market,
	}
}

func TestMatchTrades_ScaleOutRoundTrip(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("ETH", "B", "2", "100", "0", t0),
		perpFill("ETH", "A", "1", "110", "0", t0.Add(time.Hour)),
		perpFill("ETH", "A", "1", "90", "0", t0.Add(2*time.Hour)),
	}

	trades := MatchTrades(fills, nil, nil)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "ETH", tr.Market)
	assert.Equal(t, model.SideLong, tr.Side)
	assert.True(t, d("2").Equal(tr.Size), "size %s", tr.Size)
	assert.True(t, d("100").Equal(tr.AvgEntryPrice), "entry %s", tr.AvgEntryPrice)
	assert.True(t, d("100").Equal(tr.AvgExitPrice), "exit %s", tr.AvgExitPrice)
	assert.True(t, tr.RealizedPnl.IsZero(), "realized %s", tr.RealizedPnl)
	assert.True(t, tr.NetPnl.IsZero())
	assert.False(t, tr.IsWin, "a zero net trade is not a win")
	assert.Equal(t, int64(7200), tr.DurationSeconds)
	assert.True(t, tr.EntryTime.Equal(t0))
	assert.True(t, d("200").Equal(tr.NotionalValue))
}

func TestMatchTrades_WeightedAverageEntry(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("BTC", "B", "1", "100", "0", t0),
		perpFill("BTC", "B", "1", "110", "0", t0.Add(time.Minute)),
		perpFill("BTC", "A", "2", "120", "0", t0.Add(2*time.Minute)),
	}

	trades := MatchTrades(fills, nil, nil)
	require.Len(t, trades, 1)
	assert.True(t, d("105").Equal(trades[0].AvgEntryPrice))
	assert.True(t, d("30").Equal(trades[0].RealizedPnl))
	assert.True(t, trades[0].IsWin)
}

func TestMatchTrades_Flip(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("ETH", "B", "1", "100", "1", t0),
		perpFill("ETH", "A", "3", "110", "3", t0.Add(time.Hour)),
		perpFill("ETH", "B", "2", "100", "0", t0.Add(2*time.Hour)),
	}

	trades := MatchTrades(fills, nil, nil)
	require.Len(t, trades, 2)

	long := trades[0]
	assert.Equal(t, model.SideLong, long.Side)
	assert.True(t, d("1").Equal(long.Size))
	assert.True(t, d("10").Equal(long.RealizedPnl))
	assert.True(t, d("2").Equal(long.Fees), "opening fee plus a third of the flip fee, got %s", long.Fees)
	assert.True(t, d("8").Equal(long.NetPnl))

	short := trades[1]
	assert.Equal(t, model.SideShort, short.Side)
	assert.True(t, short.EntryTime.Equal(t0.Add(time.Hour)))
	assert.True(t, d("2").Equal(short.Size))
	assert.True(t, d("110").Equal(short.AvgEntryPrice))
	assert.True(t, d("20").Equal(short.RealizedPnl))
	assert.True(t, d("2").Equal(short.Fees))
	assert.True(t, d("18").Equal(short.NetPnl))
}

func TestMatchTrades_FundingAllocation(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("ETH", "B", "1", "100", "0.5", t0),
		perpFill("ETH", "A", "1", "101", "0.5", t0.Add(3*time.Hour)),
	}
	funding := []model.EconomicEvent{
		fundingEvent("ETH", "-0.25", t0.Add(time.Hour)),
		fundingEvent("ETH", "-0.25", t0.Add(2*time.Hour)),
		fundingEvent("BTC", "-5", t0.Add(time.Hour)),
		fundingEvent("ETH", "-9", t0.Add(4*time.Hour)),
	}

	trades := MatchTrades(fills, funding, nil)
	require.Len(t, trades, 1)
	assert.True(t, d("-0.5").Equal(trades[0].FundingAllocated), "got %s", trades[0].FundingAllocated)
	assert.True(t, d("1").Equal(trades[0].Fees))
	// 1 realized - 0.5 funding - 1 fees
	assert.True(t, d("-0.5").Equal(trades[0].NetPnl), "got %s", trades[0].NetPnl)
	assert.False(t, trades[0].IsWin)
}

func TestMatchTrades_FundingAtFlipCountedOnce(t *testing.T) {
	flip := t0.Add(time.Hour)
	fills := []model.EconomicEvent{
		perpFill("ETH", "B", "1", "100", "0", t0),
		perpFill("ETH", "A", "2", "100", "0", flip),
		perpFill("ETH", "B", "1", "100", "0", flip.Add(time.Hour)),
	}
	funding := []model.EconomicEvent{
		fundingEvent("ETH", "-0.25", flip),
	}

	trades := MatchTrades(fills, funding, nil)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].FundingAllocated.IsZero(), "closing trade got %s", trades[0].FundingAllocated)
	assert.True(t, d("-0.25").Equal(trades[1].FundingAllocated), "opening trade got %s", trades[1].FundingAllocated)
}

func TestMatchTrades_OpenPositionNotEmitted(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("SOL", "B", "3", "20", "0", t0),
		perpFill("SOL", "A", "1", "25", "0", t0.Add(time.Hour)),
	}
	assert.Empty(t, MatchTrades(fills, nil, nil))
}

func TestMatchTrades_Leverage(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("ETH", "B", "2", "100", "0", t0),
		perpFill("ETH", "A", "2", "100", "0", t0.Add(time.Hour)),
	}
	equity := map[string]decimal.Decimal{dayKey(t0): d("1000")}

	trades := MatchTrades(fills, nil, equity)
	require.Len(t, trades, 1)
	assert.True(t, d("0.2").Equal(trades[0].Leverage), "got %s", trades[0].Leverage)

	none := MatchTrades(fills, nil, map[string]decimal.Decimal{dayKey(t0): d("0")})
	assert.True(t, none[0].Leverage.IsZero())
}

func TestMatchTrades_DirectionFallback(t *testing.T) {
	open := perpFill("ETH", "", "1", "100", "0", t0)
	open.Meta = map[string]any{normalize.MetaDir: "Open Short"}
	closing := perpFill("ETH", "", "1", "90", "0", t0.Add(time.Hour))
	closing.Meta = map[string]any{normalize.MetaDir: "Close Short"}

	trades := MatchTrades([]model.EconomicEvent{open, closing}, nil, nil)
	require.Len(t, trades, 1)
	assert.Equal(t, model.SideShort, trades[0].Side)
	assert.True(t, d("10").Equal(trades[0].RealizedPnl))
}

func TestMatchTrades_MarketsAreIndependent(t *testing.T) {
	fills := []model.EconomicEvent{
		perpFill("ETH", "B", "1", "100", "0", t0),
		perpFill("BTC", "A", "1", "100", "0", t0.Add(time.Minute)),
		perpFill("BTC", "B", "1", "90", "0", t0.Add(2*time.Minute)),
		perpFill("ETH", "A", "1", "105", "0", t0.Add(3*time.Minute)),
	}

	trades := MatchTrades(fills, nil, nil)
	require.Len(t, trades, 2)
	assert.Equal(t, "BTC", trades[0].Market, "ordered by exit time")
	assert.Equal(t, "ETH", trades[1].Market)
}

func TestMatchTrades_SkipsMalformedFills(t *testing.T) {
	bad := perpFill("ETH", "B", "1", "100", "0", t0)
	bad.ExecPrice = nil
	assert.Empty(t, MatchTrades([]model.EconomicEvent{bad}, nil, nil))
}
