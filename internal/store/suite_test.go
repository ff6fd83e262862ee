package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

// runStoreSuite exercises the Store contract. Every implementation runs it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Wallets", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("RawEventsDedupe", func(t *testing.T) { testRawEvents(t, newStore(t)) })
	t.Run("EconomicEvents", func(t *testing.T) { testEconomicEvents(t, newStore(t)) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var day1 = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func newWallet(t *testing.T, s Store, addr string) *model.Wallet {
	t.Helper()
	w, err := s.EnsureWallet(context.Background(), addr)
	require.NoError(t, err)
	return w
}

func testWallets(t *testing.T, s Store) {
	ctx := context.Background()
	const addr = "0x5b5d51203a0f9079f8aeb098a6523a13f298c060"

	_, err := s.GetWalletByAddress(ctx, addr)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	w1 := newWallet(t, s, addr)
	w2 := newWallet(t, s, addr)
	assert.Equal(t, w1.ID, w2.ID)

	got, err := s.GetWalletByAddress(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, got.ID)
	assert.Equal(t, addr, got.Address)
}

func rawFill(walletID int64, key string, ts time.Time) model.RawEvent {
	return model.RawEvent{
		WalletID:   walletID,
		SourceType: model.SourceFill,
		Ts:         ts,
		UniqueKey:  key,
		Payload:    []byte(`{"coin":"ETH"}`),
	}
}

func testRawEvents(t *testing.T, s Store) {
	ctx := context.Background()
	w := newWallet(t, s, "0x1111111111111111111111111111111111111111")

	_, ok, err := s.LatestRawEventTime(ctx, w.ID, model.SourceFill)
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := day1.Add(time.Hour)
	t2 := day1.Add(2 * time.Hour)
	inserted, err := s.InsertRawEvents(ctx, []model.RawEvent{
		rawFill(w.ID, "fill:ETH:1", t1),
		rawFill(w.ID, "fill:ETH:2", t2),
		rawFill(w.ID, "fill:ETH:1", t1),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.NotZero(t, inserted[0].ID)

	again, err := s.InsertRawEvents(ctx, []model.RawEvent{
		rawFill(w.ID, "fill:ETH:2", t2),
		rawFill(w.ID, "fill:ETH:3", t2),
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "fill:ETH:3", again[0].UniqueKey)

	latest, ok, err := s.LatestRawEventTime(ctx, w.ID, model.SourceFill)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, latest.Equal(t2))

	var all []model.RawEvent
	page := Page{Limit: 2}
	for {
		rows, err := s.ListRawEvents(ctx, w.ID, page)
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		all = append(all, rows...)
		page.AfterID = rows[len(rows)-1].ID
	}
	require.Len(t, all, 3)
	assert.JSONEq(t, `{"coin":"ETH"}`, string(all[0].Payload))
}

func event(walletID int64, key, eventType string, ts time.Time) model.EconomicEvent {
	e := model.EconomicEvent{
		WalletID:  walletID,
		Ts:        ts,
		Day:       model.DayOf(ts),
		EventType: eventType,
		Venue:     model.VenueHyperliquid,
		Market:    "ETH",
		DedupeKey: key,
		Meta:      map[string]any{"dedupe": key, "raw_side": "B"},
	}
	if eventType == model.EventPerpFill {
		e.Side = model.SideLong
		e.Size = dp("1.5")
		e.ExecPrice = dp("100")
		e.RealizedPnlUsd = dp("0")
		e.FeeUsd = dp("0.1")
	} else {
		e.FundingUsd = dp("-0.25")
	}
	return e
}

func testEconomicEvents(t *testing.T, s Store) {
	ctx := context.Background()
	w := newWallet(t, s, "0x2222222222222222222222222222222222222222")
	day2 := day1.AddDate(0, 0, 1)

	events := []model.EconomicEvent{
		event(w.ID, "fill:ETH:1", model.EventPerpFill, day1.Add(time.Hour)),
		event(w.ID, "fill:ETH:2", model.EventPerpFill, day1.Add(2*time.Hour)),
		event(w.ID, "fill:ETH:3", model.EventPerpFill, day1.Add(3*time.Hour)),
		event(w.ID, "funding:1:ETH", model.EventPerpFunding, day2.Add(time.Hour)),
	}
	n, err := s.InsertEconomicEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.InsertEconomicEvents(ctx, events[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, n, "duplicate dedupe keys are ignored")

	days, err := s.ListEventDays(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.True(t, days[0].Equal(day1))
	assert.True(t, days[1].Equal(day2))

	var got []model.EconomicEvent
	page := Page{Limit: 2}
	for {
		rows, err := s.ListEventsByDay(ctx, w.ID, day1, page)
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		got = append(got, rows...)
		page.AfterID = rows[len(rows)-1].ID
	}
	require.Len(t, got, 3, "paging must not truncate a day")
	assert.True(t, d("1.5").Equal(*got[0].Size))
	assert.Nil(t, got[0].FundingUsd)
	assert.Equal(t, "B", got[0].Meta["raw_side"])

	funding, err := s.ListEventsInRange(ctx, w.ID, EventFilter{Types: []string{model.EventPerpFunding}}, Page{})
	require.NoError(t, err)
	require.Len(t, funding, 1)
	assert.True(t, d("-0.25").Equal(*funding[0].FundingUsd))

	windowed, err := s.ListEventsInRange(ctx, w.ID, EventFilter{From: day1.Add(2 * time.Hour), To: day2}, Page{})
	require.NoError(t, err)
	assert.Len(t, windowed, 2)

	require.NoError(t, s.ReplaceEconomicEvents(ctx, w.ID, events[:1]))
	all, err := s.ListEventsInRange(ctx, w.ID, EventFilter{}, Page{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fill:ETH:1", all[0].DedupeKey)
}

func testAggregates(t *testing.T, s Store) {
	ctx := context.Background()
	w := newWallet(t, s, "0x3333333333333333333333333333333333333333")
	day2 := day1.AddDate(0, 0, 1)

	row := model.DailyPnl{WalletID: w.ID, Day: day1, ClosedPnl: d("10"), Funding: d("-1"), Fees: d("-0.5"),
		PerpsPnl: d("8.5"), Volume: d("1000"), TradesCount: 3, CumulativePnl: d("8.5")}
	require.NoError(t, s.UpsertDailyPnl(ctx, []model.DailyPnl{row}))
	row.ClosedPnl = d("11")
	require.NoError(t, s.UpsertDailyPnl(ctx, []model.DailyPnl{row, {WalletID: w.ID, Day: day2, TradesCount: 1}}))

	daily, err := s.ListDailyPnl(ctx, w.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.True(t, d("11").Equal(daily[0].ClosedPnl), "upsert replaces the row")
	assert.Equal(t, 3, daily[0].TradesCount)

	ranged, err := s.ListDailyPnl(ctx, w.ID, day2, time.Time{})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.True(t, ranged[0].Day.Equal(day2))

	require.NoError(t, s.UpsertMonthlyPnl(ctx, []model.MonthlyPnl{{WalletID: w.ID, Month: day1, TotalPnl: d("8.5"), TradingDays: 2}}))
	months, err := s.ListMonthlyPnl(ctx, w.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, months, 1)
	assert.True(t, months[0].Month.Equal(model.MonthOf(day1)))

	require.NoError(t, s.DeleteAggregates(ctx, w.ID))
	daily, err = s.ListDailyPnl(ctx, w.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, daily)
	months, err = s.ListMonthlyPnl(ctx, w.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, months)

	trade := model.ClosedTrade{WalletID: w.ID, Market: "ETH", Side: model.SideLong,
		EntryTime: day1.Add(time.Hour), ExitTime: day1.Add(2 * time.Hour), Size: d("2"),
		AvgEntryPrice: d("100"), AvgExitPrice: d("100"), NetPnl: d("-0.2"), DurationSeconds: 3600}
	require.NoError(t, s.ReplaceClosedTrades(ctx, w.ID, []model.ClosedTrade{trade, trade}))
	require.NoError(t, s.ReplaceClosedTrades(ctx, w.ID, []model.ClosedTrade{trade}))
	trades, err := s.ListClosedTrades(ctx, w.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, d("2").Equal(trades[0].Size))
	n, err := s.CountClosedTrades(ctx, w.ID, day2, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	points := []model.EquityCurvePoint{
		{WalletID: w.ID, Day: day1, EndingEquity: d("5"), PeakEquity: d("5")},
		{WalletID: w.ID, Day: day2, StartingEquity: d("5"), EndingEquity: d("4"), PeakEquity: d("5"), Drawdown: d("1"), DrawdownPct: d("0.2")},
	}
	require.NoError(t, s.ReplaceEquityCurve(ctx, w.ID, points))
	curve, err := s.ListEquityCurve(ctx, w.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, curve, 2)
	assert.True(t, d("0.2").Equal(curve[1].DrawdownPct))
}

func testRuns(t *testing.T, s Store) {
	ctx := context.Background()
	w := newWallet(t, s, "0x4444444444444444444444444444444444444444")
	started := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.GetRun(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	_, err = s.GetActiveRun(ctx, w.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	first := &model.Run{ID: uuid.NewString(), WalletID: w.ID, Kind: model.RunKindSync,
		Status: model.RunStatusRunning, StartedAt: started}
	require.NoError(t, s.CreateRun(ctx, first))

	dup := &model.Run{ID: uuid.NewString(), WalletID: w.ID, Kind: model.RunKindRecompute,
		Status: model.RunStatusRunning, StartedAt: started.Add(time.Second)}
	err = s.CreateRun(ctx, dup)
	assert.True(t, errors.Is(err, ErrRunInProgress), "got %v", err)

	active, err := s.GetActiveRun(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, w.Address, active.Wallet)

	finished := started.Add(2 * time.Second)
	first.Status = model.RunStatusCompleted
	first.FillsIngested = 10
	first.FillsStatus = model.FetchOK
	first.FinishedAt = &finished
	require.NoError(t, s.UpdateRun(ctx, first))

	rewrite := *first
	rewrite.Status = model.RunStatusFailed
	err = s.UpdateRun(ctx, &rewrite)
	assert.True(t, errors.Is(err, ErrRunFinished), "got %v", err)
	kept, err := s.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, kept.Status, "a finished run is never rewritten")

	require.NoError(t, s.CreateRun(ctx, dup), "a finished run no longer blocks the wallet")

	latest, err := s.GetLatestRun(ctx, w.ID, "")
	require.NoError(t, err)
	assert.Equal(t, dup.ID, latest.ID)

	latestSync, err := s.GetLatestRun(ctx, w.ID, model.RunKindSync)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latestSync.ID)
	assert.Equal(t, 10, latestSync.FillsIngested)
	assert.Equal(t, model.RunStatusCompleted, latestSync.Status)
	require.NotNil(t, latestSync.FinishedAt)

	err = s.UpdateRun(ctx, &model.Run{ID: uuid.NewString(), Status: model.RunStatusFailed})
	assert.True(t, errors.Is(err, ErrNotFound))
}
