package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/source"
)

const fillJSON = `{"coin":"ETH","px":"3000.5","sz":"0.2","side":"A","time":1709649000000,"startPosition":"0.5","dir":"Close Long","closedPnl":"12.3","hash":"0xabc","oid":77,"tid":901,"crossed":true,"fee":"0.42","feeToken":"USDC"}`

func decodeFill(t *testing.T, s string) source.Fill {
	t.Helper()
	var f source.Fill
	require.NoError(t, json.Unmarshal([]byte(s), &f))
	f.Raw = json.RawMessage(s)
	return f
}

func TestFill_Perp(t *testing.T) {
	raw, ev := Fill(7, decodeFill(t, fillJSON))

	assert.Equal(t, "fill:ETH:901", raw.UniqueKey)
	assert.Equal(t, model.SourceFill, raw.SourceType)
	assert.JSONEq(t, fillJSON, string(raw.Payload))
	assert.Equal(t, time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC), raw.Ts)

	assert.Equal(t, model.EventPerpFill, ev.EventType)
	assert.Equal(t, model.SideLong, ev.Side)
	assert.Equal(t, int64(7), ev.WalletID)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), ev.Day)
	assert.True(t, decimal.RequireFromString("0.2").Equal(*ev.Size))
	assert.True(t, decimal.RequireFromString("3000.5").Equal(*ev.ExecPrice))
	assert.True(t, decimal.RequireFromString("600.1").Equal(*ev.UsdValue))
	assert.True(t, decimal.RequireFromString("12.3").Equal(*ev.RealizedPnlUsd))
	assert.True(t, decimal.RequireFromString("0.42").Equal(*ev.FeeUsd))
	assert.Equal(t, "0xabc", ev.TxHash)
	assert.Equal(t, raw.UniqueKey, ev.DedupeKey)
	assert.Equal(t, raw.UniqueKey, ev.Meta[MetaDedupe])
	assert.False(t, IsBuy(ev))
}

func TestFill_SideFromDirection(t *testing.T) {
	cases := map[string]string{
		"Open Long":    model.SideLong,
		"Close Long":   model.SideLong,
		"Open Short":   model.SideShort,
		"Close Short":  model.SideShort,
		"Long > Short": model.SideLong,
		"":             model.SideShort,
	}
	for dir, want := range cases {
		_, ev := Fill(1, source.Fill{Coin: "BTC", Dir: dir, Time: 1})
		assert.Equal(t, want, ev.Side, dir)
	}
}

func TestFillKey_Fallbacks(t *testing.T) {
	assert.Equal(t, "fill:BTC:5", FillKey(source.Fill{Coin: "BTC", Tid: 5, Oid: 9, Time: 100}))
	assert.Equal(t, "fill:BTC:9", FillKey(source.Fill{Coin: "BTC", Oid: 9, Time: 100}))
	assert.Equal(t, "fill:BTC:100", FillKey(source.Fill{Coin: "BTC", Time: 100}))
}

func TestFill_Spot(t *testing.T) {
	_, buy := Fill(1, source.Fill{Coin: "@107", Side: "B", Sz: "10", Px: "2", Time: 1})
	assert.Equal(t, model.EventSpotBuy, buy.EventType)

	_, sell := Fill(1, source.Fill{Coin: "PURR/USDC", Side: "A", Sz: "10", Px: "2", Time: 1})
	assert.Equal(t, model.EventSpotSell, sell.EventType)
}

func TestFill_MissingFields(t *testing.T) {
	raw, ev := Fill(1, source.Fill{Coin: "SOL", Time: 1})

	assert.Nil(t, ev.Size)
	assert.Nil(t, ev.ExecPrice)
	assert.Nil(t, ev.UsdValue)
	require.NotNil(t, ev.RealizedPnlUsd)
	assert.True(t, ev.RealizedPnlUsd.IsZero())
	require.NotNil(t, ev.FeeUsd)
	assert.True(t, ev.FeeUsd.IsZero())
	assert.NotEmpty(t, raw.Payload, "payload is marshalled when the raw bytes are absent")
}

func TestIsBuy_FallsBackToDirection(t *testing.T) {
	ev := model.EconomicEvent{Meta: map[string]any{MetaDir: "Close Short"}}
	assert.True(t, IsBuy(ev))
	ev.Meta[MetaDir] = "Open Short"
	assert.False(t, IsBuy(ev))
}

func TestFunding(t *testing.T) {
	const js = `{"time":1709640000000,"hash":"0x0","delta":{"type":"funding","coin":"BTC","usdc":"-1.25","szi":"-0.5","fundingRate":"0.0000125"}}`
	var f source.Funding
	require.NoError(t, json.Unmarshal([]byte(js), &f))
	f.Raw = json.RawMessage(js)

	raw, ev := Funding(3, f)
	assert.Equal(t, "funding:1709640000000:BTC", raw.UniqueKey)
	assert.Equal(t, model.SourceFunding, raw.SourceType)
	assert.Equal(t, model.EventPerpFunding, ev.EventType)
	assert.Equal(t, "BTC", ev.Market)
	assert.Equal(t, model.SideShort, ev.Side)
	assert.True(t, decimal.RequireFromString("-1.25").Equal(*ev.FundingUsd))
	assert.Equal(t, raw.UniqueKey, ev.Meta[MetaDedupe])
}

func TestFromRaw_MatchesDirectNormalization(t *testing.T) {
	raw, direct := Fill(7, decodeFill(t, fillJSON))
	raw.ID = 42

	again, err := FromRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, direct, again)
}

func TestFromRaw_UnknownSource(t *testing.T) {
	_, err := FromRaw(model.RawEvent{ID: 1, SourceType: "ledger", Payload: []byte("{}")})
	assert.Error(t, err)
}

func TestFromRaw_BadPayload(t *testing.T) {
	_, err := FromRaw(model.RawEvent{ID: 1, SourceType: model.SourceFunding, Payload: []byte("not json")})
	assert.Error(t, err)
}
