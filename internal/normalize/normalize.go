// Package normalize turns upstream records into the two ledger forms: the
// opaque RawEvent kept for audit and replay, and the typed EconomicEvent the
// aggregation engine reads.
//
// Normalization never fails on a missing optional field. Absent numbers
// become zero (PnL, fee, funding) or null (size, price), and the original
// payload is kept byte for byte.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/source"
)

// Meta keys written on every EconomicEvent.
const (
	MetaDedupe        = "dedupe"
	MetaDir           = "dir"
	MetaRawSide       = "raw_side"
	MetaTid           = "tid"
	MetaOid           = "oid"
	MetaStartPosition = "start_position"
	MetaFeeToken      = "fee_token"
	MetaCrossed       = "crossed"
	MetaSzi           = "szi"
	MetaFundingRate   = "funding_rate"
)

// FillKey is fill:<coin>:<tid>, falling back to the order id and then the
// timestamp when the trade id is absent.
func FillKey(f source.Fill) string {
	id := strconv.FormatInt(f.Time, 10)
	switch {
	case f.Tid != 0:
		id = strconv.FormatInt(f.Tid, 10)
	case f.Oid != 0:
		id = strconv.FormatInt(f.Oid, 10)
	}
	return "fill:" + f.Coin + ":" + id
}

// FundingKey is funding:<time>:<coin>.
func FundingKey(f source.Funding) string {
	return "funding:" + strconv.FormatInt(f.Time, 10) + ":" + f.Delta.Coin
}

// IsSpot reports whether a coin names a spot pair: "@107" or "PURR/USDC".
func IsSpot(coin string) bool {
	return strings.HasPrefix(coin, "@") || strings.Contains(coin, "/")
}

// Fill maps one fill record.
func Fill(walletID int64, f source.Fill) (model.RawEvent, model.EconomicEvent) {
	ts := time.UnixMilli(f.Time).UTC()
	key := FillKey(f)

	raw := model.RawEvent{
		WalletID:   walletID,
		SourceType: model.SourceFill,
		Ts:         ts,
		UniqueKey:  key,
		Payload:    payload(f.Raw, f),
	}

	size := parseOptional(f.Sz)
	if size != nil {
		abs := size.Abs()
		size = &abs
	}
	price := parseOptional(f.Px)

	ev := model.EconomicEvent{
		WalletID:       walletID,
		Ts:             ts,
		Day:            model.DayOf(ts),
		Venue:          model.VenueHyperliquid,
		Market:         f.Coin,
		Size:           size,
		ExecPrice:      price,
		RealizedPnlUsd: parseOrZero(f.ClosedPnl),
		FeeUsd:         parseOrZero(f.Fee),
		TxHash:         f.Hash,
		DedupeKey:      key,
		Meta: map[string]any{
			MetaDedupe:        key,
			MetaDir:           f.Dir,
			MetaRawSide:       f.Side,
			MetaTid:           f.Tid,
			MetaOid:           f.Oid,
			MetaStartPosition: f.StartPosition,
			MetaFeeToken:      f.FeeToken,
			MetaCrossed:       f.Crossed,
		},
	}
	if size != nil && price != nil {
		usd := size.Mul(*price)
		ev.UsdValue = &usd
	}

	if IsSpot(f.Coin) {
		ev.EventType = model.EventSpotSell
		ev.Side = model.SideShort
		if isBuy(f.Side, f.Dir) {
			ev.EventType = model.EventSpotBuy
			ev.Side = model.SideLong
		}
	} else {
		ev.EventType = model.EventPerpFill
		ev.Side = sideFromDir(f.Dir)
	}
	return raw, ev
}

// Funding maps one funding payment. A positive usdc amount was received.
func Funding(walletID int64, f source.Funding) (model.RawEvent, model.EconomicEvent) {
	ts := time.UnixMilli(f.Time).UTC()
	key := FundingKey(f)

	raw := model.RawEvent{
		WalletID:   walletID,
		SourceType: model.SourceFunding,
		Ts:         ts,
		UniqueKey:  key,
		Payload:    payload(f.Raw, f),
	}

	ev := model.EconomicEvent{
		WalletID:   walletID,
		Ts:         ts,
		Day:        model.DayOf(ts),
		EventType:  model.EventPerpFunding,
		Venue:      model.VenueHyperliquid,
		Market:     f.Delta.Coin,
		FundingUsd: parseOrZero(f.Delta.Usdc),
		TxHash:     f.Hash,
		DedupeKey:  key,
		Meta: map[string]any{
			MetaDedupe:      key,
			MetaSzi:         f.Delta.Szi,
			MetaFundingRate: f.Delta.FundingRate,
		},
	}
	if szi := parseOptional(f.Delta.Szi); szi != nil {
		switch szi.Sign() {
		case 1:
			ev.Side = model.SideLong
		case -1:
			ev.Side = model.SideShort
		}
	}
	return raw, ev
}

// FromRaw re-derives the EconomicEvent of a stored RawEvent. The event keeps
// the raw row's unique key so the 1:1 mapping survives a re-derivation.
func FromRaw(r model.RawEvent) (model.EconomicEvent, error) {
	var ev model.EconomicEvent
	switch r.SourceType {
	case model.SourceFill:
		var f source.Fill
		if err := json.Unmarshal(r.Payload, &f); err != nil {
			return model.EconomicEvent{}, fmt.Errorf("normalize: raw event %d: %w", r.ID, err)
		}
		f.Raw = r.Payload
		_, ev = Fill(r.WalletID, f)
	case model.SourceFunding:
		var f source.Funding
		if err := json.Unmarshal(r.Payload, &f); err != nil {
			return model.EconomicEvent{}, fmt.Errorf("normalize: raw event %d: %w", r.ID, err)
		}
		f.Raw = r.Payload
		_, ev = Funding(r.WalletID, f)
	default:
		return model.EconomicEvent{}, fmt.Errorf("normalize: raw event %d: unknown source type %q", r.ID, r.SourceType)
	}
	ev.DedupeKey = r.UniqueKey
	ev.Meta[MetaDedupe] = r.UniqueKey
	return ev, nil
}

// IsBuy reports the direction of a fill-derived event, preferring the raw
// side and falling back to the direction text.
func IsBuy(e model.EconomicEvent) bool {
	side, _ := e.Meta[MetaRawSide].(string)
	dir, _ := e.Meta[MetaDir].(string)
	return isBuy(side, dir)
}

func isBuy(side, dir string) bool {
	switch side {
	case "B":
		return true
	case "A":
		return false
	}
	switch dir {
	case "Open Long", "Close Short", "Buy", "Short > Long":
		return true
	}
	return false
}

// sideFromDir: any direction mentioning Long is long, everything else short.
func sideFromDir(dir string) string {
	if strings.Contains(dir, "Long") {
		return model.SideLong
	}
	return model.SideShort
}

func parseOptional(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func parseOrZero(s string) *decimal.Decimal {
	if d := parseOptional(s); d != nil {
		return d
	}
	zero := decimal.Zero
	return &zero
}

func payload(raw json.RawMessage, v any) []byte {
	if len(raw) > 0 {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
