package source

import "encoding/json"

// Fill is one executed trade leg as returned by userFillsByTime. Numeric
// fields stay strings, exactly as the API sends them; Raw keeps the full
// record for the audit trail.
type Fill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"` // "B" buy, "A" sell
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"` // "Open Long", "Close Short", "Long > Short", "Buy", ...
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Oid           int64  `json:"oid"`
	Tid           int64  `json:"tid"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	FeeToken      string `json:"feeToken"`

	Raw json.RawMessage `json:"-"`
}

// Funding is one funding payment from userFunding.
type Funding struct {
	Time  int64        `json:"time"`
	Hash  string       `json:"hash"`
	Delta FundingDelta `json:"delta"`

	Raw json.RawMessage `json:"-"`
}

type FundingDelta struct {
	Type        string `json:"type"`
	Coin        string `json:"coin"`
	Usdc        string `json:"usdc"`
	Szi         string `json:"szi"`
	FundingRate string `json:"fundingRate"`
	NSamples    *int   `json:"nSamples"`
}

type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
	EndTime   *int64 `json:"endTime,omitempty"`
}

func decodeFill(raw json.RawMessage) (Fill, int64, error) {
	var f Fill
	if err := json.Unmarshal(raw, &f); err != nil {
		return Fill{}, 0, err
	}
	f.Raw = append(json.RawMessage(nil), raw...)
	return f, f.Time, nil
}

func decodeFunding(raw json.RawMessage) (Funding, int64, error) {
	var f Funding
	if err := json.Unmarshal(raw, &f); err != nil {
		return Funding{}, 0, err
	}
	f.Raw = append(json.RawMessage(nil), raw...)
	return f, f.Time, nil
}
