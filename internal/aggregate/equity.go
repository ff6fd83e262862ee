package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

// EquityCurve walks DailyPnl rows in day order starting from initial equity.
// Each day's net change is its perps_pnl.
//
// Drawdown is clamped to [0, max(peak, 0)] so that drawdown never exceeds
// peak equity and drawdown_pct stays within [0, 1]. With a zero initial
// balance and only losses, the peak stays 0 and so does the drawdown.
func EquityCurve(rows []model.DailyPnl, initial decimal.Decimal) []model.EquityCurvePoint {
	sorted := append([]model.DailyPnl(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Day.Before(sorted[j].Day) })

	points := make([]model.EquityCurvePoint, 0, len(sorted))
	equity := initial
	peak := initial
	var cumTrading, cumFunding, cumFees decimal.Decimal

	for _, r := range sorted {
		start := equity
		equity = equity.Add(r.PerpsPnl)
		cumTrading = cumTrading.Add(r.ClosedPnl)
		cumFunding = cumFunding.Add(r.Funding)
		cumFees = cumFees.Add(r.Fees)
		if equity.GreaterThan(peak) {
			peak = equity
		}

		drawdown := decimal.Max(peak.Sub(equity), decimal.Zero)
		if ceiling := decimal.Max(peak, decimal.Zero); drawdown.GreaterThan(ceiling) {
			drawdown = ceiling
		}
		pct := decimal.Zero
		if peak.IsPositive() {
			pct = drawdown.Div(peak)
		}

		points = append(points, model.EquityCurvePoint{
			WalletID:       r.WalletID,
			Day:            r.Day,
			StartingEquity: start,
			EndingEquity:   equity,
			NetChange:      r.PerpsPnl,
			CumTradingPnl:  cumTrading,
			CumFundingPnl:  cumFunding,
			CumFeesPnl:     cumFees,
			PeakEquity:     peak,
			Drawdown:       drawdown,
			DrawdownPct:    pct,
		})
	}
	return points
}

// withCumulative fills CumulativePnl and Drawdown on day-ordered rows.
// Drawdown here is the distance of cumulative PnL below its running peak,
// the peak starting at zero.
func withCumulative(rows []model.DailyPnl) []model.DailyPnl {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.Before(rows[j].Day) })
	var cum, peak decimal.Decimal
	for i := range rows {
		cum = cum.Add(rows[i].PerpsPnl)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		rows[i].CumulativePnl = cum
		rows[i].Drawdown = peak.Sub(cum)
	}
	return rows
}

// startingEquity maps each day to the equity it opened with.
func startingEquity(points []model.EquityCurvePoint) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(points))
	for _, p := range points {
		out[dayKey(p.Day)] = p.StartingEquity
	}
	return out
}
