// Package api provides the HTTP handlers for triggering sync and recompute
// runs and for reading a wallet's aggregates, plus a WebSocket hub that
// pushes run progress.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
	_ "time/tzdata" // tz validation must not depend on the host zoneinfo

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/ingest"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/pnl"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/store"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/wallet"
)

// Calendar views and product filters.
const (
	ViewDay   = "day"
	ViewMonth = "month"
	ViewAll   = "all"

	ProductPerps = "perps"
	ProductSpot  = "spot"
	ProductAll   = "all"
)

// Handler serves the run triggers and the read API.
type Handler struct {
	runs     *ingest.Service
	store    store.Store
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(runs *ingest.Service, st store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		runs:     runs,
		store:    st,
		pageSize: store.DefaultPageSize,
		logger:   logger,
		now:      time.Now,
	}
}

// --- Request/Response types ---

// SyncRequest is the JSON body for POST /sync.
type SyncRequest struct {
	Wallet string `json:"wallet"`
	Full   bool   `json:"full"` // re-fetch all history and rebuild everything
}

// RecomputeRequest is the JSON body for POST /recompute.
type RecomputeRequest struct {
	Wallet string `json:"wallet"`
}

// CalendarMonth is a MonthlyPnl row with the share of trading days that
// closed in profit.
type CalendarMonth struct {
	model.MonthlyPnl
	ProfitableDaysPct decimal.Decimal `json:"profitable_days_pct"`
}

// CalendarResponse is the JSON body returned from GET /calendar.
type CalendarResponse struct {
	Wallet       string           `json:"wallet"`
	Year         int              `json:"year"`
	View         string           `json:"view"`
	Product      string           `json:"product"`
	// TZ echoes the requested zone. It is informational only: days and
	// months are always bucketed on UTC boundaries.
	TZ           string           `json:"tz"`
	Days         []model.DailyPnl `json:"days"`
	Months       []CalendarMonth  `json:"months"`
	TotalPnl     decimal.Decimal  `json:"total_pnl"`
	TotalVolume  decimal.Decimal  `json:"total_volume"`
	ClosedTrades int              `json:"closed_trades"`
}

type TradesResponse struct {
	Wallet string              `json:"wallet"`
	Count  int                 `json:"count"`
	Trades []model.ClosedTrade `json:"trades"`
}

type EquityResponse struct {
	Wallet string                   `json:"wallet"`
	Points []model.EquityCurvePoint `json:"points"`
}

type MarketsResponse struct {
	Wallet  string           `json:"wallet"`
	Markets []pnl.MarketStat `json:"markets"`
}

// --- Run triggers ---

// Sync handles POST /api/v1/sync
// Starts a sync run in the background and returns it with 202.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := h.runs.StartSync(r.Context(), req.Wallet, ingest.SyncOptions{Full: req.Full})
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// Recompute handles POST /api/v1/recompute
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := h.runs.StartRecompute(r.Context(), req.Wallet)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// LatestRun handles GET /api/v1/wallets/{wallet}/runs/latest?kind=
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != model.RunKindSync && kind != model.RunKindRecompute {
		writeError(w, "kind must be sync or recompute", http.StatusBadRequest)
		return
	}

	run, err := h.runs.LatestRun(r.Context(), chi.URLParam(r, "wallet"), kind)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no runs for wallet", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRun handles GET /api/v1/runs/{runID}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, "failed to load run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Aggregate reads ---

// Calendar handles GET /api/v1/calendar?wallet=&year=&view=&product=&tz=
// Day and month rows are perps aggregates on UTC days; tz is validated and
// echoed back. total_volume sums fill volume over the product's fills.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	year := h.now().UTC().Year()
	if raw := q.Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 2000 || y > 2100 {
			writeError(w, "year must be between 2000 and 2100", http.StatusBadRequest)
			return
		}
		year = y
	}
	view := orDefault(q.Get("view"), ViewAll)
	if view != ViewDay && view != ViewMonth && view != ViewAll {
		writeError(w, "view must be day, month or all", http.StatusBadRequest)
		return
	}
	product := orDefault(q.Get("product"), ProductPerps)
	if product != ProductPerps && product != ProductSpot && product != ProductAll {
		writeError(w, "product must be perps, spot or all", http.StatusBadRequest)
		return
	}
	tz := orDefault(q.Get("tz"), "UTC")
	if _, err := time.LoadLocation(tz); err != nil {
		writeError(w, "unknown tz: "+tz, http.StatusBadRequest)
		return
	}

	wl, ok := h.wallet(w, r, q.Get("wallet"))
	if !ok {
		return
	}

	ctx := r.Context()
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	resp := CalendarResponse{
		Wallet:  wl.Address,
		Year:    year,
		View:    view,
		Product: product,
		TZ:      tz,
		Days:    []model.DailyPnl{},
		Months:  []CalendarMonth{},
	}

	if product != ProductSpot {
		days, err := h.store.ListDailyPnl(ctx, wl.ID, from, to)
		if err != nil {
			h.internalError(w, "failed to load daily pnl", err)
			return
		}
		months, err := h.store.ListMonthlyPnl(ctx, wl.ID, from, to)
		if err != nil {
			h.internalError(w, "failed to load monthly pnl", err)
			return
		}
		for _, m := range months {
			resp.TotalPnl = resp.TotalPnl.Add(m.TotalPnl)
		}
		if view != ViewMonth && days != nil {
			resp.Days = days
		}
		if view != ViewDay {
			for _, m := range months {
				resp.Months = append(resp.Months, CalendarMonth{
					MonthlyPnl:        m,
					ProfitableDaysPct: pnl.Percent(decimal.NewFromInt(int64(m.ProfitableDays)), decimal.NewFromInt(int64(m.TradingDays))),
				})
			}
		}
	}

	volume, err := h.volume(ctx, wl.ID, from, to, productTypes(product))
	if err != nil {
		h.internalError(w, "failed to sum volume", err)
		return
	}
	resp.TotalVolume = volume

	resp.ClosedTrades, err = h.store.CountClosedTrades(ctx, wl.ID, from, to)
	if err != nil {
		h.internalError(w, "failed to count closed trades", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Trades handles GET /api/v1/wallets/{wallet}/trades?from=&to=
func (h *Handler) Trades(w http.ResponseWriter, r *http.Request) {
	wl, from, to, ok := h.walletRange(w, r)
	if !ok {
		return
	}

	trades, err := h.store.ListClosedTrades(r.Context(), wl.ID, from, to)
	if err != nil {
		h.internalError(w, "failed to load closed trades", err)
		return
	}
	if trades == nil {
		trades = []model.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, TradesResponse{Wallet: wl.Address, Count: len(trades), Trades: trades})
}

// Equity handles GET /api/v1/wallets/{wallet}/equity?from=&to=
func (h *Handler) Equity(w http.ResponseWriter, r *http.Request) {
	wl, from, to, ok := h.walletRange(w, r)
	if !ok {
		return
	}

	points, err := h.store.ListEquityCurve(r.Context(), wl.ID, from, to)
	if err != nil {
		h.internalError(w, "failed to load equity curve", err)
		return
	}
	if points == nil {
		points = []model.EquityCurvePoint{}
	}
	writeJSON(w, http.StatusOK, EquityResponse{Wallet: wl.Address, Points: points})
}

// Markets handles GET /api/v1/wallets/{wallet}/markets?from=&to=
// Per-market statistics over the closed trades in range.
func (h *Handler) Markets(w http.ResponseWriter, r *http.Request) {
	wl, from, to, ok := h.walletRange(w, r)
	if !ok {
		return
	}

	trades, err := h.store.ListClosedTrades(r.Context(), wl.ID, from, to)
	if err != nil {
		h.internalError(w, "failed to load closed trades", err)
		return
	}
	writeJSON(w, http.StatusOK, MarketsResponse{Wallet: wl.Address, Markets: pnl.MarketStats(trades)})
}

// --- helpers ---

// volume pages through the matching fills so no day is truncated.
func (h *Handler) volume(ctx context.Context, walletID int64, from, to time.Time, types []string) (decimal.Decimal, error) {
	total := decimal.Zero
	page := store.Page{Limit: h.pageSize}
	filter := store.EventFilter{From: from, To: to, Types: types}
	for {
		events, err := h.store.ListEventsInRange(ctx, walletID, filter, page)
		if err != nil {
			return decimal.Zero, err
		}
		for _, e := range events {
			total = total.Add(pnl.FillVolume(e))
		}
		if len(events) < page.Limit {
			return total, nil
		}
		page.AfterID = events[len(events)-1].ID
	}
}

func productTypes(product string) []string {
	switch product {
	case ProductSpot:
		return []string{model.EventSpotBuy, model.EventSpotSell}
	case ProductAll:
		return []string{model.EventPerpFill, model.EventSpotBuy, model.EventSpotSell}
	default:
		return []string{model.EventPerpFill}
	}
}

// wallet resolves a raw address to a stored wallet, writing 400 or 404
// itself when it cannot.
func (h *Handler) wallet(w http.ResponseWriter, r *http.Request, raw string) (*model.Wallet, bool) {
	addr, err := wallet.Parse(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	wl, err := h.store.GetWalletByAddress(r.Context(), addr)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "wallet not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.internalError(w, "failed to load wallet", err)
		return nil, false
	}
	return wl, true
}

// walletRange reads {wallet} and the optional from/to dates (YYYY-MM-DD,
// both inclusive).
func (h *Handler) walletRange(w http.ResponseWriter, r *http.Request) (*model.Wallet, time.Time, time.Time, bool) {
	var from, to time.Time
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return nil, from, to, false
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return nil, from, to, false
		}
		to = t.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		writeError(w, "from must not be after to", http.StatusBadRequest)
		return nil, from, to, false
	}

	wl, ok := h.wallet(w, r, chi.URLParam(r, "wallet"))
	return wl, from, to, ok
}

func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAddress):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ingest.ErrWalletNotFound):
		writeError(w, "wallet not found", http.StatusNotFound)
	case errors.Is(err, ingest.ErrRunInProgress):
		writeError(w, "a run is already in progress for this wallet", http.StatusConflict)
	default:
		h.internalError(w, "failed to start run", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	writeError(w, message, http.StatusInternalServerError)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
