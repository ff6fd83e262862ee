package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/metrics"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the aggregate tables. Every aggregate write bumps a per-wallet
// generation counter; cache keys embed the generation, so a rebuild
// invalidates all of a wallet's cached reads at once and stale entries
// simply expire.
//
// Everything not overridden here passes straight through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, bump generation) ---

func (s *CachedStore) DeleteAggregates(ctx context.Context, walletID int64) error {
	if err := s.Store.DeleteAggregates(ctx, walletID); err != nil {
		return err
	}
	s.bump(ctx, walletID)
	return nil
}

func (s *CachedStore) UpsertDailyPnl(ctx context.Context, rows []model.DailyPnl) error {
	if err := s.Store.UpsertDailyPnl(ctx, rows); err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, r := range rows {
		if !seen[r.WalletID] {
			seen[r.WalletID] = true
			s.bump(ctx, r.WalletID)
		}
	}
	return nil
}

func (s *CachedStore) UpsertMonthlyPnl(ctx context.Context, rows []model.MonthlyPnl) error {
	if err := s.Store.UpsertMonthlyPnl(ctx, rows); err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, r := range rows {
		if !seen[r.WalletID] {
			seen[r.WalletID] = true
			s.bump(ctx, r.WalletID)
		}
	}
	return nil
}

func (s *CachedStore) ReplaceClosedTrades(ctx context.Context, walletID int64, trades []model.ClosedTrade) error {
	if err := s.Store.ReplaceClosedTrades(ctx, walletID, trades); err != nil {
		return err
	}
	s.bump(ctx, walletID)
	return nil
}

func (s *CachedStore) ReplaceEquityCurve(ctx context.Context, walletID int64, points []model.EquityCurvePoint) error {
	if err := s.Store.ReplaceEquityCurve(ctx, walletID, points); err != nil {
		return err
	}
	s.bump(ctx, walletID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListDailyPnl(ctx context.Context, walletID int64, from, to time.Time) ([]model.DailyPnl, error) {
	return readThrough(ctx, s, walletID, "daily", from, to, func() ([]model.DailyPnl, error) {
		return s.Store.ListDailyPnl(ctx, walletID, from, to)
	})
}

func (s *CachedStore) ListMonthlyPnl(ctx context.Context, walletID int64, from, to time.Time) ([]model.MonthlyPnl, error) {
	return readThrough(ctx, s, walletID, "monthly", from, to, func() ([]model.MonthlyPnl, error) {
		return s.Store.ListMonthlyPnl(ctx, walletID, from, to)
	})
}

func (s *CachedStore) ListClosedTrades(ctx context.Context, walletID int64, from, to time.Time) ([]model.ClosedTrade, error) {
	return readThrough(ctx, s, walletID, "trades", from, to, func() ([]model.ClosedTrade, error) {
		return s.Store.ListClosedTrades(ctx, walletID, from, to)
	})
}

func (s *CachedStore) CountClosedTrades(ctx context.Context, walletID int64, from, to time.Time) (int, error) {
	return readThrough(ctx, s, walletID, "trade_count", from, to, func() (int, error) {
		return s.Store.CountClosedTrades(ctx, walletID, from, to)
	})
}

func (s *CachedStore) ListEquityCurve(ctx context.Context, walletID int64, from, to time.Time) ([]model.EquityCurvePoint, error) {
	return readThrough(ctx, s, walletID, "equity", from, to, func() ([]model.EquityCurvePoint, error) {
		return s.Store.ListEquityCurve(ctx, walletID, from, to)
	})
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, s *CachedStore, walletID int64, kind string, from, to time.Time, load func() (T, error)) (T, error) {
	gen, err := s.generation(ctx, walletID)
	if err != nil {
		// Redis is an optimization; fall back to the primary.
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return load()
	}

	key := aggregateKey(walletID, gen, kind, from, to)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return v, nil
		}
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	v, err := load()
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

func (s *CachedStore) generation(ctx context.Context, walletID int64) (int64, error) {
	gen, err := s.rdb.Get(ctx, genKey(walletID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (s *CachedStore) bump(ctx context.Context, walletID int64) {
	s.rdb.Incr(ctx, genKey(walletID))
}

func genKey(walletID int64) string { return fmt.Sprintf("pnl:%d:gen", walletID) }

func aggregateKey(walletID, gen int64, kind string, from, to time.Time) string {
	return fmt.Sprintf("pnl:%d:%d:%s:%s:%s", walletID, gen, kind, keyTime(from), keyTime(to))
}

func keyTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
