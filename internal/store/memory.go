package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	nextID    int64
	wallets   map[string]*model.Wallet
	addresses map[int64]string

	raw     []model.RawEvent
	rawKeys map[int64]map[string]bool

	events    []model.EconomicEvent
	eventKeys map[int64]map[string]bool

	daily   map[int64]map[time.Time]model.DailyPnl
	monthly map[int64]map[time.Time]model.MonthlyPnl
	trades  map[int64][]model.ClosedTrade
	equity  map[int64][]model.EquityCurvePoint

	runs     map[string]*model.Run
	runOrder []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		addresses: make(map[int64]string),
		rawKeys:   make(map[int64]map[string]bool),
		eventKeys: make(map[int64]map[string]bool),
		daily:     make(map[int64]map[time.Time]model.DailyPnl),
		monthly:   make(map[int64]map[time.Time]model.MonthlyPnl),
		trades:    make(map[int64][]model.ClosedTrade),
		equity:    make(map[int64][]model.EquityCurvePoint),
		runs:      make(map[string]*model.Run),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// --- Wallets ---

func (s *MemoryStore) EnsureWallet(_ context.Context, address string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[address]; ok {
		cp := *w
		return &cp, nil
	}
	w := &model.Wallet{ID: s.id(), Address: address, CreatedAt: time.Now().UTC()}
	s.wallets[address] = w
	s.addresses[w.ID] = address
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWalletByAddress(_ context.Context, address string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[address]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", address, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

// --- Ledger ---

func (s *MemoryStore) InsertRawEvents(_ context.Context, events []model.RawEvent) ([]model.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []model.RawEvent
	for _, e := range events {
		keys := s.rawKeys[e.WalletID]
		if keys == nil {
			keys = make(map[string]bool)
			s.rawKeys[e.WalletID] = keys
		}
		if keys[e.UniqueKey] {
			continue
		}
		keys[e.UniqueKey] = true
		e.ID = s.id()
		e.Payload = append([]byte(nil), e.Payload...)
		s.raw = append(s.raw, e)
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func (s *MemoryStore) ListRawEvents(_ context.Context, walletID int64, page Page) ([]model.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RawEvent
	for _, e := range s.raw {
		if e.WalletID != walletID || e.ID <= page.AfterID {
			continue
		}
		out = append(out, e)
		if len(out) == page.limit() {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestRawEventTime(_ context.Context, walletID int64, sourceType string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	found := false
	for _, e := range s.raw {
		if e.WalletID == walletID && e.SourceType == sourceType && (!found || e.Ts.After(latest)) {
			latest = e.Ts
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) InsertEconomicEvents(_ context.Context, events []model.EconomicEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range events {
		if s.insertEventLocked(e) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) insertEventLocked(e model.EconomicEvent) bool {
	keys := s.eventKeys[e.WalletID]
	if keys == nil {
		keys = make(map[string]bool)
		s.eventKeys[e.WalletID] = keys
	}
	if keys[e.DedupeKey] {
		return false
	}
	keys[e.DedupeKey] = true
	e.ID = s.id()
	e.Meta = copyMeta(e.Meta)
	s.events = append(s.events, e)
	return true
}

func (s *MemoryStore) ReplaceEconomicEvents(_ context.Context, walletID int64, events []model.EconomicEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if e.WalletID != walletID {
			kept = append(kept, e)
		}
	}
	s.events = kept
	delete(s.eventKeys, walletID)

	for _, e := range events {
		e.WalletID = walletID
		s.insertEventLocked(e)
	}
	return nil
}

func (s *MemoryStore) ListEventDays(_ context.Context, walletID int64) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[time.Time]bool)
	var days []time.Time
	for _, e := range s.events {
		if e.WalletID == walletID && !seen[e.Day] {
			seen[e.Day] = true
			days = append(days, e.Day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (s *MemoryStore) ListEventsByDay(_ context.Context, walletID int64, day time.Time, page Page) ([]model.EconomicEvent, error) {
	day = model.DayOf(day)
	return s.listEvents(func(e model.EconomicEvent) bool {
		return e.WalletID == walletID && e.Day.Equal(day)
	}, page), nil
}

func (s *MemoryStore) ListEventsInRange(_ context.Context, walletID int64, filter EventFilter, page Page) ([]model.EconomicEvent, error) {
	types := make(map[string]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}
	return s.listEvents(func(e model.EconomicEvent) bool {
		if e.WalletID != walletID || !inRange(e.Ts, filter.From, filter.To) {
			return false
		}
		return len(types) == 0 || types[e.EventType]
	}, page), nil
}

// listEvents walks events in id order, which is insertion order.
func (s *MemoryStore) listEvents(match func(model.EconomicEvent) bool, page Page) []model.EconomicEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.EconomicEvent
	for _, e := range s.events {
		if e.ID <= page.AfterID || !match(e) {
			continue
		}
		e.Meta = copyMeta(e.Meta)
		out = append(out, e)
		if len(out) == page.limit() {
			break
		}
	}
	return out
}

// --- Aggregates ---

func (s *MemoryStore) DeleteAggregates(_ context.Context, walletID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.daily, walletID)
	delete(s.monthly, walletID)
	return nil
}

func (s *MemoryStore) UpsertDailyPnl(_ context.Context, rows []model.DailyPnl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		m := s.daily[r.WalletID]
		if m == nil {
			m = make(map[time.Time]model.DailyPnl)
			s.daily[r.WalletID] = m
		}
		r.Day = model.DayOf(r.Day)
		m[r.Day] = r
	}
	return nil
}

func (s *MemoryStore) ListDailyPnl(_ context.Context, walletID int64, from, to time.Time) ([]model.DailyPnl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DailyPnl
	for day, r := range s.daily[walletID] {
		if inRange(day, from, to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *MemoryStore) UpsertMonthlyPnl(_ context.Context, rows []model.MonthlyPnl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		m := s.monthly[r.WalletID]
		if m == nil {
			m = make(map[time.Time]model.MonthlyPnl)
			s.monthly[r.WalletID] = m
		}
		r.Month = model.MonthOf(r.Month)
		m[r.Month] = r
	}
	return nil
}

func (s *MemoryStore) ListMonthlyPnl(_ context.Context, walletID int64, from, to time.Time) ([]model.MonthlyPnl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MonthlyPnl
	for month, r := range s.monthly[walletID] {
		if inRange(month, from, to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}

func (s *MemoryStore) ReplaceClosedTrades(_ context.Context, walletID int64, trades []model.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[walletID] = append([]model.ClosedTrade(nil), trades...)
	return nil
}

func (s *MemoryStore) ListClosedTrades(_ context.Context, walletID int64, from, to time.Time) ([]model.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ClosedTrade
	for _, t := range s.trades[walletID] {
		if inRange(t.ExitTime, from, to) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out, nil
}

func (s *MemoryStore) CountClosedTrades(ctx context.Context, walletID int64, from, to time.Time) (int, error) {
	trades, err := s.ListClosedTrades(ctx, walletID, from, to)
	return len(trades), err
}

func (s *MemoryStore) ReplaceEquityCurve(_ context.Context, walletID int64, points []model.EquityCurvePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.equity[walletID] = append([]model.EquityCurvePoint(nil), points...)
	return nil
}

func (s *MemoryStore) ListEquityCurve(_ context.Context, walletID int64, from, to time.Time) ([]model.EquityCurvePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.EquityCurvePoint
	for _, p := range s.equity[walletID] {
		if inRange(p.Day, from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.Status == model.RunStatusRunning {
		for _, r := range s.runs {
			if r.WalletID == run.WalletID && r.Status == model.RunStatusRunning {
				return fmt.Errorf("wallet %d run %s: %w", run.WalletID, r.ID, ErrRunInProgress)
			}
		}
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	cp.Wallet = s.addresses[run.WalletID]
	s.runs[run.ID] = &cp
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	if stored.Status != model.RunStatusRunning {
		return fmt.Errorf("run %s is %s: %w", run.ID, stored.Status, ErrRunFinished)
	}
	cp := *run
	cp.Wallet = s.addresses[run.WalletID]
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetLatestRun(_ context.Context, walletID int64, kind string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Run
	for _, id := range s.runOrder {
		r := s.runs[id]
		if r.WalletID != walletID || (kind != "" && r.Kind != kind) {
			continue
		}
		if latest == nil || !r.StartedAt.Before(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest run for wallet %d: %w", walletID, ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GetActiveRun(_ context.Context, walletID int64) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.runOrder {
		r := s.runs[id]
		if r.WalletID == walletID && r.Status == model.RunStatusRunning {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active run for wallet %d: %w", walletID, ErrNotFound)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
