// Package ingest drives sync and recompute runs for a wallet: fetch,
// normalize, store, aggregate, and record the outcome on a persisted run.
//
// A run always reaches a terminal state. Mutual exclusion between runs of
// the same wallet is enforced by the store, never by process memory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/aggregate"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/metrics"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/normalize"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/source"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/store"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/trace"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/wallet"
)

var (
	// ErrWalletNotFound is returned when a recompute or read targets a
	// wallet no sync has created yet.
	ErrWalletNotFound = errors.New("ingest: wallet not found")
	// ErrRunInProgress is returned when the wallet already has a running run.
	ErrRunInProgress = store.ErrRunInProgress
	// ErrAllFetchesFailed fails a sync when neither fills nor funding could
	// be fetched.
	ErrAllFetchesFailed = errors.New("ingest: fills and funding fetches both failed")
)

// Run lifecycle notifications.
const (
	EventRunStarted  = "run_started"
	EventRunProgress = "run_progress"
	EventRunFinished = "run_finished"
)

// Source fetches upstream records over [start, end).
type Source interface {
	FetchFills(ctx context.Context, user string, start, end time.Time) ([]source.Fill, error)
	FetchFunding(ctx context.Context, user string, start, end time.Time) ([]source.Funding, error)
}

// Notifier receives a snapshot of the run at each lifecycle step.
type Notifier interface {
	Notify(event string, run model.Run)
}

type Config struct {
	// HistoryStart bounds the first sync of a wallet and every full sync.
	HistoryStart time.Time
	// Overlap is re-fetched before the newest stored record on incremental syncs.
	Overlap time.Duration
	// RunTimeout bounds one run end to end; 0 disables it.
	RunTimeout time.Duration
	// StaleAfter marks a running run as abandoned; 0 disables takeover.
	StaleAfter time.Duration
	PageSize   int
}

type SyncOptions struct {
	// Full re-fetches from HistoryStart and rebuilds every aggregate.
	Full bool
}

type Service struct {
	store    store.Store
	source   Source
	engine   *aggregate.Engine
	cfg      Config
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewService wires the orchestrator. notifier may be nil.
func NewService(st store.Store, src Source, engine *aggregate.Engine, cfg Config, notifier Notifier, logger *zap.Logger) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = store.DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		source:   src,
		engine:   engine,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

type runBody func(ctx context.Context, w *model.Wallet, run *model.Run) error

// Sync runs a sync for address to completion and returns the terminal run.
// Errors are returned only when no run could be started: an invalid
// address, a run already in progress, or a store failure.
func (s *Service) Sync(ctx context.Context, address string, opts SyncOptions) (*model.Run, error) {
	w, run, repair, err := s.beginSync(ctx, address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.runContext(ctx)
	defer cancel()
	s.execute(ctx, w, run, s.syncBody(opts, repair))
	return run, nil
}

// StartSync creates the run and executes it in the background. The
// returned run is the running snapshot.
func (s *Service) StartSync(ctx context.Context, address string, opts SyncOptions) (*model.Run, error) {
	w, run, repair, err := s.beginSync(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.detach(ctx, w, run, s.syncBody(opts, repair)), nil
}

// Recompute re-derives the wallet's canonical events from its raw records
// and rebuilds every aggregate.
func (s *Service) Recompute(ctx context.Context, address string) (*model.Run, error) {
	w, run, err := s.beginRecompute(ctx, address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.runContext(ctx)
	defer cancel()
	s.execute(ctx, w, run, s.recompute)
	return run, nil
}

func (s *Service) StartRecompute(ctx context.Context, address string) (*model.Run, error) {
	w, run, err := s.beginRecompute(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.detach(ctx, w, run, s.recompute), nil
}

// LatestRun returns the newest run for address; kind "" matches any kind.
func (s *Service) LatestRun(ctx context.Context, address, kind string) (*model.Run, error) {
	w, err := s.lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.store.GetLatestRun(ctx, w.ID, kind)
}

func (s *Service) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return s.store.GetRun(ctx, id)
}

// Wait blocks until every background run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// beginSync also reports whether the wallet's previous run did not
// complete. Its writes may have stopped between the ledger and the
// aggregates, so the new sync repairs the whole wallet.
func (s *Service) beginSync(ctx context.Context, address string) (*model.Wallet, *model.Run, bool, error) {
	addr, err := wallet.Parse(address)
	if err != nil {
		return nil, nil, false, err
	}
	w, err := s.store.EnsureWallet(ctx, addr)
	if err != nil {
		return nil, nil, false, fmt.Errorf("ensure wallet: %w", err)
	}
	repair := false
	prev, err := s.store.GetLatestRun(ctx, w.ID, "")
	switch {
	case err == nil:
		repair = prev.Status != model.RunStatusCompleted
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, false, fmt.Errorf("latest run: %w", err)
	}
	run, err := s.begin(ctx, w, model.RunKindSync)
	if err != nil {
		return nil, nil, false, err
	}
	return w, run, repair, nil
}

func (s *Service) beginRecompute(ctx context.Context, address string) (*model.Wallet, *model.Run, error) {
	w, err := s.lookup(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	run, err := s.begin(ctx, w, model.RunKindRecompute)
	if err != nil {
		return nil, nil, err
	}
	return w, run, nil
}

func (s *Service) lookup(ctx context.Context, address string) (*model.Wallet, error) {
	addr, err := wallet.Parse(address)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWalletByAddress(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", addr, ErrWalletNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// begin takes over an abandoned run if there is one, then creates the new
// run. The store rejects a second running run for the wallet.
func (s *Service) begin(ctx context.Context, w *model.Wallet, kind string) (*model.Run, error) {
	if err := s.reapStale(ctx, w); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:        uuid.NewString(),
		WalletID:  w.ID,
		Wallet:    w.Address,
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			return nil, fmt.Errorf("wallet %s: %w", w.Address, ErrRunInProgress)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("kind", kind),
		zap.String("wallet", wallet.Short(w.Address)),
	)
	s.notify(EventRunStarted, run)
	return run, nil
}

func (s *Service) reapStale(ctx context.Context, w *model.Wallet) error {
	if s.cfg.StaleAfter <= 0 {
		return nil
	}
	active, err := s.store.GetActiveRun(ctx, w.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get active run: %w", err)
	}

	now := s.now().UTC()
	age := now.Sub(active.StartedAt)
	if age <= s.cfg.StaleAfter {
		return nil
	}

	msg := fmt.Sprintf("abandoned: still running after %s", age.Truncate(time.Second))
	active.Status = model.RunStatusFailed
	active.ErrorMessage = &msg
	active.FinishedAt = &now
	if err := s.store.UpdateRun(ctx, active); err != nil {
		if errors.Is(err, store.ErrRunFinished) {
			return nil
		}
		return fmt.Errorf("fail stale run %s: %w", active.ID, err)
	}
	metrics.RunsTotal.WithLabelValues(active.Kind, model.RunStatusFailed).Inc()
	s.logger.Warn("stale run taken over",
		zap.String("run_id", active.ID),
		zap.String("wallet", wallet.Short(w.Address)),
		zap.Duration("age", age),
	)
	return nil
}

func (s *Service) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// detach executes body on its own goroutine, outliving the caller's
// request context.
func (s *Service) detach(ctx context.Context, w *model.Wallet, run *model.Run, body runBody) *model.Run {
	snapshot := *run
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.runContext(context.WithoutCancel(ctx))
		defer cancel()
		s.execute(ctx, w, run, body)
	}()
	return &snapshot
}

// execute runs body and records the terminal state, including when body
// panics.
func (s *Service) execute(ctx context.Context, w *model.Wallet, run *model.Run, body runBody) {
	start := s.now()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	ctx, span := trace.StartSpan(ctx, "ingest."+run.Kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("wallet", w.Address),
	)

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			s.logger.Error("run panicked",
				zap.String("run_id", run.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.finish(ctx, run, err, start)
	}()

	err = body(ctx, w, run)
}

func (s *Service) finish(ctx context.Context, run *model.Run, runErr error, start time.Time) {
	now := s.now().UTC()
	run.FinishedAt = &now
	run.Status = model.RunStatusCompleted
	if runErr != nil {
		run.Status = model.RunStatusFailed
		msg := runErr.Error()
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage + "; " + msg
		}
		run.ErrorMessage = &msg
	}

	// The run's own context may already be done; the terminal write must
	// still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := s.store.UpdateRun(writeCtx, run)
	switch {
	case errors.Is(err, store.ErrRunFinished):
		// Taken over as stale while still working; the stored outcome stands.
		s.logger.Warn("run outcome discarded, run was taken over",
			zap.String("run_id", run.ID),
			zap.String("status", run.Status),
		)
		if stored, getErr := s.store.GetRun(writeCtx, run.ID); getErr == nil {
			*run = *stored
		}
		s.notify(EventRunFinished, run)
		return
	case err != nil:
		s.logger.Error("failed to record run outcome",
			zap.String("run_id", run.ID),
			zap.String("status", run.Status),
			zap.Error(err),
		)
	}

	metrics.RunsTotal.WithLabelValues(run.Kind, run.Status).Inc()
	metrics.RunDuration.WithLabelValues(run.Kind).Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("kind", run.Kind),
		zap.String("wallet", wallet.Short(run.Wallet)),
		zap.String("status", run.Status),
		zap.Int("fills", run.FillsIngested),
		zap.Int("funding", run.FundingIngested),
		zap.Int("events", run.EventsIngested),
		zap.Int("days_affected", run.DaysAffected),
		zap.Int("days_recomputed", run.DaysRecomputed),
	}
	if runErr != nil {
		s.logger.Error("run failed", append(fields, zap.Error(runErr))...)
	} else {
		s.logger.Info("run completed", fields...)
	}
	s.notify(EventRunFinished, run)
}

func (s *Service) notify(event string, run *model.Run) {
	if s.notifier != nil {
		s.notifier.Notify(event, *run)
	}
}

func (s *Service) syncBody(opts SyncOptions, repair bool) runBody {
	return func(ctx context.Context, w *model.Wallet, run *model.Run) error {
		return s.sync(ctx, w, run, opts, repair)
	}
}

func (s *Service) sync(ctx context.Context, w *model.Wallet, run *model.Run, opts SyncOptions, repair bool) error {
	fillsFrom, err := s.since(ctx, w.ID, model.SourceFill, opts.Full)
	if err != nil {
		return err
	}
	fundingFrom, err := s.since(ctx, w.ID, model.SourceFunding, opts.Full)
	if err != nil {
		return err
	}
	end := s.now().UTC()

	// Each fetch is its own failure domain, so neither goroutine returns
	// an error to the group.
	var (
		fills      []source.Fill
		funding    []source.Funding
		fillsErr   error
		fundingErr error
		g          errgroup.Group
	)
	g.Go(func() error {
		defer recoverFetch(&fillsErr)
		fills, fillsErr = s.source.FetchFills(ctx, w.Address, fillsFrom, end)
		return nil
	})
	g.Go(func() error {
		defer recoverFetch(&fundingErr)
		funding, fundingErr = s.source.FetchFunding(ctx, w.Address, fundingFrom, end)
		return nil
	})
	_ = g.Wait()

	run.FillsStatus = fetchStatus(fillsErr)
	run.FundingStatus = fetchStatus(fundingErr)
	if fillsErr != nil && fundingErr != nil {
		return fmt.Errorf("%w: fills: %v; funding: %v", ErrAllFetchesFailed, fillsErr, fundingErr)
	}

	var degraded []string
	if fillsErr != nil {
		degraded = append(degraded, "fills fetch: "+fillsErr.Error())
		s.logger.Warn("fills fetch failed", zap.String("run_id", run.ID), zap.Error(fillsErr))
	}
	if fundingErr != nil {
		degraded = append(degraded, "funding fetch: "+fundingErr.Error())
		s.logger.Warn("funding fetch failed", zap.String("run_id", run.ID), zap.Error(fundingErr))
	}
	if len(degraded) > 0 {
		msg := strings.Join(degraded, "; ")
		run.ErrorMessage = &msg
	}

	// Every fetched record flows through to its canonical event and its
	// day, whether or not its raw row is new to the ledger.
	raws := make([]model.RawEvent, 0, len(fills)+len(funding))
	events := make([]model.EconomicEvent, 0, len(fills)+len(funding))
	days := make([]time.Time, 0, len(fills)+len(funding))
	for _, f := range fills {
		raw, ev := normalize.Fill(w.ID, f)
		raws = append(raws, raw)
		events = append(events, ev)
		days = append(days, ev.Day)
	}
	for _, f := range funding {
		raw, ev := normalize.Funding(w.ID, f)
		raws = append(raws, raw)
		events = append(events, ev)
		days = append(days, ev.Day)
	}

	inserted, err := s.store.InsertRawEvents(ctx, raws)
	if err != nil {
		return fmt.Errorf("insert raw events: %w", err)
	}
	for _, r := range inserted {
		switch r.SourceType {
		case model.SourceFill:
			run.FillsIngested++
		case model.SourceFunding:
			run.FundingIngested++
		}
	}
	metrics.EventsIngested.WithLabelValues(model.SourceFill).Add(float64(run.FillsIngested))
	metrics.EventsIngested.WithLabelValues(model.SourceFunding).Add(float64(run.FundingIngested))

	n, err := s.store.InsertEconomicEvents(ctx, events)
	if err != nil {
		return fmt.Errorf("insert economic events: %w", err)
	}
	run.EventsIngested = n

	if repair {
		s.logger.Info("previous run did not complete, re-deriving ledger",
			zap.String("run_id", run.ID),
			zap.String("wallet", wallet.Short(w.Address)),
		)
		derived, err := s.derive(ctx, w, run)
		if err != nil {
			return err
		}
		n, err := s.store.InsertEconomicEvents(ctx, derived)
		if err != nil {
			return fmt.Errorf("insert economic events: %w", err)
		}
		run.EventsIngested += n
	}
	s.notify(EventRunProgress, run)

	var res aggregate.Result
	switch {
	case opts.Full || repair:
		res, err = s.engine.Rebuild(ctx, w.ID)
	case len(days) > 0:
		res, err = s.engine.RebuildDays(ctx, w.ID, days)
	}
	if err != nil {
		return fmt.Errorf("rebuild aggregates: %w", err)
	}
	run.DaysAffected = res.DaysAffected
	run.DaysRecomputed = res.DaysProcessed
	return nil
}

// since returns where a fetch of sourceType should start: the newest
// stored record minus the overlap, never before HistoryStart.
func (s *Service) since(ctx context.Context, walletID int64, sourceType string, full bool) (time.Time, error) {
	if full {
		return s.cfg.HistoryStart, nil
	}
	latest, ok, err := s.store.LatestRawEventTime(ctx, walletID, sourceType)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest %s time: %w", sourceType, err)
	}
	if !ok {
		return s.cfg.HistoryStart, nil
	}
	from := latest.Add(-s.cfg.Overlap)
	if from.Before(s.cfg.HistoryStart) {
		from = s.cfg.HistoryStart
	}
	return from, nil
}

func (s *Service) recompute(ctx context.Context, w *model.Wallet, run *model.Run) error {
	events, err := s.derive(ctx, w, run)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceEconomicEvents(ctx, w.ID, events); err != nil {
		return fmt.Errorf("replace economic events: %w", err)
	}
	run.EventsIngested = len(events)
	s.notify(EventRunProgress, run)

	res, err := s.engine.Rebuild(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("rebuild aggregates: %w", err)
	}
	run.DaysAffected = res.DaysAffected
	run.DaysRecomputed = res.DaysProcessed
	return nil
}

// derive re-normalizes every stored raw record of the wallet. Records
// that no longer parse are skipped and counted on the run.
func (s *Service) derive(ctx context.Context, w *model.Wallet, run *model.Run) ([]model.EconomicEvent, error) {
	var (
		events  []model.EconomicEvent
		skipped int
	)
	page := store.Page{Limit: s.cfg.PageSize}
	for {
		raws, err := s.store.ListRawEvents(ctx, w.ID, page)
		if err != nil {
			return nil, fmt.Errorf("list raw events: %w", err)
		}
		for _, r := range raws {
			ev, err := normalize.FromRaw(r)
			if err != nil {
				skipped++
				s.logger.Warn("raw event not re-derivable",
					zap.String("run_id", run.ID),
					zap.String("unique_key", r.UniqueKey),
					zap.Error(err),
				)
				continue
			}
			events = append(events, ev)
		}
		if len(raws) < page.Limit {
			break
		}
		page.AfterID = raws[len(raws)-1].ID
	}

	if skipped > 0 {
		msg := fmt.Sprintf("%d raw events could not be re-derived", skipped)
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage + "; " + msg
		}
		run.ErrorMessage = &msg
	}
	return events, nil
}

// recoverFetch turns a panic inside a fetch goroutine into that fetch's
// error; the run's own recover cannot see other goroutines.
func recoverFetch(errp *error) {
	if p := recover(); p != nil {
		*errp = fmt.Errorf("fetch panicked: %v", p)
	}
}

func fetchStatus(err error) string {
	switch {
	case err == nil:
		return model.FetchOK
	case errors.Is(err, source.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.FetchTimeout
	default:
		return model.FetchFailed
	}
}
