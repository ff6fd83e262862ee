package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/ingest"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

type fakeSyncer struct {
	mu     sync.Mutex
	synced []string
	errs   map[string]error
}

func (f *fakeSyncer) Sync(_ context.Context, address string, _ ingest.SyncOptions) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, address)
	if err := f.errs[address]; err != nil {
		return nil, err
	}
	return &model.Run{ID: "run-" + address, Status: model.RunStatusCompleted}, nil
}

func TestSyncWallets_ContinuesPastErrors(t *testing.T) {
	f := &fakeSyncer{errs: map[string]error{
		"0xa": ingest.ErrRunInProgress,
		"0xb": errors.New("db down"),
	}}
	job := SyncWallets(f, []string{"0xa", "0xb", "0xc"}, zap.NewNop())
	job(context.Background())
	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, f.synced)
}

func TestSyncWallets_StopsOnCancel(t *testing.T) {
	f := &fakeSyncer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	SyncWallets(f, []string{"0xa"}, nil)(ctx)
	assert.Empty(t, f.synced)
}

func TestRunner_Add(t *testing.T) {
	r := New(context.Background(), zap.NewNop())
	_, err := r.Add("not a cron schedule", func(context.Context) {})
	assert.Error(t, err)

	var calls atomic.Int32
	_, err = r.Add("* * * * * *", func(ctx context.Context) {
		if ctx != nil {
			calls.Add(1)
		}
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
