package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/poolmgr/internal/engine"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

type fakeExecutor struct {
	mu        sync.Mutex
	snapCalls []string
	nonCalls  []string
	snapErr   error
}

func (f *fakeExecutor) ExecuteSnapRAIDOperation(ctx context.Context, id string, op parity.SnapRAIDOp, fixDisks []string) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.snapCalls = append(f.snapCalls, id+":"+string(op))

	return engine.Result{Success: f.snapErr == nil}, f.snapErr
}

func (f *fakeExecutor) ExecuteNonRaidParityOperation(ctx context.Context, id string, op parity.NonRaidOp) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nonCalls = append(f.nonCalls, id+":"+string(op))

	return engine.Result{Success: true}, nil
}

func (f *fakeExecutor) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.snapCalls), len(f.nonCalls)
}

func newTestStore(t *testing.T, pools []manifest.Pool) *manifest.Store {
	t.Helper()

	store := manifest.New(filepath.Join(t.TempDir(), "pools.json"), nil)
	_, err := store.Mutate(func([]manifest.Pool) ([]manifest.Pool, error) { return pools, nil })
	require.NoError(t, err)

	return store
}

func TestReloadSkipsPoolsWithoutSchedule(t *testing.T) {
	store := newTestStore(t, []manifest.Pool{
		{ID: "1", Name: "cache", Type: "mergerfs", Config: map[string]any{}},
	})
	exec := &fakeExecutor{}
	r := New(store, exec, logrus.New())

	require.NoError(t, r.Reload(context.Background()))
	defer r.Stop()

	snapN, nonN := exec.calls()
	assert.Zero(t, snapN)
	assert.Zero(t, nonN)
}

func TestReloadInvokesSnapRAIDSyncOnSchedule(t *testing.T) {
	store := newTestStore(t, []manifest.Pool{
		{
			ID: "1", Name: "cache", Type: "mergerfs",
			Config: map[string]any{
				"sync": map[string]any{"enabled": true, "schedule": "* * * * *"},
			},
		},
	})
	exec := &fakeExecutor{}
	r := New(store, exec, logrus.New())

	require.NoError(t, r.Reload(context.Background()))
	defer r.Stop()

	r.mu.Lock()
	entries := r.cron.Entries()
	r.mu.Unlock()
	require.Len(t, entries, 1)

	entries[0].Job.Run()

	snapN, _ := exec.calls()
	assert.Equal(t, 1, snapN)
}

func TestReloadSkipsMalformedScheduleWithoutFailing(t *testing.T) {
	store := newTestStore(t, []manifest.Pool{
		{
			ID: "1", Name: "cache", Type: "mergerfs",
			Config: map[string]any{
				"sync": map[string]any{"enabled": true, "schedule": "not a cron expr"},
			},
		},
	})
	exec := &fakeExecutor{}
	r := New(store, exec, logrus.New())

	require.NoError(t, r.Reload(context.Background()))
	defer r.Stop()

	r.mu.Lock()
	entries := r.cron.Entries()
	r.mu.Unlock()
	assert.Empty(t, entries)
}

func TestRunSnapRAIDLogsPreconditionWithoutPanicking(t *testing.T) {
	exec := &fakeExecutor{snapErr: poolerr.Precondition("sync already running")}
	r := New(nil, exec, logrus.New())

	r.runSnapRAID(context.Background(), manifest.Pool{ID: "1", Name: "cache"}, parity.OpSync)

	snapN, _ := exec.calls()
	assert.Equal(t, 1, snapN)
}

func TestStopWithoutReloadDoesNotBlock(t *testing.T) {
	r := New(nil, &fakeExecutor{}, logrus.New())

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with no scheduler loaded")
	}
}
