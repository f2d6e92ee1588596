package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
)

type fakeRegistry struct {
	mu       sync.Mutex
	accounts storage.Accounts
	err      error
	calls    int

	lockAcquired bool
	lockErr      error
	lockCalls    int
	unlocked     int
}

func (f *fakeRegistry) ListAccounts(ctx context.Context) (storage.Accounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts, nil
}

func (f *fakeRegistry) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.lockCalls++
	if f.lockErr != nil {
		return nil, false, f.lockErr
	}
	if !f.lockAcquired {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

type recordingJob struct {
	name    string
	run     func(ctx context.Context, cycle Cycle) error
	calls   atomic.Int32
	lastCyc atomic.Value
}

func (j *recordingJob) Name() string { return j.name }

func (j *recordingJob) Run(ctx context.Context, cycle Cycle) error {
	j.calls.Add(1)
	j.lastCyc.Store(cycle)
	if j.run != nil {
		return j.run(ctx, cycle)
	}
	return nil
}

var minuteBoundary = time.Date(2024, 3, 5, 10, 7, 0, 0, time.UTC)

func TestRunCycleJoinsAllJobs(t *testing.T) {
	registry := &fakeRegistry{accounts: storage.Accounts{"acc": 7}}

	release := make(chan struct{})
	var finished atomic.Int32
	slow := &recordingJob{name: "slow", run: func(ctx context.Context, cycle Cycle) error {
		<-release
		finished.Add(1)
		return nil
	}}
	fast := &recordingJob{name: "fast", run: func(ctx context.Context, cycle Cycle) error {
		close(release)
		finished.Add(1)
		return nil
	}}

	svc := New(nil, registry, []Job{slow, fast}, Options{}, zerolog.Nop(), telemetry.Nop())
	svc.RunCycle(context.Background(), minuteBoundary, []string{"1m"})

	assert.Equal(t, int32(2), finished.Load())
	cycle := slow.lastCyc.Load().(Cycle)
	assert.Equal(t, int64(7), cycle.Accounts["acc"])
	assert.Equal(t, minuteBoundary, cycle.At)
}

func TestRunCycleIsolatesJobFailures(t *testing.T) {
	registry := &fakeRegistry{accounts: storage.Accounts{}}
	failing := &recordingJob{name: "failing", run: func(ctx context.Context, cycle Cycle) error {
		return errors.New("store unavailable")
	}}
	panicking := &recordingJob{name: "panicking", run: func(ctx context.Context, cycle Cycle) error {
		panic("nil map")
	}}
	healthy := &recordingJob{name: "healthy"}

	svc := New(nil, registry, []Job{failing, panicking, healthy}, Options{}, zerolog.Nop(), telemetry.Nop())
	require.NotPanics(t, func() {
		svc.RunCycle(context.Background(), minuteBoundary, []string{"1m"})
	})
	assert.Equal(t, int32(1), healthy.calls.Load())
}

func TestRefreshKeepsLastKnownAccounts(t *testing.T) {
	registry := &fakeRegistry{accounts: storage.Accounts{"acc": 7}}
	job := &recordingJob{name: "job"}
	svc := New(nil, registry, []Job{job}, Options{}, zerolog.Nop(), telemetry.Nop())

	svc.RunCycle(context.Background(), minuteBoundary, []string{"1m"})
	registry.err = errors.New("timeout")
	svc.RunCycle(context.Background(), minuteBoundary.Add(time.Minute), []string{"1m"})

	cycle := job.lastCyc.Load().(Cycle)
	assert.Equal(t, int64(7), cycle.Accounts["acc"])
	assert.Equal(t, 2, registry.calls)
}

func TestProcessTickHonoursAdvisoryLock(t *testing.T) {
	registry := &fakeRegistry{accounts: storage.Accounts{}}
	job := &recordingJob{name: "job"}
	svc := New(nil, registry, []Job{job}, Options{AdvisoryLockKey: 99}, zerolog.Nop(), telemetry.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), minuteBoundary))
	assert.Equal(t, int32(0), job.calls.Load(), "lock held elsewhere must skip the cycle")

	registry.lockAcquired = true
	require.NoError(t, svc.ProcessTick(context.Background(), minuteBoundary))
	assert.Equal(t, int32(1), job.calls.Load())
	assert.Equal(t, 1, registry.unlocked)
}

func TestProcessTickReportsLockFailure(t *testing.T) {
	registry := &fakeRegistry{lockErr: errors.New("connection reset")}
	job := &recordingJob{name: "job"}
	var buf bytes.Buffer
	reporter, err := telemetry.NewReporter(nil, zerolog.New(&buf))
	require.NoError(t, err)
	svc := New(nil, registry, []Job{job}, Options{AdvisoryLockKey: 99}, zerolog.Nop(), reporter)

	require.Error(t, svc.ProcessTick(context.Background(), minuteBoundary))
	assert.Equal(t, int32(0), job.calls.Load())
	assert.Contains(t, buf.String(), `"source":"service.lock"`)
	assert.Contains(t, buf.String(), "connection reset")
}

func TestProcessTickSkipsOffMinute(t *testing.T) {
	registry := &fakeRegistry{}
	job := &recordingJob{name: "job"}
	svc := New(nil, registry, []Job{job}, Options{}, zerolog.Nop(), telemetry.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), minuteBoundary.Add(30*time.Second)))
	assert.Equal(t, int32(0), job.calls.Load())
	assert.Equal(t, 0, registry.calls)
}

func TestProcessTickDetachesFromShutdown(t *testing.T) {
	registry := &fakeRegistry{accounts: storage.Accounts{}}
	var sawCancel atomic.Bool
	job := &recordingJob{name: "job", run: func(ctx context.Context, cycle Cycle) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}}
	svc := New(nil, registry, []Job{job}, Options{}, zerolog.Nop(), telemetry.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, svc.ProcessTick(ctx, minuteBoundary))
	assert.False(t, sawCancel.Load())
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(nil, nil, nil, Options{}, zerolog.Nop(), telemetry.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
