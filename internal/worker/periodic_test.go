package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-distributor/internal/alert"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingNotifier) Notify(ctx context.Context, subject string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

func (r *recordingNotifier) Close() {}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

var _ alert.Notifier = (*recordingNotifier)(nil)

func TestNewPeriodicWorker_Validation(t *testing.T) {
	job := func(context.Context) error { return nil }

	_, err := NewPeriodicWorker(&PeriodicWorkerConfig{Name: "tick", Interval: time.Second})
	assert.Error(t, err)

	_, err = NewPeriodicWorker(&PeriodicWorkerConfig{Interval: time.Second, Job: job})
	assert.Error(t, err)

	_, err = NewPeriodicWorker(&PeriodicWorkerConfig{Name: "tick", Job: job})
	assert.Error(t, err)

	w, err := NewPeriodicWorker(&PeriodicWorkerConfig{Name: "tick", Interval: time.Second, Job: job})
	require.NoError(t, err)
	assert.Equal(t, "tick", w.Name())
	assert.False(t, w.IsRunning())
}

func TestPeriodicWorker_RunsOnStartAndEveryInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	var runs atomic.Int64
	w, err := NewPeriodicWorker(&PeriodicWorkerConfig{
		Name:       "tick",
		Interval:   5 * time.Minute,
		RunOnStart: true,
		Clock:      clock,
		Job: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second start is rejected")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.IsRunning())
	assert.Error(t, w.Stop(ctx), "stopping a stopped worker fails")

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Runs)
	assert.Zero(t, stats.Failures)
	assert.Empty(t, stats.LastError)
}

func TestPeriodicWorker_FailuresAlertOnceUntilSuccess(t *testing.T) {
	rec := &recordingNotifier{}
	fail := true
	w, err := NewPeriodicWorker(&PeriodicWorkerConfig{
		Name:     "tick",
		Interval: time.Minute,
		Notifier: rec,
		Clock:    clockwork.NewFakeClock(),
		Job: func(context.Context) error {
			if fail {
				return errors.New("ledger unreachable")
			}
			return nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, w.RunOnce(ctx))
	assert.Error(t, w.RunOnce(ctx))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "ledger unreachable", w.Stats().LastError)

	fail = false
	require.NoError(t, w.RunOnce(ctx))

	fail = true
	assert.Error(t, w.RunOnce(ctx))
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, int64(3), w.Stats().Failures)
}

func TestPeriodicWorker_RecoversPanics(t *testing.T) {
	rec := &recordingNotifier{}
	w, err := NewPeriodicWorker(&PeriodicWorkerConfig{
		Name:     "prices",
		Interval: time.Minute,
		Notifier: rec,
		Job: func(context.Context) error {
			var m map[string]int
			m["boom"] = 1
			return nil
		},
	})
	require.NoError(t, err)

	err = w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, int64(1), w.Stats().Failures)
}
