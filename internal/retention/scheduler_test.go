package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"kobopay/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := logger.Init("development"); err != nil {
		panic(err)
	}
}

type fakeNonces struct {
	calls []time.Time
	err   error
}

func (f *fakeNonces) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	f.calls = append(f.calls, now)
	return 3, f.err
}

type fakeMemory struct {
	cutoffs []time.Time
	err     error
}

func (f *fakeMemory) Prune(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 10, 2, f.err
}

type fakeConflicts struct {
	cutoffs []time.Time
	err     error
}

func (f *fakeConflicts) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, f.err
}

func TestRunOnce_UsesConfiguredCutoffs(t *testing.T) {
	now := time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC)
	nonces := &fakeNonces{}
	memory := &fakeMemory{}
	conflicts := &fakeConflicts{}

	s := NewScheduler(nonces, memory, conflicts, clock.NewTestClock(now), Config{
		MessageRetention:  30 * 24 * time.Hour,
		ConflictRetention: 90 * 24 * time.Hour,
	})

	require.NoError(t, s.RunOnce(context.Background()))

	require.Len(t, nonces.calls, 1)
	assert.Equal(t, now, nonces.calls[0])
	require.Len(t, memory.cutoffs, 1)
	assert.Equal(t, now.AddDate(0, 0, -30), memory.cutoffs[0])
	require.Len(t, conflicts.cutoffs, 1)
	assert.Equal(t, now.AddDate(0, 0, -90), conflicts.cutoffs[0])
}

func TestRunOnce_OneFailureDoesNotStopOthers(t *testing.T) {
	nonces := &fakeNonces{err: errors.New("db down")}
	memory := &fakeMemory{}
	conflicts := &fakeConflicts{}

	s := NewScheduler(nonces, memory, conflicts, clock.NewTestClock(time.Now()), Config{})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, memory.cutoffs, 1, "prune still ran")
	assert.Len(t, conflicts.cutoffs, 1, "conflict cleanup still ran")
}

func TestRunOnce_IsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC)
	s := NewScheduler(&fakeNonces{}, &fakeMemory{}, &fakeConflicts{}, clock.NewTestClock(now), Config{})

	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))
}

func TestNextRun(t *testing.T) {
	s := NewScheduler(&fakeNonces{}, &fakeMemory{}, &fakeConflicts{}, clock.NewTestClock(time.Now()), Config{
		RunHour:   2,
		RunMinute: 0,
	})

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before today's run",
			now:  time.Date(2024, 6, 15, 1, 30, 0, 0, time.UTC),
			want: time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at the run time rolls to tomorrow",
			now:  time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC),
			want: time.Date(2024, 6, 16, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "after today's run",
			now:  time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC),
			want: time.Date(2024, 6, 16, 2, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.nextRun(tt.now))
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := NewScheduler(&fakeNonces{}, &fakeMemory{}, &fakeConflicts{}, clock.NewDefaultClock(), Config{RunHour: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
