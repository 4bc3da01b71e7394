package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalFromRate(t *testing.T) {
	tests := []struct {
		rps  float64
		want time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, time.Second},
		{2, 500 * time.Millisecond},
		{0.5, 2 * time.Second},
		{4, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, New(tt.rps).Interval(), "rps=%g", tt.rps)
	}
}

func TestBypassRunsImmediately(t *testing.T) {
	l := New(0)

	start := time.Now()
	v, err := Enqueue(l, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestMinimumIntervalBetweenStarts(t *testing.T) {
	// Fake clock: sleeping advances time instead of blocking, so the test
	// observes the exact waits the drain loop computes.
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	var sleeps []time.Duration

	l := New(10, WithClock(
		func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			sleeps = append(sleeps, d)
			now = now.Add(d)
		},
	))

	for i := 0; i < 3; i++ {
		_, err := Enqueue(l, func() (struct{}, error) { return struct{}{}, nil })
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	// First op starts without waiting; each subsequent op waits out the full
	// 100ms interval (no wall time passed between starts on the fake clock).
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, sleeps)
}

func TestSubmissionOrderAndSpacing(t *testing.T) {
	const n = 5
	interval := 50 * time.Millisecond
	l := New(1000.0 / 50.0) // 20 rps -> 50ms interval

	var mu sync.Mutex
	var order []int
	var starts []time.Time

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Enqueue(l, func() (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				starts = append(starts, time.Now())
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}(i)
		// Stagger submissions well inside the drain interval so queue order
		// matches launch order.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	for i := 1; i < n; i++ {
		gap := starts[i].Sub(starts[i-1])
		// Scheduler jitter tolerance.
		assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond,
			"gap between start %d and %d", i-1, i)
	}
}

func TestOperationErrorDoesNotHaltQueue(t *testing.T) {
	l := New(100)

	boom := errors.New("boom")
	_, err := Enqueue(l, func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	v, err := Enqueue(l, func() (string, error) { return "still running", nil })
	require.NoError(t, err)
	assert.Equal(t, "still running", v)
}
