package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

func gauge(t *testing.T, name string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, stateGauge.WithLabelValues(name).Write(&m))
	return m.GetGauge().GetValue()
}

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New("test_opens", 3, time.Minute, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errDown)
	}
	assert.Equal(t, StateClosed, b.State())

	require.ErrorIs(t, b.Do(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	var called bool
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "test_opens")
	assert.False(t, called)

	assert.Equal(t, float64(StateOpen), gauge(t, "test_opens"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := New("test_reset", 2, time.Minute)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, ok))
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateClosed, b.State(), "failures must be consecutive")
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New("test_trial", 1, time.Minute, WithClock(clock))
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(59 * time.Second)
	require.ErrorIs(t, b.Do(ctx, ok), ErrOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Failed trial reopens for a full cooldown.
	require.ErrorIs(t, b.Do(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(30 * time.Second)
	require.ErrorIs(t, b.Do(ctx, ok), ErrOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, float64(StateClosed), gauge(t, "test_trial"))
}

func TestBreaker_SingleTrialInFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New("test_single_trial", 1, time.Second, WithClock(clock))
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.ErrorIs(t, b.Do(ctx, ok), ErrOpen)
	close(release)
	require.Eventually(t, func() bool { return b.State() == StateClosed }, time.Second, time.Millisecond)
}

func TestBreaker_FailureFilter(t *testing.T) {
	errBadInput := errors.New("bad input")
	b := New("test_filter", 1, time.Minute, WithFailureFilter(func(err error) bool {
		return !errors.Is(err, errBadInput)
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return errBadInput }), errBadInput)
	}
	assert.Equal(t, StateClosed, b.State())

	require.ErrorIs(t, b.Do(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancelledCallerNotCounted(t *testing.T) {
	b := New("test_cancel", 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New("test_concurrent", 1000, time.Minute)
	ctx := context.Background()
	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Do(ctx, func(context.Context) error {
				calls.Add(1)
				if i%2 == 0 {
					return errDown
				}
				return nil
			})
			_ = b.State()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(50), calls.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
