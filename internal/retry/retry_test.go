package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingPolicy(p Policy) (Policy, *[]time.Duration) {
	var waits []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return p, &waits
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()
	p, waits := recordingPolicy(Policy{MaxAttempts: 4, InitDelay: time.Second, MaxDelay: time.Minute, Strategy: Exponential})

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
}

func TestDo_ReturnsLastError(t *testing.T) {
	t.Parallel()
	p, waits := recordingPolicy(Policy{MaxAttempts: 3, InitDelay: time.Millisecond})

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.EqualError(t, err, "down")
	assert.Equal(t, 3, calls)
	assert.Len(t, *waits, 2, "no sleep after the final attempt")
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()
	p, waits := recordingPolicy(Policy{MaxAttempts: 5, InitDelay: time.Millisecond})
	base := errors.New("404")

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(base)
	})
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestDo_ZeroValueRunsOnce(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := DefaultPolicy().Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDelay_Strategies(t *testing.T) {
	t.Parallel()

	exp := Policy{InitDelay: 100 * time.Millisecond, MaxDelay: time.Second, Strategy: Exponential}
	assert.Equal(t, 100*time.Millisecond, exp.Delay(0))
	assert.Equal(t, 400*time.Millisecond, exp.Delay(2))
	assert.Equal(t, time.Second, exp.Delay(10), "capped")
	assert.Equal(t, time.Second, exp.Delay(1000), "no overflow for large attempts")

	lin := Policy{InitDelay: time.Second, MaxDelay: 10 * time.Second, Strategy: Linear}
	assert.Equal(t, 3*time.Second, lin.Delay(2))

	con := Policy{InitDelay: time.Second, Strategy: Constant}
	assert.Equal(t, time.Second, con.Delay(7))
}

func TestDelay_JitterStaysWithinBand(t *testing.T) {
	t.Parallel()
	p := Policy{InitDelay: time.Second, MaxDelay: time.Minute, Strategy: Constant, Jitter: true}
	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestSleep_HonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{InitDelay: time.Hour, Strategy: Constant}
	assert.ErrorIs(t, p.Sleep(ctx, 0), context.Canceled)
}
