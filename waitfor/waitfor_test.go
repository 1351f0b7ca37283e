package waitfor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCheckAndSetDefaults(t *testing.T) {
	testCases := []struct {
		description   string
		conf          Config
		expected      Config
		shouldBeError bool
	}{
		{
			description: "zero value gets defaults",
			conf:        Config{},
			expected:    Config{Timeout: defaultTimeout, PollInterval: defaultPollInterval},
		},
		{
			description: "poll equal to timeout",
			conf:        Config{Timeout: time.Second, PollInterval: time.Second},
			expected:    Config{Timeout: time.Second, PollInterval: time.Second},
		},
		{
			description:   "poll longer than timeout",
			conf:          Config{Timeout: time.Second, PollInterval: 2 * time.Second},
			shouldBeError: true,
		},
		{
			description:   "negative timeout",
			conf:          Config{Timeout: -time.Second},
			shouldBeError: true,
		},
		{
			description:   "default poll longer than a short timeout",
			conf:          Config{Timeout: 100 * time.Millisecond},
			shouldBeError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			c, err := tc.conf.CheckAndSetDefaults()
			if (err != nil) != tc.shouldBeError {
				t.Fatalf(
					"unexpected error status: wanted %v but got %v with error %v",
					tc.shouldBeError,
					err != nil,
					err,
				)
			}
			if !tc.shouldBeError {
				assert.Equal(t, tc.expected, c)
			}
		})
	}
}

// The timeout check happens before sleeping. With a one-second timeout and a
// one-second poll, any time already spent means the next sleep would
// overshoot, so the waiter gives up without blocking for the full second.
func TestShouldWaitTimeout(t *testing.T) {
	w, err := New("a mailbox that never fills", Config{
		Timeout:      time.Second,
		PollInterval: time.Second,
	})
	require.NoError(t, err)

	start := time.Now()
	var calls int
	for {
		more, err := w.ShouldWait(context.Background())
		calls++
		if err != nil {
			assert.True(t, errors.Is(err, ErrTimeout))
			var te *TimeoutError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, "a mailbox that never fills", te.Action)
			assert.Equal(t, time.Second, te.Timeout)
			break
		}
		require.True(t, more)
		require.Less(t, calls, 3, "the waiter kept going past its timeout")
	}

	assert.LessOrEqual(t, w.Polls(), 1)
	assert.Less(t, time.Since(start), 1500*time.Millisecond, "the waiter slept past its deadline")
}

func TestShouldWaitStopsBeforeDeadline(t *testing.T) {
	w, err := New("three polls", Config{
		Timeout:      350 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		more, err := w.ShouldWait(context.Background())
		require.NoError(t, err)
		require.True(t, more)
	}
	more, err := w.ShouldWait(context.Background())
	assert.False(t, more)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, w.Polls())
	assert.Less(t, w.Elapsed(), 350*time.Millisecond)
}

func TestShouldWaitSilentTimeout(t *testing.T) {
	w, err := New("silent", Config{
		Timeout:       100 * time.Millisecond,
		PollInterval:  60 * time.Millisecond,
		SilentTimeout: true,
	})
	require.NoError(t, err)

	more, err := w.ShouldWait(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	more, err = w.ShouldWait(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Less(t, w.Elapsed(), 100*time.Millisecond)
}

func TestShouldWaitCancel(t *testing.T) {
	w, err := New("cancelled", Config{
		Timeout:      10 * time.Second,
		PollInterval: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	more, err := w.ShouldWait(ctx)
	assert.False(t, more)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUntil(t *testing.T) {
	conf := Config{
		Timeout:       500 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		SilentTimeout: true,
	}

	t.Run("condition met after a few polls", func(t *testing.T) {
		w, err := New("count reaches 3", conf)
		require.NoError(t, err)
		var n int
		ok, err := Until(context.Background(), w, func(context.Context) (bool, error) {
			n++
			return n == 3, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, w.Polls())
	})

	t.Run("condition met right away", func(t *testing.T) {
		w, err := New("already true", conf)
		require.NoError(t, err)
		ok, err := Until(context.Background(), w, func(context.Context) (bool, error) {
			return true, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, w.Polls())
	})

	t.Run("condition never met", func(t *testing.T) {
		w, err := New("never", conf)
		require.NoError(t, err)
		ok, err := Until(context.Background(), w, func(context.Context) (bool, error) {
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("condition errors", func(t *testing.T) {
		w, err := New("broken", conf)
		require.NoError(t, err)
		boom := errors.New("boom")
		ok, err := Until(context.Background(), w, func(context.Context) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, ok)
	})
}
