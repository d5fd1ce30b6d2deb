package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Attempts(5), Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReachesMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.Newf("attempt %d", calls)
	}, Attempts(4), Sleep(time.Millisecond))
	assert.EqualError(t, err, "attempt 4")
	assert.Equal(t, 4, calls)
}

func TestDoUnrecoverable(t *testing.T) {
	cause := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Unrecoverable(cause)
	}, Attempts(5), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, calls)
	assert.True(t, IsRecoverable(cause))
}

func TestDoRetryErr(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls == 2 {
			return fatal
		}
		return errors.New("transient")
	}, Attempts(5), Sleep(time.Millisecond), RetryErr(func(err error) bool {
		return !errors.Is(err, fatal)
	}))
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestDoContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	last := errors.New("still failing")
	calls := 0
	err = Do(ctx, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return last
	}, Attempts(0), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 2, calls)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = Do(ctx, func() error { return last }, Attempts(10), Sleep(time.Second))
	assert.ErrorIs(t, err, last)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOptions(t *testing.T) {
	c := newDefaultConfig()
	Sleep(5 * time.Second)(c)
	assert.Equal(t, 5*time.Second, c.maxSleepTime)
	MaxSleepTime(time.Second)(c)
	assert.Equal(t, 5*time.Second, c.maxSleepTime)
	MaxSleepTime(10 * time.Second)(c)
	assert.Equal(t, 10*time.Second, c.maxSleepTime)
}
