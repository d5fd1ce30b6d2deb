package timer

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
	"pgregory.net/rapid"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type SchedulerSuite struct {
	suite.Suite

	clock    *clockwork.FakeClock
	reporter *network.Recorder
	sched    *Scheduler
}

func (s *SchedulerSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(t0)
	s.reporter = &network.Recorder{}
	s.sched = NewScheduler(WithClock(s.clock), WithReporter(s.reporter))
}

func (s *SchedulerSuite) TestInvalidInterval() {
	_, err := s.sched.ScheduleRepeating(0, func(ID, time.Time) error { return nil })
	s.ErrorIs(err, merr.ErrTimerInvalidInterval)
	_, err = s.sched.ScheduleOnce(-time.Second, func(ID, time.Time) error { return nil })
	s.ErrorIs(err, merr.ErrTimerInvalidInterval)
	_, err = s.sched.ScheduleOnce(time.Second, nil)
	s.ErrorIs(err, merr.ErrParameterMissing)
	s.Equal(0, s.sched.Len())

	id, err := s.sched.ScheduleOnce(time.Second, func(ID, time.Time) error { return nil })
	s.NoError(err)
	s.Equal(ID(1), id)
}

func (s *SchedulerSuite) TestIDsAreMonotonic() {
	var prev ID
	for i := 0; i < 10; i++ {
		id, err := s.sched.ScheduleOnce(time.Second, func(ID, time.Time) error { return nil })
		s.Require().NoError(err)
		s.Greater(id, prev)
		prev = id
		s.sched.Cancel(id)
	}
}

func (s *SchedulerSuite) TestRepeatingEverySecond() {
	var fired []time.Time
	id, err := s.sched.ScheduleRepeating(time.Second, func(_ ID, at time.Time) error {
		fired = append(fired, at)
		return nil
	})
	s.Require().NoError(err)

	for i := 1; i <= 3; i++ {
		s.Equal(1, s.sched.Tick(t0.Add(time.Duration(i)*time.Second)))
	}
	s.Equal([]time.Time{t0.Add(time.Second), t0.Add(2 * time.Second), t0.Add(3 * time.Second)}, fired)

	next, ok := s.sched.NextFire(id)
	s.True(ok)
	s.Equal(t0.Add(4*time.Second), next)
}

func (s *SchedulerSuite) TestMissedFiringsCoalesce() {
	const interval = time.Second
	calls := 0
	id, err := s.sched.ScheduleRepeating(interval, func(ID, time.Time) error {
		calls++
		return nil
	})
	s.Require().NoError(err)

	s.Equal(0, s.sched.Tick(t0.Add(interval-time.Millisecond)))
	s.Equal(0, calls)

	s.Equal(1, s.sched.Tick(t0.Add(interval)))
	s.Equal(1, calls)

	s.Equal(1, s.sched.Tick(t0.Add(interval+5*interval)))
	s.Equal(2, calls)

	next, _ := s.sched.NextFire(id)
	s.True(next.After(t0.Add(6 * interval)))
}

func (s *SchedulerSuite) TestLongGapCatchUpIsConstant() {
	calls := 0
	id, err := s.sched.ScheduleRepeating(time.Microsecond, func(ID, time.Time) error {
		calls++
		return nil
	})
	s.Require().NoError(err)

	now := t0.Add(time.Hour)
	start := time.Now()
	s.Equal(1, s.sched.Tick(now))
	s.Less(time.Since(start), time.Second)
	s.Equal(1, calls)

	next, ok := s.sched.NextFire(id)
	s.True(ok)
	s.Equal(now.Add(time.Microsecond), next)
}

func (s *SchedulerSuite) TestOnceFiresOnce() {
	calls := 0
	id, err := s.sched.ScheduleOnce(time.Second, func(ID, time.Time) error {
		calls++
		return nil
	})
	s.Require().NoError(err)

	for i := 1; i <= 5; i++ {
		s.sched.Tick(t0.Add(time.Duration(i) * time.Second))
	}
	s.Equal(1, calls)
	s.Equal(0, s.sched.Len())
	s.False(s.sched.Cancel(id))
	s.False(s.sched.Cancel(id))

	_, ok := s.sched.NextFire(id)
	s.False(ok)
}

func (s *SchedulerSuite) TestCancel() {
	calls := 0
	id, err := s.sched.ScheduleRepeating(time.Second, func(ID, time.Time) error {
		calls++
		return nil
	})
	s.Require().NoError(err)

	s.True(s.sched.Cancel(id))
	s.False(s.sched.Cancel(id))
	s.False(s.sched.Cancel(ID(999)))
	s.Equal(0, s.sched.Tick(t0.Add(10*time.Second)))
	s.Equal(0, calls)
}

func (s *SchedulerSuite) TestCancelWithinSameTick() {
	var order []ID
	var second ID
	_, err := s.sched.ScheduleOnce(time.Second, func(id ID, _ time.Time) error {
		order = append(order, id)
		s.True(s.sched.Cancel(second))
		return nil
	})
	s.Require().NoError(err)
	second, err = s.sched.ScheduleOnce(time.Second, func(id ID, _ time.Time) error {
		order = append(order, id)
		return nil
	})
	s.Require().NoError(err)

	s.Equal(1, s.sched.Tick(t0.Add(time.Second)))
	s.Equal([]ID{1}, order)
}

func (s *SchedulerSuite) TestFailureIsIsolated() {
	var calls []ID
	record := func(id ID) { calls = append(calls, id) }

	_, err := s.sched.ScheduleRepeating(time.Second, func(id ID, _ time.Time) error {
		record(id)
		return assert.AnError
	})
	s.Require().NoError(err)
	_, err = s.sched.ScheduleRepeating(time.Second, func(id ID, _ time.Time) error {
		record(id)
		panic("boom")
	})
	s.Require().NoError(err)
	_, err = s.sched.ScheduleRepeating(time.Second, func(id ID, _ time.Time) error {
		record(id)
		return nil
	})
	s.Require().NoError(err)

	s.Equal(3, s.sched.Tick(t0.Add(time.Second)))
	s.Equal([]ID{1, 2, 3}, calls)
	s.Equal(3, s.sched.Len())

	events := s.reporter.Events()
	s.Require().Len(events, 2)
	s.Equal(network.StageTimer, events[0].Stage)
	s.Equal(uint64(1), events[0].TimerID)
	s.Equal(uint64(2), events[1].TimerID)
	s.Equal(2, s.reporter.Count(merr.ErrTimerCallbackFailed))

	s.Equal(3, s.sched.Tick(t0.Add(2*time.Second)))
}

func (s *SchedulerSuite) TestScheduleFromCallback() {
	var inner atomic.Int32
	_, err := s.sched.ScheduleOnce(time.Second, func(ID, time.Time) error {
		_, err := s.sched.ScheduleOnce(time.Second, func(ID, time.Time) error {
			inner.Inc()
			return nil
		})
		return err
	})
	s.Require().NoError(err)

	s.Equal(1, s.sched.Tick(t0.Add(time.Second)))
	s.Equal(1, s.sched.Len())
	s.Equal(1, s.sched.Tick(t0.Add(2*time.Second)))
	s.EqualValues(1, inner.Load())
}

func (s *SchedulerSuite) TestCancelAll() {
	for i := 0; i < 3; i++ {
		_, err := s.sched.ScheduleRepeating(time.Second, func(ID, time.Time) error { return nil })
		s.Require().NoError(err)
	}
	s.Equal(3, s.sched.CancelAll())
	s.Equal(0, s.sched.Len())
	s.Equal(0, s.sched.Tick(t0.Add(time.Hour)))

	id, err := s.sched.ScheduleOnce(time.Second, func(ID, time.Time) error { return nil })
	s.NoError(err)
	s.Equal(ID(4), id)
}

func (s *SchedulerSuite) TestRun() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	_, err := s.sched.ScheduleRepeating(time.Second, func(ID, time.Time) error {
		calls.Inc()
		return nil
	})
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() { done <- s.sched.Run(ctx, 100*time.Millisecond) }()

	s.Require().NoError(s.clock.BlockUntilContext(ctx, 1))
	s.Eventually(func() bool {
		s.clock.Advance(100 * time.Millisecond)
		return calls.Load() >= 1
	}, time.Second, time.Millisecond)

	cancel()
	s.NoError(<-done)

	s.ErrorIs(s.sched.Run(context.Background(), 0), merr.ErrTimerInvalidInterval)
}

func TestScheduler(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

// 单次 tick 内的触发顺序总是 (next_fire, id) 升序。
func TestNextAfterKeepsPhase(t *testing.T) {
	cases := []struct {
		name     string
		next     time.Time
		interval time.Duration
		now      time.Time
		want     time.Time
	}{
		{"exactly_due", t0, time.Second, t0, t0.Add(time.Second)},
		{"between_slots", t0, time.Second, t0.Add(2500 * time.Millisecond), t0.Add(3 * time.Second)},
		{"on_slot", t0, time.Second, t0.Add(3 * time.Second), t0.Add(4 * time.Second)},
		{"huge_gap", t0, time.Nanosecond, t0.Add(24 * time.Hour), t0.Add(24*time.Hour + time.Nanosecond)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, nextAfter(c.next, c.interval, c.now))
		})
	}
}

func TestTickOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := clockwork.NewFakeClockAt(t0)
		sched := NewScheduler(WithClock(clock))

		type want struct {
			next time.Time
			id   ID
		}
		var expected []want
		var got []ID

		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			interval := time.Duration(rapid.IntRange(1, 5).Draw(t, "interval")) * time.Second
			repeating := rapid.Bool().Draw(t, "repeating")
			cb := func(id ID, _ time.Time) error {
				got = append(got, id)
				return nil
			}
			var id ID
			var err error
			if repeating {
				id, err = sched.ScheduleRepeating(interval, cb)
			} else {
				id, err = sched.ScheduleOnce(interval, cb)
			}
			require.NoError(t, err)
			expected = append(expected, want{next: t0.Add(interval), id: id})
		}

		sort.Slice(expected, func(i, j int) bool {
			if expected[i].next.Equal(expected[j].next) {
				return expected[i].id < expected[j].id
			}
			return expected[i].next.Before(expected[j].next)
		})
		ids := make([]ID, 0, len(expected))
		for _, w := range expected {
			ids = append(ids, w.id)
		}

		fired := sched.Tick(t0.Add(time.Duration(rapid.IntRange(5, 100).Draw(t, "lag")) * time.Second))
		assert.Equal(t, n, fired)
		assert.Equal(t, ids, got)
	})
}

// 任意停滞时长之后，重复定时器在一次 tick 中最多触发一次，且下一次到期严格晚于 now。
func TestCoalescing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := clockwork.NewFakeClockAt(t0)
		sched := NewScheduler(WithClock(clock))
		interval := time.Duration(rapid.IntRange(1, 1000).Draw(t, "interval")) * time.Millisecond

		calls := 0
		id, err := sched.ScheduleRepeating(interval, func(ID, time.Time) error {
			calls++
			return nil
		})
		require.NoError(t, err)

		now := t0
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.IntRange(0, 10_000).Draw(t, "advance")) * time.Millisecond)
			before := calls
			sched.Tick(now)
			assert.LessOrEqual(t, calls-before, 1)

			next, ok := sched.NextFire(id)
			require.True(t, ok)
			assert.True(t, next.After(now))
		}
	})
}

func TestConcurrentScheduleAndTick(t *testing.T) {
	sched := NewScheduler(WithClock(clockwork.NewFakeClockAt(t0)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id, _ := sched.ScheduleOnce(time.Second, func(ID, time.Time) error { return nil })
				if j%2 == 0 {
					sched.Cancel(id)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sched.Tick(t0.Add(time.Duration(j) * time.Millisecond))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, sched.Tick(t0.Add(time.Second)))
	assert.Equal(t, 0, sched.Len())
}
