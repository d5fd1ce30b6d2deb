package timer

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Scheduler 独占所有定时器状态：以 ID 为索引的表加上按到期时间排序的堆。
//
// 外部只持有 ID 用于取消。所有方法并发安全；回调在锁外执行，
// 回调中可以安全地调用 Schedule* 与 Cancel。
type Scheduler struct {
	log.Binder

	clock    clockwork.Clock
	reporter network.Reporter

	// tickMu 保证 Tick 串行执行。
	tickMu sync.Mutex

	mu     sync.Mutex
	lastID ID
	timers map[ID]*entry
	queue  timerHeap
}

// Option 用于配置 Scheduler。
type Option func(s *Scheduler)

// WithClock 设置时钟源，默认使用真实时钟。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithReporter 设置回调失败的上报器。
func WithReporter(r network.Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// NewScheduler 创建一个空的调度器。
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clockwork.NewRealClock(),
		reporter: network.NopReporter{},
		timers:   make(map[ID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock 返回调度器使用的时钟。
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// ScheduleOnce 创建一个在 interval 之后触发一次的定时器。
func (s *Scheduler) ScheduleOnce(interval time.Duration, cb Callback) (ID, error) {
	return s.schedule(KindOnce, interval, cb)
}

// ScheduleRepeating 创建一个每隔 interval 触发一次的定时器，首次触发在创建后 interval。
func (s *Scheduler) ScheduleRepeating(interval time.Duration, cb Callback) (ID, error) {
	return s.schedule(KindRepeating, interval, cb)
}

func (s *Scheduler) schedule(kind Kind, interval time.Duration, cb Callback) (ID, error) {
	if interval <= 0 {
		return 0, merr.WrapErrTimerInvalidInterval(interval)
	}
	if cb == nil {
		return 0, merr.WrapErrParameterMissing("callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	e := &entry{
		id:       s.lastID,
		kind:     kind,
		interval: interval,
		next:     s.clock.Now().Add(interval),
		cb:       cb,
	}
	s.timers[e.id] = e
	heap.Push(&s.queue, e)
	metrics.ActiveTimers.Set(float64(len(s.timers)))
	return e.id, nil
}

// Cancel 取消定时器。
//
// 对已触发的一次性定时器、已取消或未知的 ID 调用是空操作，返回 false。
func (s *Scheduler) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(s.timers, id)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	metrics.ActiveTimers.Set(float64(len(s.timers)))
	return true
}

// CancelAll 取消所有定时器，返回取消的数量。
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.timers)
	for _, e := range s.timers {
		e.cancelled = true
		e.index = -1
	}
	s.timers = make(map[ID]*entry)
	s.queue = nil
	metrics.ActiveTimers.Set(0)
	return n
}

// Len 返回尚未触发或取消的定时器数量。
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextFire 返回定时器下一次的到期时间。
func (s *Scheduler) NextFire(id ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Tick 触发所有 next_fire <= now 的定时器，返回实际执行的回调数。
//
// 触发顺序为 next_fire 升序，相同则按 ID 升序。重复定时器的 next_fire 直接跳到
// now 之后的下一个相位点，因此时钟源停滞后恢复只会触发一次，不会补发错过的次数。
// 同一 tick 中先执行的回调取消了后面的定时器时，后者不再触发。
func (s *Scheduler) Tick(now time.Time) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	due := s.collect(now)
	fired := 0
	for _, e := range due {
		if !s.claim(e) {
			continue
		}
		fired++
		s.fire(e, now)
	}
	return fired
}

// collect 弹出所有到期的定时器，重复定时器在此时重新入堆。
func (s *Scheduler) collect(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		due = append(due, e)
		if e.kind == KindRepeating {
			e.next = nextAfter(e.next, e.interval, now)
			heap.Push(&s.queue, e)
		}
	}
	return due
}

// nextAfter 返回 next 之后第一个严格晚于 now 的触发时刻，保持原有相位。
// 要求 next 不晚于 now 且 interval 为正。
func nextAfter(next time.Time, interval time.Duration, now time.Time) time.Time {
	missed := now.Sub(next)/interval + 1
	return next.Add(missed * interval)
}

// claim 在触发前确认定时器未被取消；一次性定时器在此时移出表。
func (s *Scheduler) claim(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.cancelled {
		return false
	}
	if e.kind == KindOnce {
		delete(s.timers, e.id)
		metrics.ActiveTimers.Set(float64(len(s.timers)))
	}
	return true
}

func (s *Scheduler) fire(e *entry, now time.Time) {
	err := safeCall(e, now)
	if err == nil {
		metrics.TimerFired.WithLabelValues(e.kind.String(), metrics.SuccessLabel).Inc()
		return
	}
	metrics.TimerFired.WithLabelValues(e.kind.String(), metrics.FailLabel).Inc()
	s.reporter.Report(network.Event{
		Stage:   network.StageTimer,
		TimerID: uint64(e.id),
		Err:     merr.WrapErrTimerCallbackFailed(e.id, err),
	})
}

func safeCall(e *entry, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("timer callback panic", log.FieldTimerID(uint64(e.id)),
				zap.Any("recover", r), zap.ByteString("stack", debug.Stack()))
			err = errors.Newf("panic: %s", fmt.Sprint(r))
		}
	}()
	return e.cb(e.id, now)
}

// Run 以固定分辨率驱动 Tick，阻塞直至 ctx 取消。
func (s *Scheduler) Run(ctx context.Context, resolution time.Duration) error {
	if resolution <= 0 {
		return merr.WrapErrTimerInvalidInterval(resolution, "tick resolution")
	}

	ticker := s.clock.NewTicker(resolution)
	defer ticker.Stop()

	s.Logger().Info("timer scheduler started", zap.Duration("resolution", resolution))
	defer s.Logger().Info("timer scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			s.Tick(now)
		}
	}
}
