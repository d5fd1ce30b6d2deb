// Package timer 实现由离散 tick 驱动的定时器调度。
//
// 调度器不为每个定时器启动 goroutine，而是在外部时钟源调用 Tick(now) 时
// 按 next_fire 升序（相同则按 ID 升序）触发所有到期的定时器，
// 因此回调语义相对驱动时钟是确定的。
package timer

import (
	"container/heap"
	"time"
)

// ID 为定时器标识，进程内单调递增且不复用。
type ID uint64

// Kind 区分一次性与重复定时器。
type Kind int32

const (
	KindOnce Kind = iota
	KindRepeating
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindRepeating:
		return "repeating"
	default:
		return "unknown"
	}
}

// Callback 为定时器回调，at 为触发该次回调的 tick 时间。
//
// 返回的错误会被上报，但不会影响同一 tick 中其它定时器，也不会取消该定时器。
type Callback func(id ID, at time.Time) error

type entry struct {
	id       ID
	kind     Kind
	interval time.Duration
	next     time.Time
	cb       Callback

	// index 为在堆中的下标，-1 表示不在堆中。
	index     int
	cancelled bool
}

// timerHeap 以 (next, id) 为序的最小堆。
type timerHeap []*entry

var _ heap.Interface = (*timerHeap)(nil)

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].id < h[j].id
	}
	return h[i].next.Before(h[j].next)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
