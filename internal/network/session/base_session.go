package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
)

// baseSession 是 BaseSessionManager 内部使用的 Session 实现。
//
// 锁说明：
//   - stateMu 保证状态迁移相对 Send 是原子的：Send 持读锁检查状态并投递，
//     关闭时持写锁把状态改为 Closing，之后开始的 Send 不会再投递；
//   - dispatchMu 串行化同一会话上的 Handler 调用，保证消息按接收顺序处理。
type baseSession struct {
	id  uint64
	mgr *BaseSessionManager

	stateMu sync.RWMutex
	state   atomic.Int32

	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	values   Values
	openedAt time.Time
}

var _ Session = (*baseSession)(nil)

func newBaseSession(parent context.Context, id uint64, mgr *BaseSessionManager) *baseSession {
	ctx, cancel := context.WithCancel(parent)
	s := &baseSession{
		id:       id,
		mgr:      mgr,
		ctx:      ctx,
		cancel:   cancel,
		openedAt: time.Now(),
	}
	s.state.Store(int32(StateOpen))
	return s
}

func (s *baseSession) ID() uint64 {
	return s.id
}

func (s *baseSession) State() State {
	return State(s.state.Load())
}

func (s *baseSession) Context() context.Context {
	return s.ctx
}

func (s *baseSession) Send(env envelope.Envelope) error {
	return s.mgr.Send(s.id, env)
}

func (s *baseSession) Close(reason CloseReason) error {
	return s.mgr.Close(s.id, reason)
}

func (s *baseSession) Values() *Values {
	return &s.values
}

// beginClose 将状态从 Open 迁移到 Closing，返回 false 表示会话已在关闭中或已关闭。
func (s *baseSession) beginClose() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false
	}
	s.cancel()
	return true
}

func (s *baseSession) finishClose() {
	s.state.Store(int32(StateClosed))
}

// deliver 在持读锁的情况下检查状态并执行 fn。
func (s *baseSession) deliver(fn func() error) (State, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	state := s.State()
	if state != StateOpen {
		return state, nil
	}
	return state, fn()
}
