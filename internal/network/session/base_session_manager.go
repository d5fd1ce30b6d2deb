package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// BaseSessionManager 提供了基于内存 map 的 SessionManager 实现。
//
// 特性：
//   - 使用读写锁保护会话索引，回调与投递都在锁外执行；
//   - Range/Broadcast 在遍历前复制一份会话切片，避免在持锁情况下执行用户回调；
//   - 回调中的 panic 会被恢复并上报，不影响状态迁移。
type BaseSessionManager struct {
	log.Binder

	ctx context.Context

	mu       sync.RWMutex
	sessions map[uint64]*baseSession

	cbMu      sync.RWMutex
	onOpen    OpenCallback
	onClose   CloseCallback
	transport Transport

	reporter network.Reporter
}

// 确保 BaseSessionManager 实现了 SessionManager 接口。
var _ SessionManager = (*BaseSessionManager)(nil)

// Option 用于配置 BaseSessionManager。
type Option func(m *BaseSessionManager)

// WithTransport 设置传输层。
func WithTransport(t Transport) Option {
	return func(m *BaseSessionManager) { m.transport = t }
}

// WithReporter 设置异常事件上报器，nil 保持默认的 NopReporter。
func WithReporter(r network.Reporter) Option {
	return func(m *BaseSessionManager) {
		if r != nil {
			m.reporter = r
		}
	}
}

// WithContext 设置所有会话上下文的父上下文。
func WithContext(ctx context.Context) Option {
	return func(m *BaseSessionManager) { m.ctx = ctx }
}

// NewBaseSessionManager 创建一个空的 BaseSessionManager。
func NewBaseSessionManager(opts ...Option) *BaseSessionManager {
	m := &BaseSessionManager{
		ctx:      context.Background(),
		sessions: make(map[uint64]*baseSession),
		reporter: network.NopReporter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open 实现 SessionManager.Open。
func (m *BaseSessionManager) Open(id uint64) (Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, merr.WrapErrSessionAlreadyExists(id)
	}
	sess := newBaseSession(m.ctx, id, m)
	m.sessions[id] = sess
	m.mu.Unlock()

	metrics.SessionOpened.Inc()
	metrics.ActiveSessions.Inc()
	m.Logger().Debug("session opened", log.FieldSessionID(id))

	m.cbMu.RLock()
	cb := m.onOpen
	m.cbMu.RUnlock()
	if cb != nil {
		m.safeCall(id, func() { cb(sess) })
	}
	return sess, nil
}

// Close 实现 SessionManager.Close。
func (m *BaseSessionManager) Close(id uint64, reason CloseReason) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !sess.beginClose() {
		return nil
	}

	m.cbMu.RLock()
	cb, transport := m.onClose, m.transport
	m.cbMu.RUnlock()

	if transport != nil {
		transport.Disconnect(id, reason)
	}
	sess.finishClose()
	if cb != nil {
		m.safeCall(id, func() { cb(sess, reason) })
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.SessionClosed.WithLabelValues(reason.String()).Inc()
	m.Logger().Debug("session closed", log.FieldSessionID(id), zap.Stringer("reason", reason))
	return nil
}

// Send 实现 SessionManager.Send。
func (m *BaseSessionManager) Send(id uint64, env envelope.Envelope) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		// 已移除的会话与未知 ID 一样视为非活跃。
		return m.dropSend(id, env, merr.WrapErrSessionInactive(id, StateClosed))
	}

	m.cbMu.RLock()
	transport := m.transport
	m.cbMu.RUnlock()

	state, err := sess.deliver(func() error {
		if transport == nil {
			return merr.WrapErrTransportUnavailable("session: transport not set")
		}
		return transport.Deliver(id, env)
	})
	if state != StateOpen {
		return m.dropSend(id, env, merr.WrapErrSessionInactive(id, state))
	}
	if err != nil {
		return m.dropSend(id, env, err)
	}
	metrics.MessageSent.WithLabelValues(metrics.SuccessLabel).Inc()
	return nil
}

func (m *BaseSessionManager) dropSend(id uint64, env envelope.Envelope, err error) error {
	metrics.MessageSent.WithLabelValues(metrics.DropLabel).Inc()
	m.reporter.Report(network.Event{
		Stage:     network.StageSend,
		SessionID: id,
		TypeName:  env.TypeName(),
		Err:       err,
	})
	return err
}

// Exec 实现 SessionManager.Exec。
func (m *BaseSessionManager) Exec(id uint64, fn func(sess Session) error) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return merr.WrapErrSessionNotFound(id)
	}

	sess.dispatchMu.Lock()
	defer sess.dispatchMu.Unlock()

	if state := sess.State(); state != StateOpen {
		return merr.WrapErrSessionInactive(id, state)
	}
	return fn(sess)
}

// Get 实现 SessionManager.Get。
func (m *BaseSessionManager) Get(id uint64) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return sess, true
}

// Range 实现 SessionManager.Range。
func (m *BaseSessionManager) Range(fn func(sess Session) bool) {
	if fn == nil {
		return
	}
	for _, sess := range m.snapshot() {
		if !fn(sess) {
			return
		}
	}
}

func (m *BaseSessionManager) snapshot() []*baseSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*baseSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Count 实现 SessionManager.Count。
func (m *BaseSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Broadcast 实现 SessionManager.Broadcast。
func (m *BaseSessionManager) Broadcast(env envelope.Envelope) int {
	n := 0
	for _, sess := range m.snapshot() {
		if sess.State() != StateOpen {
			continue
		}
		if m.Send(sess.id, env) == nil {
			n++
		}
	}
	return n
}

// CloseAll 实现 SessionManager.CloseAll。
func (m *BaseSessionManager) CloseAll(reason CloseReason) {
	for _, sess := range m.snapshot() {
		_ = m.Close(sess.id, reason)
	}
}

// SetOpenCallback 实现 SessionManager.SetOpenCallback。
func (m *BaseSessionManager) SetOpenCallback(cb OpenCallback) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	replaced := m.onOpen != nil
	m.onOpen = cb
	return replaced
}

// SetCloseCallback 实现 SessionManager.SetCloseCallback。
func (m *BaseSessionManager) SetCloseCallback(cb CloseCallback) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	replaced := m.onClose != nil
	m.onClose = cb
	return replaced
}

// SetTransport 实现 SessionManager.SetTransport。
func (m *BaseSessionManager) SetTransport(t Transport) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.transport = t
}

// SetReporter 替换异常事件上报器，nil 表示丢弃。应在启动阶段调用。
func (m *BaseSessionManager) SetReporter(r network.Reporter) {
	if r == nil {
		r = network.NopReporter{}
	}
	m.reporter = r
}

func (m *BaseSessionManager) safeCall(id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger().Error("session callback panic", log.FieldSessionID(id),
				zap.Any("recover", r), zap.ByteString("stack", debug.Stack()))
			m.reporter.Report(network.Event{
				Stage:     network.StageSession,
				SessionID: id,
				Err:       merr.WrapErrServiceInternal(fmt.Sprint(r), "session callback panic"),
			})
		}
	}()
	fn()
}
