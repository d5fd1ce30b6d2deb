package session

import (
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
)

// Transport 是会话层依赖的传输层能力，由接入层实现。
type Transport interface {
	// Deliver 请求将 env 投递给指定会话，不应阻塞。
	Deliver(id uint64, env envelope.Envelope) error

	// Disconnect 请求断开指定会话的底层连接，需保证幂等。
	Disconnect(id uint64, reason CloseReason)
}

// OpenCallback 在会话打开后被调用。
type OpenCallback func(sess Session)

// CloseCallback 在会话关闭后被调用，此时会话状态已为 Closed。
type CloseCallback func(sess Session, reason CloseReason)

// SessionManager 是活跃会话的权威登记处，也是唯一发生会话状态迁移的地方。
//
// 职责说明：
//   - 传输层通过 Open/Close 通知会话建立与断开；
//   - Handler 通过 Send 回复消息，通过 Exec 获得同一会话内的串行执行；
//   - 进程内只有一个打开回调与一个关闭回调，重复设置时后设置的生效。
type SessionManager interface {
	// Open 创建状态为 Open 的会话并调用打开回调。
	//
	// 当存在相同 ID 的活跃会话时返回 ErrSessionAlreadyExists。
	Open(id uint64) (Session, error)

	// Close 将会话迁移到 Closed，调用关闭回调后移除。
	//
	// 对已关闭或不存在的会话调用是空操作。
	Close(id uint64, reason CloseReason) error

	// Send 将 env 交给传输层投递。
	//
	// 会话不是 Open 时上报 ErrSessionInactive 并丢弃，不做缓冲也不重试。
	Send(id uint64, env envelope.Envelope) error

	// Exec 在会话的串行执行上下文中调用 fn。
	//
	// 会话不存在或不是 Open 时 fn 不会被调用。fn 内不能对同一会话再次调用 Exec。
	Exec(id uint64, fn func(sess Session) error) error

	// Get 根据 session id 查找活跃会话。
	Get(id uint64) (sess Session, ok bool)

	// Range 遍历当前所有会话，fn 返回 false 时中断遍历。
	Range(fn func(sess Session) bool)

	// Count 返回当前会话数量。
	Count() int

	// Broadcast 向所有 Open 会话发送 env，返回成功投递的数量。
	Broadcast(env envelope.Envelope) int

	// CloseAll 以给定原因关闭所有会话。
	CloseAll(reason CloseReason)

	// SetOpenCallback 设置打开回调，返回是否覆盖了已有回调。
	SetOpenCallback(cb OpenCallback) (replaced bool)

	// SetCloseCallback 设置关闭回调，返回是否覆盖了已有回调。
	SetCloseCallback(cb CloseCallback) (replaced bool)

	// SetTransport 设置传输层。
	SetTransport(t Transport)
}
