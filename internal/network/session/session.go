package session

import (
	"context"
	"sync"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
)

// State 为会话状态，只会按 Open -> Closing -> Closed 单向迁移。
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason 为会话关闭原因。
type CloseReason int32

const (
	ReasonNormal CloseReason = iota
	ReasonPeerClosed
	ReasonTimeout
	ReasonKicked
	ReasonShutdown
	ReasonTransportError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonPeerClosed:
		return "peer_closed"
	case ReasonTimeout:
		return "timeout"
	case ReasonKicked:
		return "kicked"
	case ReasonShutdown:
		return "shutdown"
	case ReasonTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Session 抽象了一条逻辑上的持久连接。
//
// 约定：
//   - Session ID 使用 64 位无符号整型，由传输层分配，同一时刻活跃的会话之间不会重复；
//   - Session 归 SessionManager 所有，Handler 拿到的只是借用引用，不应在调用结束后持有；
//     需要异步使用时保存 ID，再通过 SessionManager.Get 重新查找。
type Session interface {
	// ID 返回会话的唯一标识，在会话生命周期内不变。
	ID() uint64

	// State 返回会话当前状态。
	State() State

	// Context 返回与该会话关联的上下文，会话开始关闭时被取消。
	Context() context.Context

	// Send 向该会话发送一条消息，等价于 SessionManager.Send(ID(), env)。
	Send(env envelope.Envelope) error

	// Close 关闭该会话，等价于 SessionManager.Close(ID(), reason)。
	Close(reason CloseReason) error

	// Values 返回会话级的属性存储。
	Values() *Values
}

// Values 是并发安全的会话属性存储。
type Values struct {
	mu sync.RWMutex
	m  map[string]any
}

func (v *Values) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

func (v *Values) Set(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil {
		v.m = make(map[string]any)
	}
	v.m[key] = val
}

func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
}

// Update 在持锁状态下读取并替换 key 对应的值，fn 返回 false 时删除该 key。
func (v *Values) Update(key string, fn func(old any, ok bool) (any, bool)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	old, ok := v.m[key]
	val, keep := fn(old, ok)
	if !keep {
		delete(v.m, key)
		return
	}
	if v.m == nil {
		v.m = make(map[string]any)
	}
	v.m[key] = val
}

// Keys 返回当前所有 key。
func (v *Values) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	return keys
}
