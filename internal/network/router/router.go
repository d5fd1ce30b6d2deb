package router

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// unknownTypeLabel 用作未注册类型的指标标签，避免对端输入导致标签基数膨胀。
const unknownTypeLabel = "unknown"

// DocumentHandler 处理结构化文档消息，doc 为 Handler 独占的副本。
type DocumentHandler func(sess session.Session, doc envelope.Document) error

// BinaryHandler 处理二进制扩展消息，msg 已解析为路由声明的具体类型。
type BinaryHandler func(sess session.Session, msg proto.Message) error

// Route 描述一条路由规则：消息类型名 -> 编码方式 + 对应签名的 Handler。
type Route struct {
	// Encoding 为该类型期望的负载编码。
	Encoding envelope.Encoding

	// Document 在 Encoding 为 EncodingDocument 时必填。
	Document DocumentHandler

	// NewMessage 在 Encoding 为 EncodingBinary 时必填，用于创建一个空的请求对象实例，
	// 例如 func() proto.Message { return &wrapperspb.Int64Value{} }。
	NewMessage func() proto.Message

	// Binary 在 Encoding 为 EncodingBinary 时必填。
	Binary BinaryHandler
}

func (r Route) validate(typeName string) error {
	if typeName == "" {
		return merr.WrapErrParameterInvalidMsg("router: type name must not be empty")
	}
	switch r.Encoding {
	case envelope.EncodingDocument:
		if r.Document == nil {
			return merr.WrapErrParameterInvalidMsg("router: document handler is nil for type=%s", typeName)
		}
	case envelope.EncodingBinary:
		if r.NewMessage == nil {
			return merr.WrapErrParameterInvalidMsg("router: NewMessage is nil for type=%s", typeName)
		}
		if r.Binary == nil {
			return merr.WrapErrParameterInvalidMsg("router: binary handler is nil for type=%s", typeName)
		}
	default:
		return merr.WrapErrParameterInvalidMsg("router: invalid encoding %s for type=%s", r.Encoding, typeName)
	}
	return nil
}

// Router 维护消息类型名到路由规则的映射，并负责把 Envelope 分发给对应 Handler。
//
// 典型调用链（服务器侧）：
//  1. 传输层解码出 Envelope；
//  2. 上层调用 Router.Dispatch(sess, env)；
//  3. Router 根据 env.TypeName() 找到 Route，校验编码：
//     - 文档消息直接把文档副本交给 Handler；
//     - 二进制消息先调用 NewMessage() 创建对象并解析负载，再交给 Handler。
//
// 每种失败（未知类型、编码不匹配、负载格式错误、Handler 失败）都会上报一次并返回对应错误码，
// Handler 不会被调用或其失败被隔离，不影响后续消息。
type Router interface {
	// Register 为类型名注册一条路由规则。
	//
	// 同一类型名重复注册时后注册的生效，replaced 为 true。记录覆盖日志由调用方负责。
	Register(typeName string, route Route) (replaced bool, err error)

	// Unregister 移除类型名对应的路由，返回是否存在。
	Unregister(typeName string) bool

	// Lookup 返回类型名当前绑定的路由。
	Lookup(typeName string) (Route, bool)

	// TypeNames 返回已注册的类型名，按字典序排列。
	TypeNames() []string

	// Dispatch 同步地将 env 分发给对应 Handler。
	//
	// Dispatch 不可重入：Handler 不应在同一会话上再次触发分发。
	Dispatch(sess session.Session, env envelope.Envelope) error
}

// Option 用于配置 Router。
type Option func(r *defaultRouter)

// WithReporter 设置异常事件上报器。
func WithReporter(reporter network.Reporter) Option {
	return func(r *defaultRouter) {
		if reporter != nil {
			r.reporter = reporter
		}
	}
}

// defaultRouter 是 Router 接口的基础实现。
//
// 它基于一个由读写锁保护的 map[typeName]Route 进行路由，Handler 在锁外执行。
type defaultRouter struct {
	mu     sync.RWMutex
	routes map[string]Route

	reporter network.Reporter
}

// 编译期断言：确保 defaultRouter 实现了 Router 接口。
var _ Router = (*defaultRouter)(nil)

// New 创建一个空的 Router 实例。
func New(opts ...Option) Router {
	r := &defaultRouter{
		routes:   make(map[string]Route),
		reporter: network.NopReporter{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 实现 Router.Register。
func (r *defaultRouter) Register(typeName string, route Route) (bool, error) {
	if err := route.validate(typeName); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.routes[typeName]
	r.routes[typeName] = route
	return replaced, nil
}

// Unregister 实现 Router.Unregister。
func (r *defaultRouter) Unregister(typeName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[typeName]
	delete(r.routes, typeName)
	return ok
}

// Lookup 实现 Router.Lookup。
func (r *defaultRouter) Lookup(typeName string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[typeName]
	return route, ok
}

// TypeNames 实现 Router.TypeNames。
func (r *defaultRouter) TypeNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch 实现 Router.Dispatch。
func (r *defaultRouter) Dispatch(sess session.Session, env envelope.Envelope) error {
	if sess == nil {
		return merr.WrapErrParameterMissing("session")
	}
	typeName := env.TypeName()

	route, ok := r.Lookup(typeName)
	if !ok {
		return r.fail(sess, unknownTypeLabel, typeName, merr.WrapErrUnknownMessageType(typeName))
	}
	if env.Encoding() != route.Encoding {
		return r.fail(sess, typeName, typeName, merr.WrapErrEncodingMismatch(typeName, route.Encoding, env.Encoding()))
	}

	var invoke func() error
	switch route.Encoding {
	case envelope.EncodingDocument:
		doc, _ := env.Document()
		invoke = func() error { return route.Document(sess, doc) }
	case envelope.EncodingBinary:
		msg := route.NewMessage()
		if msg == nil {
			return r.fail(sess, typeName, typeName, merr.WrapErrMalformedPayload(typeName, "NewMessage returned nil"))
		}
		if err := env.Resolve(msg); err != nil {
			return r.fail(sess, typeName, typeName, errors.Wrapf(err, "type=%s", typeName))
		}
		invoke = func() error { return route.Binary(sess, msg) }
	}

	start := time.Now()
	err := safeInvoke(typeName, invoke)
	metrics.HandlerLatency.WithLabelValues(typeName).Observe(time.Since(start).Seconds())
	if err != nil {
		return r.fail(sess, typeName, typeName, merr.WrapErrHandlerFailed(typeName, err))
	}
	metrics.MessageDispatched.WithLabelValues(typeName, metrics.SuccessLabel).Inc()
	return nil
}

func (r *defaultRouter) fail(sess session.Session, label, typeName string, err error) error {
	result := metrics.DropLabel
	if errors.Is(err, merr.ErrHandlerFailed) {
		result = metrics.FailLabel
	}
	metrics.MessageDispatched.WithLabelValues(label, result).Inc()
	r.reporter.Report(network.Event{
		Stage:     network.StageDispatch,
		SessionID: sess.ID(),
		TypeName:  typeName,
		Err:       err,
	})
	return err
}

// safeInvoke 执行 Handler 并把 panic 转换为错误。
func safeInvoke(typeName string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("message handler panic", log.FieldTypeName(typeName),
				zap.Any("recover", rec), zap.ByteString("stack", debug.Stack()))
			err = errors.Newf("panic: %s", fmt.Sprint(rec))
		}
	}()
	return fn()
}
