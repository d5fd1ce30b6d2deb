package acceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/codec"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/conc"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

const shutdownTimeout = 5 * time.Second

// WSAcceptor 是基于 gorilla/websocket 的 Acceptor 实现。
//
// 每个连接在 HTTP 处理协程中串行读取并回调 Handler，
// 写协程运行在协程池中，从连接的发送队列中取出消息编码后写出。
type WSAcceptor struct {
	log.Binder

	cfg      Config
	codec    codec.Codec
	upgrader *websocket.Upgrader
	handler  Handler
	reporter network.Reporter
	writers  *conc.Pool[any]

	nextID atomic.Uint64
	count  atomic.Int64

	mu     sync.RWMutex
	conns  map[uint64]*wsConn
	closed bool

	closeOnce sync.Once
}

var (
	_ Acceptor     = (*WSAcceptor)(nil)
	_ http.Handler = (*WSAcceptor)(nil)
)

// Option 为 WSAcceptor 的可选配置。
type Option func(a *WSAcceptor)

// WithReporter 设置握手、收发与编解码失败的上报器。
func WithReporter(r network.Reporter) Option {
	return func(a *WSAcceptor) {
		a.reporter = r
	}
}

// NewWSAcceptor 创建 WebSocket 接入器，cfg 中的零值字段使用默认配置。
func NewWSAcceptor(cfg Config, h Handler, opts ...Option) *WSAcceptor {
	def := DefaultConfig()
	cfg.Path = lo.CoalesceOrEmpty(cfg.Path, def.Path)
	cfg.SendQueueSize = lo.CoalesceOrEmpty(cfg.SendQueueSize, def.SendQueueSize)
	cfg.MaxConnections = lo.CoalesceOrEmpty(cfg.MaxConnections, def.MaxConnections)
	cfg.MaxFrameSize = lo.CoalesceOrEmpty(cfg.MaxFrameSize, def.MaxFrameSize)

	a := &WSAcceptor{
		cfg:      cfg,
		codec:    cfg.Codec,
		upgrader: cfg.Upgrader,
		handler:  h,
		reporter: network.NopReporter{},
		conns:    make(map[uint64]*wsConn),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.codec == nil {
		a.codec = codec.New(codec.Options{MaxFrameSize: cfg.MaxFrameSize})
	}
	if a.upgrader == nil {
		a.upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	a.writers = conc.NewPool[any](cfg.MaxConnections, conc.WithNonBlocking(true), conc.WithConcealPanic(true))
	a.SetLogger(log.With(log.FieldModule("acceptor")))
	return a
}

// Serve 实现 Acceptor.Serve。ctx 取消后关闭 HTTP 服务与所有连接并返回 nil。
func (a *WSAcceptor) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Logger().Info("acceptor serving", zap.String("addr", ln.Addr().String()), zap.String("path", a.cfg.Path))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		// 升级后的连接已被劫持，Shutdown 不会关闭它们。
		_ = a.Close()
		return err
	})
	return g.Wait()
}

// ServeHTTP 完成 WebSocket 升级，并在当前协程中驱动该连接的读循环。
func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n := a.count.Inc(); a.isClosed() || n > int64(a.cfg.MaxConnections) {
		a.count.Dec()
		a.reporter.Report(network.Event{
			Stage: network.StageHandshake,
			Err:   merr.WrapErrServiceUnavailable("too many connections or acceptor closed", r.RemoteAddr),
		})
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.count.Dec()
		a.reporter.Report(network.Event{Stage: network.StageHandshake, Err: err})
		return
	}
	ws.SetReadLimit(int64(a.cfg.MaxFrameSize))

	c := newWSConn(a.nextID.Inc(), ws, a.cfg.SendQueueSize)
	if !a.add(c) {
		a.count.Dec()
		_ = ws.Close()
		return
	}

	writer := a.writers.Submit(func() (any, error) {
		a.writeLoop(c)
		return nil, nil
	})
	select {
	case <-writer.Inner():
		if err := writer.Err(); err != nil {
			a.reporter.Report(network.Event{Stage: network.StageHandshake, SessionID: c.id, Err: err})
			a.release(c)
			_ = ws.Close()
			return
		}
	default:
	}

	logger := a.Logger().With(log.FieldSessionID(c.id))
	logger.Debug("connection accepted", zap.String("remote", r.RemoteAddr))
	if err := a.handler.OnSessionOpen(c.id); err != nil {
		c.shutdown(session.ReasonTransportError, false)
		a.release(c)
		return
	}

	reason := a.readLoop(c)
	c.shutdown(reason, false)
	a.release(c)
	if !c.byServer.Load() {
		_ = a.handler.OnSessionClose(c.id, reason)
	}
	logger.Debug("connection closed", zap.Stringer("reason", c.reason))
}

func (a *WSAcceptor) readLoop(c *wsConn) session.CloseReason {
	for {
		if a.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		}
		_, r, err := c.ws.NextReader()
		if err != nil {
			return a.classify(c, err)
		}
		env, err := a.codec.Decode(r)
		if err != nil {
			a.reporter.Report(network.Event{Stage: network.StageDecode, SessionID: c.id, Err: err})
			continue
		}
		// 分发失败已由 Handler 上报，连接继续读取。
		_ = a.handler.OnMessage(c.id, env)
	}
}

// classify 将读错误映射为关闭原因。
func (a *WSAcceptor) classify(c *wsConn, err error) session.CloseReason {
	select {
	case <-c.done:
		return c.reason
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return session.ReasonPeerClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return session.ReasonTimeout
	}
	a.reporter.Report(network.Event{Stage: network.StageRecvRaw, SessionID: c.id, Err: err})
	return session.ReasonTransportError
}

func (a *WSAcceptor) writeLoop(c *wsConn) {
	defer c.ws.Close()
	for {
		select {
		case env := <-c.send:
			if err := a.write(c, env); err != nil {
				a.reporter.Report(network.Event{Stage: network.StageSend, SessionID: c.id, TypeName: env.TypeName(), Err: err})
				c.shutdown(session.ReasonTransportError, false)
				return
			}
		case <-c.done:
			a.flush(c)
			deadline := time.Now().Add(lo.Ternary(a.cfg.WriteTimeout > 0, a.cfg.WriteTimeout, time.Second))
			msg := websocket.FormatCloseMessage(closeCode(c.reason), c.reason.String())
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// flush 写出关闭前已入队的消息。
func (a *WSAcceptor) flush(c *wsConn) {
	for {
		select {
		case env := <-c.send:
			if err := a.write(c, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// write 编码并写出一条消息，编码失败只上报不中断连接。
func (a *WSAcceptor) write(c *wsConn, env envelope.Envelope) error {
	data, err := a.codec.Marshal(env)
	if err != nil {
		a.reporter.Report(network.Event{Stage: network.StageEncode, SessionID: c.id, TypeName: env.TypeName(), Err: err})
		return nil
	}
	if a.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Deliver 实现 session.Transport，不阻塞调用方。
func (a *WSAcceptor) Deliver(id uint64, env envelope.Envelope) error {
	c := a.lookup(id)
	if c == nil {
		return merr.WrapErrTransportUnavailable(fmt.Sprintf("connection %d not found", id))
	}
	return c.enqueue(env)
}

// Disconnect 实现 session.Transport，重复调用是空操作。
func (a *WSAcceptor) Disconnect(id uint64, reason session.CloseReason) {
	if c := a.lookup(id); c != nil {
		c.shutdown(reason, true)
	}
}

// Close 实现 Acceptor.Close。
func (a *WSAcceptor) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		conns := lo.Values(a.conns)
		a.mu.Unlock()

		for _, c := range conns {
			c.shutdown(session.ReasonShutdown, false)
		}
		a.writers.Release()
		a.Logger().Info("acceptor closed", zap.Int("connections", len(conns)))
	})
	return nil
}

// Count 实现 Acceptor.Count。
func (a *WSAcceptor) Count() int {
	return int(a.count.Load())
}

func (a *WSAcceptor) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}

func (a *WSAcceptor) add(c *wsConn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.conns[c.id] = c
	return true
}

func (a *WSAcceptor) release(c *wsConn) {
	a.mu.Lock()
	delete(a.conns, c.id)
	a.mu.Unlock()
	a.count.Dec()
}

func (a *WSAcceptor) lookup(id uint64) *wsConn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conns[id]
}

func closeCode(reason session.CloseReason) int {
	switch reason {
	case session.ReasonShutdown:
		return websocket.CloseGoingAway
	case session.ReasonKicked:
		return websocket.ClosePolicyViolation
	case session.ReasonTransportError:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}
