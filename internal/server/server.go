// Package server 组合 Handler 注册表、会话管理与定时器调度，
// 向传输层暴露会话事件与消息分发入口。
package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/router"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/internal/timer"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Options 为 Server 的构造参数，未提供的组件会使用默认实现并共享同一个 Reporter。
type Options struct {
	Router    router.Router
	Sessions  session.SessionManager
	Scheduler *timer.Scheduler
	Reporter  network.Reporter
	Arguments *Arguments
}

// Server 是组合根：启动时由调用方注册会话回调、消息 Handler 与定时器，
// 运行时把传输层的 OnSessionOpen/OnSessionClose/OnMessage 转交给各组件。
//
// Server 自身除了对各组件的引用外不持有可变状态。
type Server struct {
	log.Binder

	router     router.Router
	sessions   session.SessionManager
	scheduler  *timer.Scheduler
	reporter   network.Reporter
	args       *Arguments
	components *Components
}

// New 创建 Server。
func New(opts Options) *Server {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = network.NewLogReporter(nil)
	}
	s := &Server{
		router:     opts.Router,
		sessions:   opts.Sessions,
		scheduler:  opts.Scheduler,
		reporter:   reporter,
		args:       opts.Arguments,
		components: NewComponents(),
	}
	if s.router == nil {
		s.router = router.New(router.WithReporter(reporter))
	}
	if s.sessions == nil {
		s.sessions = session.NewBaseSessionManager(session.WithReporter(reporter))
	}
	if s.scheduler == nil {
		s.scheduler = timer.NewScheduler(timer.WithReporter(reporter))
	}
	if s.args == nil {
		s.args = NewArguments(nil, nil)
	}
	return s
}

func (s *Server) Router() router.Router             { return s.router }
func (s *Server) Sessions() session.SessionManager { return s.sessions }
func (s *Server) Scheduler() *timer.Scheduler      { return s.scheduler }
func (s *Server) Arguments() *Arguments            { return s.args }
func (s *Server) Components() *Components          { return s.components }

// Handle 注册消息路由，覆盖已有注册时记录 warn 日志。
func (s *Server) Handle(typeName string, route router.Route) error {
	replaced, err := s.router.Register(typeName, route)
	if err != nil {
		return err
	}
	if replaced {
		s.Logger().Warn("message handler replaced", log.FieldTypeName(typeName))
	}
	return nil
}

// HandleDocument 注册结构化文档 Handler。
func (s *Server) HandleDocument(typeName string, h router.DocumentHandler) error {
	return s.Handle(typeName, router.Route{Encoding: envelope.EncodingDocument, Document: h})
}

// HandleMessage 注册二进制扩展 Handler，请求类型由 T 决定。
func HandleMessage[T proto.Message](s *Server, typeName string, h func(sess session.Session, msg T) error) error {
	replaced, err := router.HandleMessage(s.router, typeName, h)
	if err != nil {
		return err
	}
	if replaced {
		s.Logger().Warn("message handler replaced", log.FieldTypeName(typeName))
	}
	return nil
}

// OnSessionOpened 设置进程级的会话打开回调。
func (s *Server) OnSessionOpened(cb session.OpenCallback) {
	if s.sessions.SetOpenCallback(cb) {
		s.Logger().Warn("session open callback replaced")
	}
}

// OnSessionClosed 设置进程级的会话关闭回调。
func (s *Server) OnSessionClosed(cb session.CloseCallback) {
	if s.sessions.SetCloseCallback(cb) {
		s.Logger().Warn("session close callback replaced")
	}
}

// Every 注册重复定时器。
func (s *Server) Every(interval time.Duration, cb timer.Callback) (timer.ID, error) {
	id, err := s.scheduler.ScheduleRepeating(interval, cb)
	if err != nil {
		s.Logger().Warn("schedule repeating timer failed", zap.Duration("interval", interval), zap.Error(err))
	}
	return id, err
}

// After 注册一次性定时器。
func (s *Server) After(interval time.Duration, cb timer.Callback) (timer.ID, error) {
	id, err := s.scheduler.ScheduleOnce(interval, cb)
	if err != nil {
		s.Logger().Warn("schedule once timer failed", zap.Duration("interval", interval), zap.Error(err))
	}
	return id, err
}

// CancelTimer 取消定时器，重复取消是空操作。
func (s *Server) CancelTimer(id timer.ID) bool {
	return s.scheduler.Cancel(id)
}

// OnSessionOpen 由传输层在会话建立后调用。
func (s *Server) OnSessionOpen(id uint64) error {
	if _, err := s.sessions.Open(id); err != nil {
		s.reporter.Report(network.Event{Stage: network.StageSession, SessionID: id, Err: err})
		return err
	}
	return nil
}

// OnSessionClose 由传输层在会话断开后调用。
func (s *Server) OnSessionClose(id uint64, reason session.CloseReason) error {
	return s.sessions.Close(id, reason)
}

// OnMessage 由传输层在解码出一条消息后调用。
//
// 同一会话上的消息串行分发；会话已关闭时消息被丢弃并上报。
// 分发过程中的失败由 Router 上报，这里只负责会话层面的失败。
func (s *Server) OnMessage(id uint64, env envelope.Envelope) error {
	dispatched := false
	err := s.sessions.Exec(id, func(sess session.Session) error {
		dispatched = true
		return s.router.Dispatch(sess, env)
	})
	if err != nil && !dispatched {
		s.reporter.Report(network.Event{
			Stage:     network.StageDispatch,
			SessionID: id,
			TypeName:  env.TypeName(),
			Err:       err,
		})
	}
	return err
}

// Send 请求将 env 投递给指定会话。
func (s *Server) Send(id uint64, env envelope.Envelope) error {
	return s.sessions.Send(id, env)
}

// Broadcast 向所有打开的会话发送 env。
func (s *Server) Broadcast(env envelope.Envelope) int {
	return s.sessions.Broadcast(env)
}

// Tick 推进定时器调度，通常由 Run 或外部时钟源以固定分辨率调用。
func (s *Server) Tick(now time.Time) int {
	return s.scheduler.Tick(now)
}

// Run 以 resolution 驱动定时器，阻塞直至 ctx 取消。
func (s *Server) Run(ctx context.Context, resolution time.Duration) error {
	return s.scheduler.Run(ctx, resolution)
}

// Installer 为调用方提供的启动配置：注册回调、Handler 与定时器。
type Installer interface {
	Install(s *Server) error
}

// InstallerFunc 让普通函数满足 Installer 接口。
type InstallerFunc func(s *Server) error

func (f InstallerFunc) Install(s *Server) error { return f(s) }

// Install 依次执行 installers，遇到错误立即返回。
func (s *Server) Install(installers ...Installer) error {
	for _, in := range installers {
		if in == nil {
			continue
		}
		if err := in.Install(s); err != nil {
			return err
		}
	}
	return nil
}

// Register 注册组件。
func (s *Server) Register(comp Component) error {
	return s.components.Register(comp)
}

// Start 按 flavor 安装并启动组件。
func (s *Server) Start(ctx context.Context, flavor string) error {
	return s.components.Start(ctx, s, flavor)
}

// Stop 关闭所有会话、取消所有定时器，并按注册的逆序停止组件。
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.CloseAll(session.ReasonShutdown)
	n := s.scheduler.CancelAll()
	s.Logger().Info("server stopping", zap.Int("cancelledTimers", n))
	if err := s.components.Stop(ctx, s); err != nil {
		return merr.WrapErrServiceInternal(err.Error(), "stop components")
	}
	return nil
}
