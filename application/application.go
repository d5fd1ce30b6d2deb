// Package application 负责进程启动：加载配置、初始化日志与指标、
// 组装 Server 与 WebSocket 接入层，并驱动服务直至退出。
package application

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/acceptor"
	"github.com/lk2023060901/paper-soldier-go/internal/server"
	"github.com/lk2023060901/paper-soldier-go/internal/service/lobby"
	zlog "github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/conc"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/retry"
)

const roleName = "paper-soldier"

// Application 为进程运行时容器，持有配置并管理公共依赖。
type Application struct {
	cfg     *Config
	loggers map[string]*zlog.MLogger

	srv *server.Server
	acc *acceptor.WSAcceptor
}

// New 创建 Application。
func New() *Application {
	return &Application{}
}

// Run 是进程入口：解析 args 中的 --config，加载配置并运行服务，阻塞直至 ctx 取消。
func (a *Application) Run(ctx context.Context, args []string) error {
	cfg, path, err := LoadConfig(args)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}
	zlog.Info("config loaded", zap.String("path", path))

	if err := a.Setup(ctx); err != nil {
		return err
	}

	ln, err := listen(ctx, cfg.Server)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// listen 监听 cfg.Listen，端口暂时被占用（如旧进程尚未退出）时重试。
func listen(ctx context.Context, cfg ServerConfig) (net.Listener, error) {
	var ln net.Listener
	err := retry.Do(ctx, func() error {
		var err error
		ln, err = net.Listen("tcp", cfg.Listen)
		return err
	}, retry.Attempts(lo.Max([]uint{cfg.ListenAttempts, 1})), retry.Sleep(cfg.ListenRetryInterval))
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Listen)
	}
	return ln, nil
}

// Config 返回已加载的配置。
func (a *Application) Config() *Config {
	return a.cfg
}

// Server 返回组装好的 Server，Setup 之前为 nil。
func (a *Application) Server() *server.Server {
	return a.srv
}

// Logger 返回配置文件中定义的具名 Logger，未定义时退回全局 Logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// Setup 组装 Server、接入层与组件，并按配置的 flavor 启动组件。
func (a *Application) Setup(ctx context.Context) error {
	if a.cfg == nil {
		cfg := DefaultConfig()
		a.cfg = &cfg
	}
	cfg := a.cfg

	intentCtx, span := zlog.NewIntentContext(roleName, "setup")
	defer span.End()

	metrics.Register(prometheus.DefaultRegisterer)

	reporter := network.NewLogReporter(a.Logger("network"))
	a.srv = server.New(server.Options{
		Reporter:  reporter,
		Arguments: server.NewArguments(cfg.Arguments, cfg.Flags),
	})
	a.srv.SetLogger(a.Logger("server"))

	a.acc = acceptor.NewWSAcceptor(cfg.Server.Acceptor, a.srv, acceptor.WithReporter(reporter))
	a.srv.Sessions().SetTransport(a.acc)

	lb := lobby.New(cfg.Lobby)
	if lg, ok := a.loggers[lobby.Name]; ok {
		lb.SetLogger(lg)
	}
	if err := a.srv.Register(lb); err != nil {
		return err
	}
	if err := a.srv.Start(ctx, cfg.Server.Flavor); err != nil {
		return errors.Wrapf(err, "start flavor %q", cfg.Server.Flavor)
	}

	zlog.Ctx(intentCtx).Info("server ready",
		zap.String("flavor", cfg.Server.Flavor),
		zap.Strings("components", a.srv.Components().Names()),
		zap.Strings("messages", a.srv.Router().TypeNames()))
	return nil
}

// Serve 在 ln 上运行接入层、定时器驱动与指标服务，ctx 取消或任一任务失败后优雅停止。
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.cfg
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.acc.Serve(gctx, ln)
	})
	g.Go(func() error {
		return a.srv.Run(gctx, cfg.Server.TickResolution)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics)
		})
	}

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := a.srv.Stop(stopCtx); serr != nil {
		zlog.Warn("stop server failed", zap.Error(serr))
	}
	_ = a.acc.Close()
	zlog.Info("server stopped", zap.Error(err))
	_ = zlog.Sync()
	zlog.Cleanup()
	return err
}

func serveMetrics(ctx context.Context, cfg MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zlog.Info("metrics serving", zap.String("addr", cfg.Listen), zap.String("path", cfg.Path))
	served := conc.Go(func() (struct{}, error) {
		return struct{}{}, srv.ListenAndServe()
	})

	select {
	case <-served.Inner():
		return errors.Wrap(served.Err(), "metrics server")
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// initLogging 初始化全局 Logger 与模块 Logger。
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv 根据 PAPER_SOLDIER_LOG_* 环境变量配置进程级 Logger。
//
//   - PAPER_SOLDIER_LOG_ENABLE: "1"/"true" 开启输出，其余视为关闭。
//   - PAPER_SOLDIER_LOG_LEVEL: 日志级别（默认 "info"）。
//   - PAPER_SOLDIER_LOG_STDOUT: 是否输出到标准输出（默认 false）。
//   - PAPER_SOLDIER_LOG_FILE_DIR: 日志目录。
//   - PAPER_SOLDIER_LOG_FILE: 日志文件名（为空表示不写文件）。
//   - PAPER_SOLDIER_LOG_FORMAT: 日志格式（"text" 或 "json"，默认 "text"）。
//   - PAPER_SOLDIER_LOG_ASYNC_WRITE_ENABLE: 是否异步写日志（默认 false）。
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := globalLogConfigFromEnv(os.Getenv)
	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

func globalLogConfigFromEnv(getenv func(string) string) *zlog.Config {
	cfg := &zlog.Config{
		Level:               getenvDefault(getenv, "PAPER_SOLDIER_LOG_LEVEL", "info"),
		Format:              getenvDefault(getenv, "PAPER_SOLDIER_LOG_FORMAT", zlog.FormatText),
		Stdout:              getenvBool(getenv, "PAPER_SOLDIER_LOG_STDOUT", false),
		DisableErrorVerbose: true,
		AsyncWriteEnable:    getenvBool(getenv, "PAPER_SOLDIER_LOG_ASYNC_WRITE_ENABLE", false),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault(getenv, "PAPER_SOLDIER_LOG_FILE_DIR", ""),
			Filename: getenvDefault(getenv, "PAPER_SOLDIER_LOG_FILE", ""),
		},
	}
	// 未开启时所有输出都被丢弃。
	if !getenvBool(getenv, "PAPER_SOLDIER_LOG_ENABLE", false) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}
	return cfg
}

// initModuleLoggersFromConfig 根据配置文件 logging 段创建具名 Logger。
//
// Example:
//
//	logging:
//	  lobby:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: lobby.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil || len(a.cfg.Logging) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(a.cfg.Logging))
	for name, lc := range a.cfg.Logging {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

func getenvDefault(getenv func(string) string, key, def string) string {
	val := strings.TrimSpace(getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(getenv func(string) string, key string, def bool) bool {
	val := strings.TrimSpace(getenv(key))
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		switch strings.ToLower(val) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		return def
	}
	return b
}
