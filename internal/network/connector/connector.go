// Package connector 提供 WebSocket 客户端连接，供测试工具与服务间调用使用。
package connector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/codec"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/conc"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Config 描述客户端连接的基础配置。
type Config struct {
	RecvQueueSize int `mapstructure:"recv-queue-size"`

	ReadTimeout      time.Duration `mapstructure:"read-timeout"`
	WriteTimeout     time.Duration `mapstructure:"write-timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// 拨号失败时按指数退避重试，MaxRetries 为 0 表示不重试。
	MaxRetries      uint64        `mapstructure:"max-retries"`
	InitialInterval time.Duration `mapstructure:"initial-interval"`
	MaxInterval     time.Duration `mapstructure:"max-interval"`

	// Codec 为当前连接使用的编解码器，为 nil 时使用默认实现。
	Codec codec.Codec `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		RecvQueueSize:    1024,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxRetries:       3,
		InitialInterval:  100 * time.Millisecond,
		MaxInterval:      2 * time.Second,
	}
}

// Connector 是基于 gorilla/websocket 的拨号器。
type Connector struct {
	log.Binder

	cfg      Config
	reporter network.Reporter
}

// Option 为 Connector 的可选配置。
type Option func(c *Connector)

// WithReporter 设置收包与解码失败的上报器。
func WithReporter(r network.Reporter) Option {
	return func(c *Connector) {
		c.reporter = r
	}
}

// New 创建 Connector，cfg 中非正数的队列与退避参数使用默认值。
func New(cfg Config, opts ...Option) *Connector {
	def := DefaultConfig()
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.Options{})
	}
	c := &Connector{cfg: cfg, reporter: network.NopReporter{}}
	for _, opt := range opts {
		opt(c)
	}
	c.SetLogger(log.With(log.FieldModule("connector")))
	return c
}

// Dial 连接 urlStr，握手失败时按配置退避重试。
// 服务端以 4xx 拒绝握手时不再重试。
func (c *Connector) Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialInterval
	expo.MaxInterval = c.cfg.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, c.cfg.MaxRetries), ctx)

	dial := func() (*websocket.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, urlStr, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(errors.Wrapf(err, "handshake rejected, status=%d", resp.StatusCode))
			}
			return nil, err
		}
		return ws, nil
	}
	notify := func(err error, next time.Duration) {
		c.Logger().Warn("dial failed, retrying", zap.String("url", urlStr), zap.Duration("backoff", next), zap.Error(err))
	}

	ws, err := backoff.RetryNotifyWithData(dial, policy, notify)
	if err != nil {
		return nil, merr.WrapErrTransportUnavailable(err.Error(), "dial "+urlStr)
	}
	return newConn(ws, c.cfg, c.reporter), nil
}

// Conn 为客户端侧的一条连接。Send 可并发调用，收到的消息按到达顺序从 Recv 读出。
type Conn struct {
	ws       *websocket.Conn
	cfg      Config
	reporter network.Reporter

	writeMu sync.Mutex
	recv    chan envelope.Envelope

	closing     chan struct{}
	closingOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newConn(ws *websocket.Conn, cfg Config, reporter network.Reporter) *Conn {
	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		reporter: reporter,
		recv:     make(chan envelope.Envelope, cfg.RecvQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	return c
}

// Send 编码并同步写出 env。
func (c *Conn) Send(env envelope.Envelope) error {
	select {
	case <-c.done:
		return merr.WrapErrTransportUnavailable("connection closed")
	default:
	}
	data, err := c.cfg.Codec.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "connector: write failed")
	}
	return nil
}

// Recv 返回收包通道，连接结束后通道关闭。
func (c *Conn) Recv() <-chan envelope.Envelope { return c.recv }

// Done 在连接结束后关闭。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 返回连接结束的原因，对端正常关闭时为 nil。
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Close 发送关闭帧并等待读循环退出。
func (c *Conn) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	select {
	case <-c.done:
	case <-time.After(time.Second):
		_ = c.ws.Close()
		<-c.done
	}
	return nil
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = c.ws.Close()
		close(c.recv)
		close(c.done)
	})
}

func (c *Conn) recvLoop() {
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, r, err := c.ws.NextReader()
		if err != nil {
			// 关闭帧携带的状态码原样返回给调用方，只有正常关闭视为无错误。
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.finish(lo.Ternary[error](ce.Code == websocket.CloseNormalClosure, nil, err))
				return
			}
			c.reporter.Report(network.Event{Stage: network.StageRecvRaw, Err: err})
			c.finish(err)
			return
		}
		env, err := c.cfg.Codec.Decode(r)
		if err != nil {
			c.reporter.Report(network.Event{Stage: network.StageDecode, Err: err})
			continue
		}
		select {
		case c.recv <- env:
		case <-c.closing:
			c.finish(nil)
			return
		}
	}
}
