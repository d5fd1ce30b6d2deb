package acceptor

import (
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/paper-soldier-go/internal/network/codec"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
)

// Config 描述 Acceptor 在连接层面的配置。
//
// 说明：
//   - SendQueueSize 控制每个连接的发送缓冲队列大小，队列满时投递失败；
//   - ReadTimeout/WriteTimeout 控制单次读写的超时时间（为 0 表示不设置 deadline）；
//   - Path 控制 WebSocket 的升级路径（如 "/ws"）。
type Config struct {
	Path           string        `mapstructure:"path"`
	SendQueueSize  int           `mapstructure:"send-queue-size"`
	MaxConnections int           `mapstructure:"max-connections"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout"`
	MaxFrameSize   int           `mapstructure:"max-frame-size"`

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader。
	Upgrader *websocket.Upgrader `mapstructure:"-"`

	// Codec 为当前接入层使用的编解码器，为 nil 时按 MaxFrameSize 创建默认实现。
	Codec codec.Codec `mapstructure:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		SendQueueSize:  1024,
		MaxConnections: 10000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   codec.DefaultMaxFrameSize,
	}
}

// Handler 接收连接生命周期事件，*server.Server 即为其实现。
//
// 同一连接上的回调按 OnSessionOpen -> OnMessage* -> OnSessionClose 的顺序串行调用。
type Handler interface {
	OnSessionOpen(id uint64) error
	OnMessage(id uint64, env envelope.Envelope) error
	OnSessionClose(id uint64, reason session.CloseReason) error
}

// Acceptor 抽象了服务器侧的 WebSocket 接入层。
//
// 职责：
//   - 在指定 listener 上监听 HTTP，并处理 WebSocket 升级；
//   - 为每个连接分配会话 ID，并调用 Handler 的各阶段回调；
//   - 作为 session.Transport 把出站消息写回对应连接。
type Acceptor interface {
	session.Transport

	// Serve 在给定 listener 上启动服务，阻塞直至 ctx 取消或出现致命错误。
	Serve(ctx context.Context, ln net.Listener) error

	// Close 主动关闭所有连接以及内部资源。
	Close() error

	// Count 返回当前连接数。
	Count() int
}
