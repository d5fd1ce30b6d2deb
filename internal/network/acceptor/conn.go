package acceptor

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// wsConn 为单个 WebSocket 连接的状态。
type wsConn struct {
	id   uint64
	ws   *websocket.Conn
	send chan envelope.Envelope

	closeOnce sync.Once
	done      chan struct{}
	// reason 仅在 done 关闭前写入一次。
	reason   session.CloseReason
	byServer atomic.Bool
}

func newWSConn(id uint64, ws *websocket.Conn, queueSize int) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan envelope.Envelope, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue 将 env 放入发送队列，队列满或连接关闭中时立即返回错误。
func (c *wsConn) enqueue(env envelope.Envelope) error {
	select {
	case <-c.done:
		return merr.WrapErrTransportUnavailable("connection closing")
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return merr.WrapErrTransportQueueFull(c.id, cap(c.send))
	}
}

// shutdown 记录关闭原因并通知写协程，只有第一次调用生效。
// byServer 为 true 表示由会话层发起，读循环结束后不再回调 OnSessionClose。
func (c *wsConn) shutdown(reason session.CloseReason, byServer bool) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.byServer.Store(byServer)
		close(c.done)
	})
}
