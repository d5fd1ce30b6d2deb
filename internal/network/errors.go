package network

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Stage 表示消息处理链路中的处理阶段。
//
// 主要用于在上报事件中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecvRaw   Stage = "recv_raw" // 收到底层原始字节（WebSocket 帧等）
	StageDecode    Stage = "decode"   // 原始字节 -> Envelope
	StageDispatch  Stage = "dispatch" // Envelope -> 业务处理
	StageEncode    Stage = "encode"   // Envelope -> 字节
	StageSend      Stage = "send"     // 投递给传输层
	StageTimer     Stage = "timer"    // 定时器回调
	StageSession   Stage = "session"  // 会话打开/关闭回调
)

// Event 描述一次可上报的异常情况。
//
// 除 Stage 与 Err 外，其余字段按需填写，零值表示不适用。
type Event struct {
	Stage     Stage
	SessionID uint64
	TypeName  string
	TimerID   uint64
	Err       error
}

func (e Event) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("stage", string(e.Stage)),
		zap.String("code", merr.CodeName(e.Err)),
	}
	if e.SessionID != 0 {
		fields = append(fields, log.FieldSessionID(e.SessionID))
	}
	if e.TypeName != "" {
		fields = append(fields, log.FieldTypeName(e.TypeName))
	}
	if e.TimerID != 0 {
		fields = append(fields, log.FieldTimerID(e.TimerID))
	}
	return append(fields, zap.Error(e.Err))
}

// Reporter 接收核心组件产生的异常事件。
//
// 核心组件内部的失败从不向进程外传播：要么丢弃并上报，要么按回调隔离并上报。
// Report 可能在任意 goroutine 中被调用，实现需保证并发安全。
type Reporter interface {
	Report(ev Event)
}

// ReporterFunc 让普通函数满足 Reporter 接口。
type ReporterFunc func(ev Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }

// NopReporter 丢弃所有事件。
type NopReporter struct{}

func (NopReporter) Report(Event) {}

// LogReporter 将事件写入日志并计入 reported_events 指标。
//
// 业务处理与定时器回调失败使用 error 级别；其余（未知类型、发送到非活跃会话等）
// 通常由对端行为触发，使用限流的 warn 日志，避免异常客户端刷屏。
type LogReporter struct {
	log.Binder
}

var _ Reporter = (*LogReporter)(nil)

// NewLogReporter 创建一个 LogReporter，logger 为 nil 时使用全局 Logger。
func NewLogReporter(logger *log.MLogger) *LogReporter {
	r := &LogReporter{}
	if logger != nil {
		r.SetLogger(logger)
	}
	return r
}

func (r *LogReporter) Report(ev Event) {
	metrics.ReportedEvents.WithLabelValues(string(ev.Stage), merr.CodeName(ev.Err)).Inc()

	logger := r.Logger()
	switch {
	case errors.Is(ev.Err, merr.ErrHandlerFailed), errors.Is(ev.Err, merr.ErrTimerCallbackFailed):
		logger.Error("callback failed", ev.fields()...)
	default:
		logger.RatedWarn(1, "event dropped", ev.fields()...)
	}
}

// Recorder 在内存中按顺序记录事件，主要用于测试与诊断。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Reporter = (*Recorder)(nil)

func (r *Recorder) Report(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count 返回错误码与 target 匹配的事件数量。
func (r *Recorder) Count(target error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if errors.Is(ev.Err, target) {
			n++
		}
	}
	return n
}

// Reset 清空已记录事件。
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
