// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
)

var _ zapcore.Core = (*asyncTextIOCore)(nil)

// NewAsyncTextIOCore 创建一个异步写日志的 Core，编码在调用方完成，落盘由后台协程负责。
// 使用完毕后必须调用 Stop 以刷出剩余日志。
func NewAsyncTextIOCore(cfg *Config, ws zapcore.WriteSyncer, enab zapcore.LevelEnabler) *asyncTextIOCore {
	cfgCopy := *cfg
	cfgCopy.initialize()
	nonDroppableLevel, _ := zapcore.ParseLevel(cfgCopy.AsyncWriteNonDroppableLevel)

	ctx, cancel := context.WithCancel(context.Background())
	w := &asyncWriter{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		out:    ws,
		bws: &zapcore.BufferedWriteSyncer{
			WS:            ws,
			Size:          cfgCopy.AsyncWriteBufferSize,
			FlushInterval: cfgCopy.AsyncWriteFlushInterval,
		},
		pending:             make(chan *entryItem, cfgCopy.AsyncWritePendingLength),
		writeDroppedTimeout: cfgCopy.AsyncWriteDroppedTimeout,
		nonDroppableLevel:   nonDroppableLevel,
		stopTimeout:         cfgCopy.AsyncWriteStopTimeout,
		maxBytesPerLog:      cfgCopy.AsyncWriteMaxBytesPerLog,
	}
	go w.background()
	return &asyncTextIOCore{
		LevelEnabler: enab,
		asyncWriter:  w,
		enc:          newZapEncoder(&cfgCopy),
	}
}

// asyncTextIOCore 将编码后的日志放入队列，由 asyncWriter 经 BufferedWriteSyncer 写出。
// 由 With 派生的 Core 共享同一个 asyncWriter。
type asyncTextIOCore struct {
	zapcore.LevelEnabler
	*asyncWriter

	enc zapcore.Encoder
}

type asyncWriter struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	out                 zapcore.WriteSyncer
	bws                 *zapcore.BufferedWriteSyncer
	pending             chan *entryItem
	writeDroppedTimeout time.Duration
	nonDroppableLevel   zapcore.Level
	stopTimeout         time.Duration
	maxBytesPerLog      int
}

// entryItem 为等待写出的一条日志。
type entryItem struct {
	buf   *buffer.Buffer
	level zapcore.Level
}

func (s *asyncTextIOCore) With(fields []zapcore.Field) zapcore.Core {
	enc := s.enc.Clone()
	for _, field := range fields {
		field.AddTo(enc)
	}
	return &asyncTextIOCore{
		LevelEnabler: s.LevelEnabler,
		asyncWriter:  s.asyncWriter,
		enc:          enc,
	}
}

func (s *asyncTextIOCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(ent.Level) {
		return ce.AddCore(ent, s)
	}
	return ce
}

// Write 将日志编码后放入队列，不等待落盘。
// 队列已满时，低于 nonDroppableLevel 的日志等待 writeDroppedTimeout 后丢弃，其余级别一直等待。
// Stop 之后的写入直接同步写到底层 WriteSyncer。
func (s *asyncTextIOCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := s.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	length := buf.Len()
	if length == 0 {
		buf.Free()
		return nil
	}
	entry := &entryItem{buf: buf, level: ent.Level}

	var writeDroppedTimeout <-chan time.Time
	if ent.Level < s.nonDroppableLevel {
		timer := time.NewTimer(s.writeDroppedTimeout)
		defer timer.Stop()
		writeDroppedTimeout = timer.C
	}
	select {
	case <-s.ctx.Done():
		return s.writeDirect(entry)
	default:
	}
	select {
	case s.pending <- entry:
		metrics.LoggingPendingWriteLength.Inc()
		metrics.LoggingPendingWriteBytes.Add(float64(length))
	case <-writeDroppedTimeout:
		metrics.LoggingDroppedWrites.Inc()
		buf.Free()
	case <-s.ctx.Done():
		return s.writeDirect(entry)
	}
	return nil
}

// Sync 不等待队列清空，落盘由后台协程与 Stop 保证。
func (s *asyncTextIOCore) Sync() error {
	return nil
}

// Stop 停止后台协程，并在 stopTimeout 内尽量写出队列中剩余的日志。可重复调用。
func (w *asyncWriter) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *asyncWriter) background() {
	defer func() {
		w.flushPendingWriteWithTimeout()
		close(w.done)
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ent := <-w.pending:
			w.consumeEntry(ent)
		}
	}
}

func (w *asyncWriter) consumeEntry(ent *entryItem) {
	length := ent.buf.Len()
	metrics.LoggingPendingWriteLength.Dec()
	metrics.LoggingPendingWriteBytes.Sub(float64(length))
	if _, err := w.bws.Write(w.getWriteBytes(ent)); err != nil {
		metrics.LoggingIOFailure.Inc()
	}
	ent.buf.Free()
	if ent.level > zapcore.ErrorLevel {
		_ = w.bws.Sync()
	}
}

func (w *asyncWriter) writeDirect(ent *entryItem) error {
	_, err := w.out.Write(w.getWriteBytes(ent))
	ent.buf.Free()
	if err != nil {
		metrics.LoggingIOFailure.Inc()
	}
	return err
}

// getWriteBytes 超过 maxBytesPerLog 的日志被截断，保留末尾的换行符。
func (w *asyncWriter) getWriteBytes(ent *entryItem) []byte {
	length := ent.buf.Len()
	writes := ent.buf.Bytes()
	if length <= w.maxBytesPerLog {
		return writes
	}
	metrics.LoggingTruncatedWrites.Inc()
	metrics.LoggingTruncatedWriteBytes.Add(float64(length - w.maxBytesPerLog))

	end := writes[length-1]
	writes = writes[:w.maxBytesPerLog]
	writes[len(writes)-1] = end
	return writes
}

func (w *asyncWriter) flushPendingWriteWithTimeout() {
	done := make(chan struct{})
	go w.flushAllPendingWrites(done)

	timer := time.NewTimer(w.stopTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-done:
	}
}

func (w *asyncWriter) flushAllPendingWrites(done chan struct{}) {
	defer func() {
		if err := w.bws.Stop(); err != nil {
			metrics.LoggingIOFailure.Inc()
		}
		close(done)
	}()

	for {
		select {
		case ent := <-w.pending:
			w.consumeEntry(ent)
		default:
			return
		}
	}
}
