package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/pkg/metrics"
)

// memSyncer 是并发安全的内存 WriteSyncer，release 非空时首次写入会阻塞直到其关闭。
type memSyncer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *memSyncer) Write(p []byte) (int, error) {
	if m.release != nil {
		m.once.Do(func() { close(m.entered) })
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.buf.Write(p)
}

func (m *memSyncer) Sync() error { return nil }

func (m *memSyncer) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func TestTextCore(t *testing.T) {
	out := &memSyncer{}
	logger, props, err := InitLoggerWithWriteSyncer(&Config{Level: "warn", DisableCaller: true, DisableStacktrace: true}, out)
	require.NoError(t, err)
	assert.IsType(t, &textIOCore{}, props.Core)

	logger.Info("hidden")
	logger.With(zap.String("room", "r1")).Warn("visible")
	logger.Warn("plain")

	got := out.String()
	assert.NotContains(t, got, "hidden")
	assert.Contains(t, got, "visible")
	assert.Contains(t, got, `"room": "r1"`)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[1], "room")
}

func TestTextCoreCountsWriteFailure(t *testing.T) {
	out := &memSyncer{err: errors.New("disk full")}
	logger, _, err := InitLoggerWithWriteSyncer(&Config{Level: "info", DisableCaller: true}, out)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.LoggingIOFailure)
	logger.Info("lost")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LoggingIOFailure))
}

func newAsyncLogger(t *testing.T, cfg *Config, out *memSyncer) (*zap.Logger, *asyncTextIOCore) {
	cfg.Level = "debug"
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.AsyncWriteEnable = true
	logger, props, err := InitLoggerWithWriteSyncer(cfg, out)
	require.NoError(t, err)
	core, ok := props.Core.(*asyncTextIOCore)
	require.True(t, ok)
	t.Cleanup(core.Stop)
	return logger, core
}

func TestAsyncCoreFlushesOnStop(t *testing.T) {
	out := &memSyncer{}
	logger, core := newAsyncLogger(t, &Config{AsyncWriteFlushInterval: time.Hour}, out)

	for i := 0; i < 10; i++ {
		logger.With(zap.Int("seq", i)).Info("queued")
	}
	core.Stop()
	core.Stop()

	got := out.String()
	assert.Equal(t, 10, strings.Count(got, "queued"))
	assert.Contains(t, got, `"seq": 9`)

	logger.Info("after stop")
	assert.Contains(t, out.String(), "after stop")
}

func TestAsyncCoreTruncatesLongEntry(t *testing.T) {
	out := &memSyncer{}
	logger, core := newAsyncLogger(t, &Config{DisableTimestamp: true, AsyncWriteMaxBytesPerLog: 16}, out)

	before := testutil.ToFloat64(metrics.LoggingTruncatedWrites)
	logger.Info(strings.Repeat("x", 64))
	core.Stop()

	got := out.String()
	assert.Len(t, got, 16)
	assert.True(t, strings.HasSuffix(got, "\n"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LoggingTruncatedWrites))
}

func TestAsyncCoreDropsWhenQueueIsFull(t *testing.T) {
	out := &memSyncer{entered: make(chan struct{}), release: make(chan struct{})}
	logger, core := newAsyncLogger(t, &Config{
		AsyncWritePendingLength:  1,
		AsyncWriteBufferSize:     1,
		AsyncWriteDroppedTimeout: 10 * time.Millisecond,
	}, out)

	before := testutil.ToFloat64(metrics.LoggingDroppedWrites)
	logger.Info("first")
	<-out.entered
	logger.Info("second")
	logger.Info("third")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LoggingDroppedWrites))

	close(out.release)
	core.Stop()
	got := out.String()
	assert.Contains(t, got, "first")
	assert.Contains(t, got, "second")
	assert.NotContains(t, got, "third")
}

func TestCleanupStopsAsyncCores(t *testing.T) {
	out := &memSyncer{}
	logger, _ := newAsyncLogger(t, &Config{AsyncWriteFlushInterval: time.Hour}, out)

	logger.Info("pending")
	Cleanup()
	assert.Contains(t, out.String(), "pending")
}
