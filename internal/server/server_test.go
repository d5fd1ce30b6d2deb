package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/router"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/internal/timer"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type sent struct {
	id  uint64
	env envelope.Envelope
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sent
}

func (t *recordingTransport) Deliver(id uint64, env envelope.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{id: id, env: env})
	return nil
}

func (t *recordingTransport) Disconnect(uint64, session.CloseReason) {}

func (t *recordingTransport) all() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.sent...)
}

type ServerSuite struct {
	suite.Suite

	clock     *clockwork.FakeClock
	reporter  *network.Recorder
	transport *recordingTransport
	srv       *Server
}

func (s *ServerSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(t0)
	s.reporter = &network.Recorder{}
	s.transport = &recordingTransport{}
	s.srv = New(Options{
		Router:    router.New(router.WithReporter(s.reporter)),
		Sessions:  session.NewBaseSessionManager(session.WithReporter(s.reporter), session.WithTransport(s.transport)),
		Scheduler: timer.NewScheduler(timer.WithClock(s.clock), timer.WithReporter(s.reporter)),
		Reporter:  s.reporter,
	})
}

func (s *ServerSuite) installEcho() {
	s.Require().NoError(s.srv.HandleDocument("echo", func(sess session.Session, doc envelope.Document) error {
		return sess.Send(envelope.NewDocument("echo", doc))
	}))
}

func (s *ServerSuite) TestEchoScenario() {
	s.installEcho()
	s.Require().NoError(s.srv.OnSessionOpen(7))

	s.NoError(s.srv.OnMessage(7, envelope.NewDocument("echo", envelope.Document{"msg": "hi"})))

	out := s.transport.all()
	s.Require().Len(out, 1)
	s.Equal(uint64(7), out[0].id)
	s.Equal("echo", out[0].env.TypeName())
	s.Equal(envelope.EncodingDocument, out[0].env.Encoding())
	doc, _ := out[0].env.Document()
	s.Equal(envelope.Document{"msg": "hi"}, doc)
}

func (s *ServerSuite) TestUnknownTypeReportedOnce() {
	s.Require().NoError(s.srv.OnSessionOpen(1))
	err := s.srv.OnMessage(1, envelope.NewDocument("nope", nil))
	s.ErrorIs(err, merr.ErrUnknownMessageType)
	s.Len(s.reporter.Events(), 1)
	s.Empty(s.transport.all())

	got, ok := s.srv.Sessions().Get(1)
	s.Require().True(ok)
	s.Equal(session.StateOpen, got.State())
}

func (s *ServerSuite) TestCloseThenDispatchIsDropped() {
	called := 0
	s.Require().NoError(s.srv.HandleDocument("echo", func(session.Session, envelope.Document) error {
		called++
		return nil
	}))
	s.Require().NoError(s.srv.OnSessionOpen(1))
	s.Require().NoError(s.srv.OnSessionClose(1, session.ReasonPeerClosed))

	err := s.srv.OnMessage(1, envelope.NewDocument("echo", nil))
	s.Error(err)
	s.Equal(0, called)
	s.Equal(1, s.reporter.Count(merr.ErrSessionNotFound))
}

func (s *ServerSuite) TestSendAfterClose() {
	s.Require().NoError(s.srv.OnSessionOpen(1))
	s.Require().NoError(s.srv.OnSessionClose(1, session.ReasonNormal))

	s.ErrorIs(s.srv.Send(1, envelope.NewDocument("echo", nil)), merr.ErrSessionInactive)
	s.Empty(s.transport.all())
	s.Equal(1, s.reporter.Count(merr.ErrSessionInactive))
	s.Len(s.reporter.Events(), 1)
}

func (s *ServerSuite) TestDuplicateOpen() {
	s.Require().NoError(s.srv.OnSessionOpen(1))
	s.ErrorIs(s.srv.OnSessionOpen(1), merr.ErrSessionAlreadyExists)
	s.Equal(1, s.reporter.Count(merr.ErrSessionAlreadyExists))
}

func (s *ServerSuite) TestSessionCallbacks() {
	var events []string
	s.srv.OnSessionOpened(func(sess session.Session) {
		events = append(events, "open")
		_ = sess.Send(envelope.NewDocument("welcome", nil))
	})
	s.srv.OnSessionClosed(func(_ session.Session, reason session.CloseReason) {
		events = append(events, "close:"+reason.String())
	})
	// 重复设置时后设置的生效。
	s.srv.OnSessionClosed(func(_ session.Session, reason session.CloseReason) {
		events = append(events, "closed:"+reason.String())
	})

	s.Require().NoError(s.srv.OnSessionOpen(1))
	s.Require().NoError(s.srv.OnSessionClose(1, session.ReasonTimeout))
	s.Require().NoError(s.srv.OnSessionClose(1, session.ReasonTimeout))

	s.Equal([]string{"open", "closed:timeout"}, events)
	s.Len(s.transport.all(), 1)
}

func (s *ServerSuite) TestLastHandlerWins() {
	s.Require().NoError(s.srv.OnSessionOpen(1))
	var hit string
	s.Require().NoError(s.srv.HandleDocument("x", func(session.Session, envelope.Document) error { hit = "first"; return nil }))
	s.Require().NoError(s.srv.HandleDocument("x", func(session.Session, envelope.Document) error { hit = "second"; return nil }))

	s.NoError(s.srv.OnMessage(1, envelope.NewDocument("x", nil)))
	s.Equal("second", hit)
}

func (s *ServerSuite) TestBinaryHandler() {
	var got int64
	s.Require().NoError(HandleMessage(s.srv, "select", func(_ session.Session, msg *wrapperspb.Int64Value) error {
		got = msg.GetValue()
		return nil
	}))
	s.Require().NoError(s.srv.OnSessionOpen(1))

	env, err := envelope.NewMessage("select", wrapperspb.Int64(3))
	s.Require().NoError(err)
	s.NoError(s.srv.OnMessage(1, env))
	s.EqualValues(3, got)
}

func (s *ServerSuite) TestTimers() {
	var fired []time.Time
	_, err := s.srv.Every(time.Second, func(_ timer.ID, at time.Time) error {
		fired = append(fired, at)
		return nil
	})
	s.Require().NoError(err)

	onceCalls := 0
	once, err := s.srv.After(1500*time.Millisecond, func(timer.ID, time.Time) error {
		onceCalls++
		return nil
	})
	s.Require().NoError(err)

	s.Equal(1, s.srv.Tick(t0.Add(time.Second)))
	s.Equal(2, s.srv.Tick(t0.Add(2*time.Second)))
	s.Equal(1, s.srv.Tick(t0.Add(3*time.Second)))
	s.Len(fired, 3)
	s.Equal(1, onceCalls)
	s.False(s.srv.CancelTimer(once))

	_, err = s.srv.Every(0, func(timer.ID, time.Time) error { return nil })
	s.ErrorIs(err, merr.ErrTimerInvalidInterval)
}

func (s *ServerSuite) TestBroadcastFromTimer() {
	for id := uint64(1); id <= 3; id++ {
		s.Require().NoError(s.srv.OnSessionOpen(id))
	}
	_, err := s.srv.Every(time.Second, func(timer.ID, time.Time) error {
		s.srv.Broadcast(envelope.NewDocument("heartbeat", nil))
		return nil
	})
	s.Require().NoError(err)

	s.srv.Tick(t0.Add(time.Second))
	s.Len(s.transport.all(), 3)
}

func (s *ServerSuite) TestInstall() {
	calls := 0
	err := s.srv.Install(
		InstallerFunc(func(*Server) error { calls++; return nil }),
		nil,
		InstallerFunc(func(*Server) error { calls++; return assert.AnError }),
		InstallerFunc(func(*Server) error { calls++; return nil }),
	)
	s.ErrorIs(err, assert.AnError)
	s.Equal(2, calls)
}

func (s *ServerSuite) TestStop() {
	s.Require().NoError(s.srv.OnSessionOpen(1))
	_, err := s.srv.Every(time.Second, func(timer.ID, time.Time) error { return nil })
	s.Require().NoError(err)

	s.NoError(s.srv.Stop(context.Background()))
	s.Equal(0, s.srv.Sessions().Count())
	s.Equal(0, s.srv.Scheduler().Len())
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestNewWithDefaults(t *testing.T) {
	srv := New(Options{})
	require.NotNil(t, srv.Router())
	require.NotNil(t, srv.Sessions())
	require.NotNil(t, srv.Scheduler())
	require.NotNil(t, srv.Arguments())

	require.NoError(t, srv.OnSessionOpen(1))
	assert.ErrorIs(t, srv.OnMessage(1, envelope.NewDocument("x", nil)), merr.ErrUnknownMessageType)
}
