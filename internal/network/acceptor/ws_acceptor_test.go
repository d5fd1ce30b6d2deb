package acceptor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/codec"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/internal/server"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

const waitFor = 2 * time.Second

type closedEvent struct {
	id     uint64
	reason session.CloseReason
}

type AcceptorSuite struct {
	suite.Suite

	reporter *network.Recorder
	srv      *server.Server
	acc      *WSAcceptor
	hs       *httptest.Server
	codec    codec.Codec

	opened chan uint64
	mu     sync.Mutex
	closed []closedEvent
}

func (s *AcceptorSuite) setup(cfg Config) {
	s.reporter = &network.Recorder{}
	s.codec = codec.New(codec.Options{})
	s.opened = make(chan uint64, 16)
	s.closed = nil

	s.srv = server.New(server.Options{Reporter: s.reporter})
	s.Require().NoError(s.srv.HandleDocument("echo", func(sess session.Session, doc envelope.Document) error {
		return sess.Send(envelope.NewDocument("echo", doc))
	}))
	s.srv.OnSessionOpened(func(sess session.Session) { s.opened <- sess.ID() })
	s.srv.OnSessionClosed(func(sess session.Session, reason session.CloseReason) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = append(s.closed, closedEvent{id: sess.ID(), reason: reason})
	})

	s.acc = NewWSAcceptor(cfg, s.srv, WithReporter(s.reporter))
	s.srv.Sessions().SetTransport(s.acc)
	s.hs = httptest.NewServer(s.acc)
}

func (s *AcceptorSuite) SetupTest() {
	s.setup(Config{})
}

func (s *AcceptorSuite) TearDownTest() {
	s.hs.Close()
	s.NoError(s.acc.Close())
}

func (s *AcceptorSuite) reset(cfg Config) {
	s.TearDownTest()
	s.setup(cfg)
}

func (s *AcceptorSuite) dial() (*websocket.Conn, uint64) {
	url := "ws" + strings.TrimPrefix(s.hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	select {
	case id := <-s.opened:
		return conn, id
	case <-time.After(waitFor):
		s.FailNow("session not opened")
		return nil, 0
	}
}

func (s *AcceptorSuite) write(conn *websocket.Conn, env envelope.Envelope) {
	data, err := s.codec.Marshal(env)
	s.Require().NoError(err)
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, data))
}

func (s *AcceptorSuite) read(conn *websocket.Conn) envelope.Envelope {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	s.Require().NoError(err)
	env, err := s.codec.Unmarshal(data)
	s.Require().NoError(err)
	return env
}

func (s *AcceptorSuite) closedEvents() []closedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]closedEvent(nil), s.closed...)
}

func (s *AcceptorSuite) TestEcho() {
	conn, _ := s.dial()
	defer conn.Close()

	s.write(conn, envelope.NewDocument("echo", envelope.Document{"msg": "hi"}))
	env := s.read(conn)
	s.Equal("echo", env.TypeName())
	doc, _ := env.Document()
	s.Equal("hi", doc["msg"])
	s.Equal(1, s.acc.Count())
}

func (s *AcceptorSuite) TestMessagesKeepOrder() {
	conn, _ := s.dial()
	defer conn.Close()

	for i := 0; i < 50; i++ {
		s.write(conn, envelope.NewDocument("echo", envelope.Document{"seq": i}))
	}
	for i := 0; i < 50; i++ {
		doc, _ := s.read(conn).Document()
		seq, ok := doc.Int("seq")
		s.Require().True(ok)
		s.Equal(int64(i), seq)
	}
}

func (s *AcceptorSuite) TestMalformedFrameKeepsConnection() {
	conn, _ := s.dial()
	defer conn.Close()

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	s.write(conn, envelope.NewDocument("echo", envelope.Document{"msg": "still here"}))

	doc, _ := s.read(conn).Document()
	s.Equal("still here", doc["msg"])
	s.Equal(1, s.reporter.Count(merr.ErrMalformedPayload))
}

func (s *AcceptorSuite) TestPeerClose() {
	conn, id := s.dial()
	s.Require().NoError(conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	s.Eventually(func() bool { return len(s.closedEvents()) == 1 }, waitFor, 10*time.Millisecond)
	s.Equal(closedEvent{id: id, reason: session.ReasonPeerClosed}, s.closedEvents()[0])
	s.Eventually(func() bool { return s.acc.Count() == 0 }, waitFor, 10*time.Millisecond)
	s.Equal(0, s.srv.Sessions().Count())
}

func (s *AcceptorSuite) TestServerCloseFlushesAndSendsCloseFrame() {
	conn, id := s.dial()
	defer conn.Close()

	s.Require().NoError(s.srv.Send(id, envelope.NewDocument("bye", nil)))
	s.Require().NoError(s.srv.Sessions().Close(id, session.ReasonKicked))

	s.Equal("bye", s.read(conn).TypeName())
	_, _, err := conn.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	s.Eventually(func() bool { return s.acc.Count() == 0 }, waitFor, 10*time.Millisecond)
	s.Require().Len(s.closedEvents(), 1)
	s.Equal(session.ReasonKicked, s.closedEvents()[0].reason)
}

func (s *AcceptorSuite) TestReadTimeout() {
	s.reset(Config{ReadTimeout: 50 * time.Millisecond})

	conn, _ := s.dial()
	defer conn.Close()

	s.Eventually(func() bool { return len(s.closedEvents()) == 1 }, waitFor, 10*time.Millisecond)
	s.Equal(session.ReasonTimeout, s.closedEvents()[0].reason)
}

func (s *AcceptorSuite) TestMaxConnections() {
	s.reset(Config{MaxConnections: 1})

	conn, _ := s.dial()
	defer conn.Close()

	url := "ws" + strings.TrimPrefix(s.hs.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	s.Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	s.Equal(1, s.reporter.Count(merr.ErrServiceUnavailable))
}

func (s *AcceptorSuite) TestDeliverUnknownConnection() {
	err := s.acc.Deliver(42, envelope.NewDocument("x", nil))
	s.ErrorIs(err, merr.ErrTransportUnavailable)
	s.acc.Disconnect(42, session.ReasonNormal)
}

func (s *AcceptorSuite) TestCloseShutsDownConnections() {
	conn, _ := s.dial()
	defer conn.Close()

	s.NoError(s.acc.Close())
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	s.Eventually(func() bool { return len(s.closedEvents()) == 1 }, waitFor, 10*time.Millisecond)
	s.Equal(session.ReasonShutdown, s.closedEvents()[0].reason)
}

func TestAcceptor(t *testing.T) {
	suite.Run(t, new(AcceptorSuite))
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := server.New(server.Options{Reporter: network.NopReporter{}})
	acc := NewWSAcceptor(Config{Path: "/game"}, srv)
	srv.Sessions().SetTransport(acc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- acc.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/game", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 1 }, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not return")
	}
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 0 }, waitFor, 10*time.Millisecond)
}
