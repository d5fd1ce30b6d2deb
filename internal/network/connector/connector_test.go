package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/lk2023060901/paper-soldier-go/internal/network"
	"github.com/lk2023060901/paper-soldier-go/internal/network/acceptor"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/internal/server"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func newEchoServer(t *testing.T) (*server.Server, *httptest.Server) {
	srv := server.New(server.Options{Reporter: network.NopReporter{}})
	require.NoError(t, srv.HandleDocument("echo", func(sess session.Session, doc envelope.Document) error {
		return sess.Send(envelope.NewDocument("echo", doc))
	}))
	acc := acceptor.NewWSAcceptor(acceptor.Config{}, srv)
	srv.Sessions().SetTransport(acc)
	hs := httptest.NewServer(acc)
	t.Cleanup(func() {
		hs.Close()
		_ = acc.Close()
	})
	return srv, hs
}

func TestDialAndEcho(t *testing.T) {
	_, hs := newEchoServer(t)

	conn, err := New(Config{}).Dial(context.Background(), wsURL(hs), nil)
	require.NoError(t, err)

	require.NoError(t, conn.Send(envelope.NewDocument("echo", envelope.Document{"msg": "hi"})))
	select {
	case env := <-conn.Recv():
		assert.Equal(t, "echo", env.TypeName())
		doc, _ := env.Document()
		assert.Equal(t, "hi", doc["msg"])
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Err())
	assert.ErrorIs(t, conn.Send(envelope.NewDocument("echo", nil)), merr.ErrTransportUnavailable)
}

func TestServerCloseEndsConnection(t *testing.T) {
	srv, hs := newEchoServer(t)

	conn, err := New(Config{}).Dial(context.Background(), wsURL(hs), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Sessions().CloseAll(session.ReasonKicked)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.True(t, websocket.IsCloseError(conn.Err(), websocket.ClosePolicyViolation))
	_, ok := <-conn.Recv()
	assert.False(t, ok)
}

func TestDialRetriesThenFails(t *testing.T) {
	attempts := atomic.NewInt32(0)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Inc()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer hs.Close()

	c := New(Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
	_, err := c.Dial(context.Background(), wsURL(hs), nil)
	assert.ErrorIs(t, err, merr.ErrTransportUnavailable)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDialRejectedIsNotRetried(t *testing.T) {
	attempts := atomic.NewInt32(0)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Inc()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer hs.Close()

	c := New(Config{MaxRetries: 5, InitialInterval: time.Millisecond})
	_, err := c.Dial(context.Background(), wsURL(hs), nil)
	assert.ErrorIs(t, err, merr.ErrTransportUnavailable)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDialHonorsContext(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer hs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{MaxRetries: 100, InitialInterval: time.Second}).Dial(ctx, wsURL(hs), nil)
	assert.Error(t, err)
}
